package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("api-secret-key"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "api-secret-key")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "api-secret-key", string(opened))
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	box, err := NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = box.Open(sealed)
	assert.Error(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	a, _ := NewBox("0123456789abcdef0123456789abcdef")
	b, _ := NewBox("fedcba9876543210fedcba9876543210")

	sealed, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestShortKeyRejected(t *testing.T) {
	_, err := NewBox("too-short")
	assert.Error(t, err)
}
