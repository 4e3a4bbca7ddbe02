// Package secrets encrypts exchange API credentials at rest. Credentials are
// decrypted only inside the exchange adapter at call time.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Box seals and opens credential blobs with XChaCha20-Poly1305.
type Box struct {
	key [chacha20poly1305.KeySize]byte
}

// NewBox derives the AEAD key from the configured encryption key material.
func NewBox(keyMaterial string) (*Box, error) {
	if len(keyMaterial) < 32 {
		return nil, fmt.Errorf("encryption key material must be at least 32 bytes")
	}
	b := &Box{key: sha256.Sum256([]byte(keyMaterial))}
	return b, nil
}

// Seal encrypts plaintext, prefixing the random nonce.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("credential decryption failed: %w", err)
	}
	return plaintext, nil
}
