// Package auth issues and verifies the bearer tokens presented at the HTTP
// command surface and the websocket handshake.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"futures-trading-platform/internal/domain"
)

// Claims is the token payload. Subject carries the user id, ID carries the
// session id used for server-side revocation.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenService signs and verifies access tokens.
type TokenService struct {
	signingKey []byte
	duration   time.Duration
}

// NewTokenService creates a token service with an HS256 signing key.
func NewTokenService(signingKey string, duration time.Duration) *TokenService {
	return &TokenService{signingKey: []byte(signingKey), duration: duration}
}

// TTL reports how long issued tokens stay valid.
func (s *TokenService) TTL() time.Duration { return s.duration }

// Issue creates a signed access token for the user and returns it together
// with the session id embedded in the jti claim.
func (s *TokenService) Issue(userID domain.ID) (string, string, error) {
	now := time.Now().UTC()
	sessionID := uuid.NewString()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.duration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	return signed, sessionID, err
}

// Verify parses the token and returns the authenticated user id and the
// session id.
func (s *TokenService) Verify(tokenString string) (domain.ID, string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return domain.ID{}, "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.ID{}, "", fmt.Errorf("invalid token claims")
	}
	userID, err := domain.ParseID(claims.Subject)
	if err != nil {
		return domain.ID{}, "", err
	}
	return userID, claims.ID, nil
}
