// Package auth verifies the HS256 session tokens issued by the identity provider.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification
var ErrInvalidToken = errors.New("invalid session token")

// Claims are the session claims. The owner is the subject; older tokens carry
// it in user_id instead.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// OwnerID returns the authenticated owner
func (c *Claims) OwnerID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// ParseToken verifies tokenString and returns the owner id
func ParseToken(secret, tokenString string) (string, error) {
	if secret == "" || tokenString == "" {
		return "", ErrInvalidToken
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	owner := claims.OwnerID()
	if owner == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return owner, nil
}

// GenerateToken signs a session token for ownerID
func GenerateToken(secret, ownerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// BearerToken extracts the token from an Authorization header, or "" when absent
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
