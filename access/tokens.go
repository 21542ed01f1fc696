// Package access mints and validates the callback tokens handed to worker
// processes. A worker presents its token when reporting a completion back to
// the hub; the token scopes the callback to the tenant the worker was
// launched for.
package access

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallbackClaims are the claims carried by a worker callback token.
type CallbackClaims struct {
	jwt.RegisteredClaims
	UserID    int64 `json:"uid"`
	ProjectID int64 `json:"pid"`
}

// MintCallbackToken signs a callback token for the given tenant, valid for
// ttl.
func MintCallbackToken(secret []byte, userID, projectID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "forgehub",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:    userID,
		ProjectID: projectID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign callback token: %w", err)
	}
	return signed, nil
}

// ValidateCallbackToken parses and verifies a callback token, returning its
// claims. Expired or tampered tokens fail validation.
func ValidateCallbackToken(secret []byte, tokenString string) (*CallbackClaims, error) {
	var claims CallbackClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid callback token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid callback token")
	}
	return &claims, nil
}
