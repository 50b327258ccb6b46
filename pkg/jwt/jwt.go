package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of the backend's access token claims the client reads.
// Signatures are verified by the backend; the client only inspects expiry.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

var parser = jwt.NewParser()

// Inspect parses a bearer token without verifying its signature
func Inspect(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

// ExpiresAt returns the token's exp claim. ok is false when the token has none.
func ExpiresAt(tokenString string) (exp time.Time, ok bool, err error) {
	claims, err := Inspect(tokenString)
	if err != nil {
		return time.Time{}, false, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

// IsTokenExpired checks if token is expired at now (without validation).
// Unparseable tokens count as expired; tokens without exp never expire.
func IsTokenExpired(tokenString string, now time.Time) bool {
	exp, ok, err := ExpiresAt(tokenString)
	if err != nil {
		return true
	}
	if !ok {
		return false
	}
	return !exp.After(now)
}
