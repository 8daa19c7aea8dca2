package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// IDTokenClaims are the ID token fields shown by status output.
type IDTokenClaims struct {
	Issuer    string
	Subject   string
	Email     string
	ExpiresAt time.Time
}

// PeekIDToken decodes an ID token without verifying its signature. It is only
// meant for displaying a cached token that was verified at login.
func PeekIDToken(raw string) (*IDTokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to decode id token: %w", err)
	}
	out := &IDTokenClaims{}
	out.Issuer, _ = claims["iss"].(string)
	out.Subject, _ = claims["sub"].(string)
	out.Email, _ = claims["email"].(string)
	if exp, ok := claims["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return out, nil
}
