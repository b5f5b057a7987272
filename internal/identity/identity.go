// Package identity resolves the local user's sender identity, used to
// recognise our own messages and typing frames when the backend echoes them.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnknown is returned when neither an explicit identity nor a usable
// token claim is available.
var ErrUnknown = errors.New("local identity unknown: set identity in config or use a token with an email or sub claim")

// Resolve returns explicit when set, otherwise the email or sub claim of the
// bearer token. The token signature is not verified; the backend does that.
func Resolve(explicit, token string) (string, error) {
	if id := strings.TrimSpace(explicit); id != "" {
		return id, nil
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrUnknown
	}
	return FromToken(token)
}

// FromToken reads the identity claim from an unverified JWT.
func FromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if email, ok := claims["email"].(string); ok && email != "" {
		return email, nil
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("read sub claim: %w", err)
	}
	if sub == "" {
		return "", ErrUnknown
	}
	return sub, nil
}
