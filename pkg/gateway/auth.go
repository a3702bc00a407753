package gateway

import "crypto/subtle"

// AuthHandler validates the shared secret clients present on connect.
type AuthHandler struct {
	secret string
}

// NewAuthHandler creates an auth handler for the given shared secret.
func NewAuthHandler(secret string) *AuthHandler {
	return &AuthHandler{secret: secret}
}

// Verify checks a presented secret in constant time.
func (a *AuthHandler) Verify(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(a.secret), []byte(presented)) == 1
}
