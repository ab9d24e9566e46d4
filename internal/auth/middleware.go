// Package auth guards the local API with a static bearer token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoToken is returned when a request carries no token.
	ErrNoToken = errors.New("no token provided")
	// ErrInvalidToken is returned when the token does not match.
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator validates bearer tokens against the configured API token.
type Authenticator struct {
	token []byte
}

// New returns an authenticator accepting token.
func New(token string) *Authenticator {
	return &Authenticator{token: []byte(token)}
}

// ValidateToken reports whether token is the API token.
func (a *Authenticator) ValidateToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	if len(a.token) == 0 || subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is case-insensitive per RFC 7235.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrNoToken
	}

	fields := strings.Fields(authHeader)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// RequireAuth middleware checks for a valid bearer token in the
// Authorization header. Returns 401 Unauthorized if authentication fails.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err == nil {
			err = a.ValidateToken(token)
		}
		if err != nil {
			log.Printf("Auth: rejected %s %s: %v", r.Method, r.URL.Path, err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
