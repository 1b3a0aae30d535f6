// Package auth stores the user's session token and decides whether it is usable.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

var (
	// ErrNoSession is returned when no session token is stored
	ErrNoSession = errors.New("no session")

	// ErrSessionExpired is returned when the stored token has expired
	ErrSessionExpired = errors.New("session expired")

	// ErrMalformedAuthorization is returned when the Authorization header is not a bearer token
	ErrMalformedAuthorization = errors.New("missing or malformed authorization header")
)

// TokenProvider hands out the current session token
type TokenProvider interface {
	// Token returns the token and true, or "" and false when there is no usable session
	Token(ctx context.Context) (string, bool)
}

// TokenProviderFunc adapts a function to TokenProvider
type TokenProviderFunc func(ctx context.Context) (string, bool)

// Token calls f(ctx)
func (f TokenProviderFunc) Token(ctx context.Context) (string, bool) {
	return f(ctx)
}

// Validate checks that token is present and, when it is a JWT, not expired.
// Opaque tokens carry no expiry and are accepted as long as they are non-empty.
// The signature is not verified; the remote service remains the authority.
func Validate(token string) error {
	if token == "" {
		return ErrNoSession
	}

	t := &oauth2.Token{AccessToken: token, Expiry: expiry(token)}
	if !t.Valid() {
		return ErrSessionExpired
	}
	return nil
}

// expiry returns the exp claim of a JWT, or the zero time for anything else
func expiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		slog.Debug("Session token looks like a JWT but could not be parsed", "error", err)
		return time.Time{}
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>" header
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedAuthorization
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMalformedAuthorization
	}
	return token, nil
}

// WriteUnauthorized writes a JSON error with an RFC 6750 WWW-Authenticate header.
// errCode should be "invalid_request" or "invalid_token".
func WriteUnauthorized(w http.ResponseWriter, realm, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s", error="%s", error_description="%s"`,
		sanitizeHeaderValue(realm), sanitizeHeaderValue(errCode), sanitizeHeaderValue(description)))
	w.WriteHeader(http.StatusUnauthorized)

	resp := struct {
		Error string `json:"error"`
	}{Error: description}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

// sanitizeHeaderValue strips CR and LF and escapes quotes for a quoted-string
func sanitizeHeaderValue(s string) string {
	if !strings.ContainsAny(s, "\r\n\"") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.ReplaceAll(s, `"`, `\"`)
}
