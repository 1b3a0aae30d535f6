package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

const sessionUser = "session"

// KeyringSession keeps the session token in the operating system keyring
type KeyringSession struct {
	service string
}

var _ TokenProvider = (*KeyringSession)(nil)

// NewKeyringSession stores tokens under the given keyring service name
func NewKeyringSession(service string) *KeyringSession {
	return &KeyringSession{service: service}
}

// SetToken validates and stores token, replacing any previous one
func (s *KeyringSession) SetToken(_ context.Context, token string) error {
	if err := Validate(token); err != nil {
		return err
	}
	if err := keyring.Set(s.service, sessionUser, token); err != nil {
		return fmt.Errorf("failed to store session token: %w", err)
	}
	return nil
}

// Clear removes the stored token. Clearing an absent session succeeds.
func (s *KeyringSession) Clear(_ context.Context) error {
	err := keyring.Delete(s.service, sessionUser)
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("failed to delete session token: %w", err)
}

// Token returns the stored token if it is present and still valid
func (s *KeyringSession) Token(_ context.Context) (string, bool) {
	token, err := keyring.Get(s.service, sessionUser)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			slog.Warn("Failed to read session token", "error", err)
		}
		return "", false
	}

	if err := Validate(token); err != nil {
		slog.Debug("Stored session token is not usable", "error", err)
		return "", false
	}
	return token, true
}

// HasSession reports whether a usable token is stored
func (s *KeyringSession) HasSession(ctx context.Context) bool {
	_, ok := s.Token(ctx)
	return ok
}
