// Package auth identifies the people splitting receipts. Users sign in with
// the Telegram login widget and are then carried by a signed session token.
package auth

import (
	"context"
	"errors"
)

var (
	ErrInvalidLogin = errors.New("telegram login data is not authentic")
	ErrLoginExpired = errors.New("telegram login data is too old")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
)

// Identity is an authenticated user
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Participant is the name the user's claims are recorded under
func (i *Identity) Participant() string {
	if i.Username != "" {
		return i.Username
	}
	return i.UserID
}

// Authenticator verifies third-party login data
type Authenticator interface {
	Authenticate(ctx context.Context, data LoginData) (*Identity, error)
}
