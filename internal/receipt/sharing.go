package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// invitedUserPrefix marks a user created by a share before they ever
// logged in
const invitedUserPrefix = "invited:"

// User is someone known to the splitter, from a login or from a share
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Share records that a receipt's owner shared it with a user
type Share struct {
	ReceiptID string    `json:"receipt_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	SharedBy  string    `json:"shared_by"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterUser records a logged in user the first time they are seen and
// returns the stored user.
func (s *Service) RegisterUser(ctx context.Context, userID, username string) (*User, error) {
	user, err := s.db.SaveUser(ctx, &User{
		ID:        userID,
		Username:  strings.TrimSpace(username),
		CreatedAt: s.timeSource.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("saving user: %w", err)
	}
	return user, nil
}

// ShareReceipt shares an owner's receipt with the user known by username.
// A username nobody has logged in with yet gets an invited user. Sharing
// twice with the same user keeps the first share.
func (s *Service) ShareReceipt(ctx context.Context, ownerID, receiptID, username string) (*Share, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil, ErrUsernameRequired
	}

	receipt, err := s.db.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.OwnerID != ownerID {
		return nil, ErrNotOwner
	}

	user, err := s.db.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		user, err = s.RegisterUser(ctx, invitedUserPrefix+username, username)
	}
	if err != nil {
		return nil, fmt.Errorf("finding user %s: %w", username, err)
	}

	share := Share{
		ReceiptID: receiptID,
		UserID:    user.ID,
		Username:  user.Username,
		SharedBy:  ownerID,
		CreatedAt: s.timeSource.Now(),
	}
	saved, err := s.db.SaveShare(ctx, share)
	if err != nil {
		return nil, fmt.Errorf("saving share: %w", err)
	}

	slog.Info("Receipt shared", "receipt_id", receiptID, "user_id", user.ID)
	return saved, nil
}

// ListShares returns who a receipt was shared with, oldest share first
func (s *Service) ListShares(ctx context.Context, receiptID string) ([]Share, error) {
	if _, err := s.db.GetReceipt(ctx, receiptID); err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	shares, err := s.db.ListShares(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}
	return shares, nil
}
