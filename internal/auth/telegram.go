package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LoginData is the set of fields the Telegram login widget sends back:
// id, first_name, last_name, username, photo_url, auth_date and hash.
type LoginData map[string]string

// LoginDataFromValues collects login fields from a query string or form
func LoginDataFromValues(values url.Values) LoginData {
	data := make(LoginData, len(values))
	for key := range values {
		data[key] = values.Get(key)
	}
	return data
}

// dataCheckString joins every field but hash as sorted key=value lines
func (d LoginData) dataCheckString() string {
	keys := make([]string, 0, len(d))
	for key := range d {
		if key != "hash" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, key+"="+d[key])
	}
	return strings.Join(lines, "\n")
}

// TelegramAuthenticator checks login widget data against the bot token
type TelegramAuthenticator struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewTelegramAuthenticator creates an authenticator for botToken. Login data
// older than maxAge is rejected; zero disables the check.
func NewTelegramAuthenticator(botToken string, maxAge time.Duration) *TelegramAuthenticator {
	secret := sha256.Sum256([]byte(botToken))
	return &TelegramAuthenticator{
		secret: secret[:],
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Sign computes the hash Telegram would send for data
func (t *TelegramAuthenticator) Sign(data LoginData) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(data.dataCheckString()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate verifies the hash and freshness of data
func (t *TelegramAuthenticator) Authenticate(ctx context.Context, data LoginData) (*Identity, error) {
	if data["id"] == "" || data["hash"] == "" {
		return nil, ErrInvalidLogin
	}

	expected, err := hex.DecodeString(t.Sign(data))
	if err != nil {
		return nil, fmt.Errorf("signing login data: %w", err)
	}
	given, err := hex.DecodeString(strings.ToLower(data["hash"]))
	if err != nil || !hmac.Equal(expected, given) {
		return nil, ErrInvalidLogin
	}

	if t.maxAge > 0 {
		authDate, err := strconv.ParseInt(data["auth_date"], 10, 64)
		if err != nil {
			return nil, ErrInvalidLogin
		}
		if t.now().Sub(time.Unix(authDate, 0)) > t.maxAge {
			return nil, ErrLoginExpired
		}
	}

	// Display names are not unique; without a username the user is known by id
	return &Identity{
		UserID:   "tg:" + data["id"],
		Username: data["username"],
	}, nil
}
