// Package store defines the credential store for the gateway and provides SQLite and
// PostgreSQL implementations.
package store

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the gateway. Lookups return (nil, nil) when
// the row does not exist.
type Store interface {
	// Accounts
	GetAccount(ctx context.Context, clientID string) (*Account, error)
	VerifyAccount(ctx context.Context, clientID, accessToken string) (*Account, error)
	UpsertAccount(ctx context.Context, acct *Account) (*Account, error)
	RefreshTokens(ctx context.Context, clientID, accessToken, refreshToken string, expiresAt time.Time) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Account is a linked voice-platform user. AccessToken authenticates the user's
// devices to the gateway; the OAuth fields authenticate the gateway upstream.
type Account struct {
	ClientID          string    `json:"client_id"`
	AccessToken       string    `json:"-"`
	OAuthAccessToken  string    `json:"-"`
	OAuthRefreshToken string    `json:"-"`
	TokenExpires      time.Time `json:"token_expires,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Linked reports whether the account completed the upstream authorization grant.
func (a *Account) Linked() bool {
	return a.OAuthAccessToken != ""
}

// TokenMatches compares the presented device token in constant time.
func (a *Account) TokenMatches(token string) bool {
	if token == "" || a.AccessToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.AccessToken), []byte(token)) == 1
}

// Audit actions.
const (
	ActionDeviceConnect    = "device.connect"
	ActionDeviceDisconnect = "device.disconnect"
	ActionAccountLinked    = "account.linked"
	ActionTokenRefreshed   = "token.refreshed"
	ActionEventRelayed     = "event.relayed"
)

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	AccountID string          `json:"account_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action    string // prefix match
	AccountID string
	DeviceID  string
	Limit     int
	Offset    int
}

// verify is shared by both backends.
func verify(acct *Account, err error, accessToken string) (*Account, error) {
	if err != nil || acct == nil {
		return nil, err
	}
	if !acct.TokenMatches(accessToken) {
		return nil, nil
	}
	return acct, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
