package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicelink/voicelink/gateway/internal/identity"
	"github.com/voicelink/voicelink/gateway/internal/store"
)

// AccountStore is the slice of the credential store the relay needs.
type AccountStore interface {
	GetAccount(ctx context.Context, clientID string) (*store.Account, error)
	RefreshTokens(ctx context.Context, clientID, accessToken, refreshToken string, expiresAt time.Time) error
	LogAuditEvent(ctx context.Context, event *store.AuditEvent) error
}

// Refresher exchanges a refresh token for a new token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*identity.Tokens, error)
}

// TokenManager keeps an account's upstream access token valid.
type TokenManager struct {
	store     AccountStore
	idp       Refresher
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewTokenManager(s AccountStore, idp Refresher, threshold time.Duration, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		store:     s,
		idp:       idp,
		threshold: threshold,
		now:       time.Now,
		logger:    logger.With("component", "tokens"),
	}
}

// EnsureFresh returns a usable upstream access token for acct, refreshing and
// persisting it first when it expires within the threshold. acct is updated in place.
func (m *TokenManager) EnsureFresh(ctx context.Context, acct *store.Account) (string, error) {
	if acct.TokenExpires.Sub(m.now()) >= m.threshold {
		return acct.OAuthAccessToken, nil
	}

	tokens, err := m.idp.Refresh(ctx, acct.OAuthRefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh upstream token: %w", err)
	}
	if err := m.store.RefreshTokens(ctx, acct.ClientID, tokens.AccessToken, tokens.RefreshToken, tokens.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	acct.OAuthAccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		acct.OAuthRefreshToken = tokens.RefreshToken
	}
	acct.TokenExpires = tokens.Expiry

	m.logger.Info("upstream token refreshed", "account", acct.ClientID, "expires", tokens.Expiry)
	detail, _ := json.Marshal(map[string]any{"expires": tokens.Expiry})
	if err := m.store.LogAuditEvent(ctx, &store.AuditEvent{
		Action:    store.ActionTokenRefreshed,
		AccountID: acct.ClientID,
		Detail:    detail,
	}); err != nil {
		m.logger.Warn("audit log failed", "action", store.ActionTokenRefreshed, "error", err)
	}

	return acct.OAuthAccessToken, nil
}
