// Package identity talks to the upstream OAuth identity provider: it exchanges
// authorization codes, refreshes access tokens and resolves user profiles.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/voicelink/voicelink/gateway/internal/config"
)

const maxProfileBytes = 64 * 1024

// Tokens is an upstream OAuth token set.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Profile is the identity provider's view of a user.
type Profile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Provider is the identity provider used by the directive router, the relay and the
// portal API.
type Provider interface {
	ExchangeCode(ctx context.Context, code string) (*Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
	Profile(ctx context.Context, accessToken string) (*Profile, error)
}

// OAuthProvider implements Provider against a Login with Amazon style endpoint.
type OAuthProvider struct {
	oauth      *oauth2.Config
	profileURL string
	client     *http.Client
}

// New creates an OAuthProvider from the upstream config.
func New(cfg config.UpstreamConfig) *OAuthProvider {
	return &OAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		profileURL: cfg.ProfileURL,
		client:     &http.Client{Timeout: cfg.RequestTimeout.Duration},
	}
}

// ExchangeCode trades an authorization grant code for a token set.
func (p *OAuthProvider) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	tok, err := p.oauth.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return fromOAuth(tok), nil
}

// Refresh obtains a new access token. The returned refresh token is the rotated one
// when the provider issued it, otherwise the one passed in.
func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}
	tok, err := p.oauth.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return fromOAuth(tok), nil
}

// Profile resolves the user that owns accessToken.
func (p *OAuthProvider) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.profileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("profile endpoint returned status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if profile.UserID == "" {
		return nil, errors.New("profile response missing user_id")
	}
	return &profile, nil
}

func (p *OAuthProvider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func fromOAuth(tok *oauth2.Token) *Tokens {
	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}
