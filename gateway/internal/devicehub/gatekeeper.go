package devicehub

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/voicelink/voicelink/gateway/internal/store"
)

var (
	ErrMissingCredentials = errors.New("missing device credentials")
	ErrInvalidCredentials = errors.New("invalid device credentials")
)

// Verifier resolves an account from a client id and device access token. It returns
// (nil, nil) when the pair does not match.
type Verifier interface {
	VerifyAccount(ctx context.Context, clientID, accessToken string) (*store.Account, error)
}

// Credentials are the handshake query parameters of a device connection.
type Credentials struct {
	ClientID    string
	ClientToken string
	DeviceID    string
}

// Gatekeeper authenticates device connections before the websocket upgrade.
type Gatekeeper struct {
	verifier Verifier
}

func NewGatekeeper(v Verifier) *Gatekeeper {
	return &Gatekeeper{verifier: v}
}

// Admit checks the handshake parameters. It returns ErrMissingCredentials or
// ErrInvalidCredentials for a rejected device and a wrapped store error when the
// verdict could not be reached.
func (g *Gatekeeper) Admit(ctx context.Context, query url.Values) (*store.Account, Credentials, error) {
	creds := Credentials{
		ClientID:    query.Get("client_id"),
		ClientToken: query.Get("client_token"),
		DeviceID:    query.Get("device_id"),
	}
	if creds.ClientID == "" || creds.ClientToken == "" || creds.DeviceID == "" {
		return nil, creds, ErrMissingCredentials
	}

	acct, err := g.verifier.VerifyAccount(ctx, creds.ClientID, creds.ClientToken)
	if err != nil {
		return nil, creds, fmt.Errorf("verify account: %w", err)
	}
	if acct == nil {
		return nil, creds, ErrInvalidCredentials
	}
	return acct, creds, nil
}
