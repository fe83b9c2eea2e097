// Package relay forwards unsolicited device events to the upstream event gateway,
// attaching a fresh upstream bearer token.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/voicelink/voicelink/gateway/internal/store"
	"github.com/voicelink/voicelink/pkg/protocol"
)

// Mirror receives a copy of every relayed event.
type Mirror interface {
	Publish(ctx context.Context, accountID, deviceID string, body []byte) error
}

// Options configures a Relay.
type Options struct {
	GatewayURL       string
	RefreshThreshold time.Duration
	RequestTimeout   time.Duration
}

// Relay implements devicehub.EventSink.
type Relay struct {
	store      AccountStore
	tokens     *TokenManager
	gatewayURL string
	client     *http.Client
	mirror     Mirror
	logger     *slog.Logger
}

// New creates a Relay. mirror may be nil.
func New(s AccountStore, idp Refresher, mirror Mirror, opts Options, logger *slog.Logger) *Relay {
	return &Relay{
		store:      s,
		tokens:     NewTokenManager(s, idp, opts.RefreshThreshold, logger),
		gatewayURL: opts.GatewayURL,
		client:     &http.Client{Timeout: opts.RequestTimeout},
		mirror:     mirror,
		logger:     logger.With("component", "relay"),
	}
}

// HandleDeviceEvent verifies the device's account and token, then posts the event
// upstream. Failures are logged and never reported back to the device.
func (r *Relay) HandleDeviceEvent(ctx context.Context, accountID, accessToken, deviceID string, req *protocol.EventRequest) {
	logger := r.logger.With("account", accountID, "device", deviceID)

	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		logger.Error("load account failed", "error", err)
		return
	}
	if acct == nil {
		logger.Warn("dropping event for unknown account")
		return
	}
	if !acct.TokenMatches(accessToken) {
		logger.Warn("dropping event, device token mismatch")
		return
	}
	if !acct.Linked() {
		logger.Info("dropping event, account not linked upstream")
		return
	}

	bearer, err := r.tokens.EnsureFresh(ctx, acct)
	if err != nil {
		logger.Error("dropping event", "error", err)
		return
	}

	event := *req.Event
	if event.Header.MessageID == "" {
		event.Header.MessageID = uuid.New().String()
	}
	event.Endpoint = &protocol.Endpoint{
		EndpointID: deviceID,
		Scope:      &protocol.Scope{Type: protocol.ScopeBearerToken, Token: bearer},
	}
	out := protocol.EventRequest{Context: req.Context, Event: &event}

	body, err := json.Marshal(out)
	if err != nil {
		logger.Error("encode event failed", "error", err)
		return
	}

	status, err := r.post(ctx, bearer, body)
	if err != nil {
		logger.Error("event relay failed", "name", event.Header.Name, "error", err)
		return
	}
	logger.Info("event relayed", "namespace", event.Header.Namespace, "name", event.Header.Name,
		"message_id", event.Header.MessageID, "status", status)

	detail, _ := json.Marshal(map[string]any{"name": event.Header.Name, "status": status})
	if err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		Action:    store.ActionEventRelayed,
		AccountID: accountID,
		DeviceID:  deviceID,
		Detail:    detail,
	}); err != nil {
		logger.Warn("audit log failed", "action", store.ActionEventRelayed, "error", err)
	}

	if r.mirror != nil {
		if err := r.mirror.Publish(ctx, accountID, deviceID, body); err != nil {
			logger.Warn("event mirror publish failed", "error", err)
		}
	}
}

func (r *Relay) post(ctx context.Context, bearer string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, nil
}
