// Package directive dispatches inbound voice-platform directives by namespace: the
// authorization grant is handled in-process, discovery fans out to every device of
// the account, and everything else goes to a single device.
package directive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voicelink/voicelink/gateway/internal/auth"
	"github.com/voicelink/voicelink/gateway/internal/correlator"
	"github.com/voicelink/voicelink/gateway/internal/identity"
	"github.com/voicelink/voicelink/gateway/internal/store"
	"github.com/voicelink/voicelink/pkg/protocol"
)

var (
	ErrMalformedDirective = errors.New("malformed directive")
	ErrUpstream           = errors.New("upstream identity provider failed")
)

// Hub delivers device-bound messages.
type Hub interface {
	SendToAccount(accountID string, data []byte) int
	SendToDevice(accountID, deviceID string, data []byte) bool
}

// Accounts is the part of the credential store the router writes to.
type Accounts interface {
	GetAccount(ctx context.Context, clientID string) (*store.Account, error)
	UpsertAccount(ctx context.Context, acct *store.Account) (*store.Account, error)
	LogAuditEvent(ctx context.Context, event *store.AuditEvent) error
}

// IdentityProvider resolves authorization grants.
type IdentityProvider interface {
	ExchangeCode(ctx context.Context, code string) (*identity.Tokens, error)
	Profile(ctx context.Context, accessToken string) (*identity.Profile, error)
}

// Options configures the router's wait budgets.
type Options struct {
	DiscoveryWindow time.Duration
	ResponseTimeout time.Duration
}

// Router routes directives to devices and builds the protocol response.
type Router struct {
	hub      Hub
	corr     *correlator.Correlator
	accounts Accounts
	idp      IdentityProvider
	opts     Options
	logger   *slog.Logger

	newID func() string
	now   func() time.Time
}

// New creates a Router. corr must be the same correlator the hub delivers replies to.
func New(hub Hub, corr *correlator.Correlator, accounts Accounts, idp IdentityProvider, opts Options, logger *slog.Logger) *Router {
	return &Router{
		hub:      hub,
		corr:     corr,
		accounts: accounts,
		idp:      idp,
		opts:     opts,
		logger:   logger.With("component", "directive"),
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
	}
}

// Route handles one directive on behalf of accountID and returns the response body.
// accountID is the authenticated user from the ingress assertion; it may be empty
// only for authorization directives.
func (r *Router) Route(ctx context.Context, accountID string, req *protocol.DirectiveRequest) (json.RawMessage, error) {
	if req == nil || req.Directive.Header.Namespace == "" {
		return nil, fmt.Errorf("%w: missing namespace", ErrMalformedDirective)
	}
	header := req.Directive.Header

	if header.Namespace == protocol.NamespaceAuthorization {
		return r.authorize(ctx, req)
	}
	if accountID == "" {
		return nil, auth.ErrUnauthorized
	}

	r.logger.Debug("routing directive", "account_id", accountID,
		"namespace", header.Namespace, "name", header.Name, "message_id", header.MessageID)

	if header.Namespace == protocol.NamespaceDiscovery {
		return r.discover(ctx, accountID, req)
	}
	return r.forward(ctx, accountID, req)
}

func (r *Router) authorize(ctx context.Context, req *protocol.DirectiveRequest) (json.RawMessage, error) {
	var payload protocol.AuthorizationPayload
	if len(req.Directive.Payload) > 0 {
		if err := json.Unmarshal(req.Directive.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: decode grant: %v", ErrMalformedDirective, err)
		}
	}
	if payload.Grant.Code == "" {
		return nil, fmt.Errorf("%w: missing grant code", ErrMalformedDirective)
	}

	tokens, err := r.idp.ExchangeCode(ctx, payload.Grant.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	profile, err := r.idp.Profile(ctx, payload.Grantee.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	existing, err := r.accounts.GetAccount(ctx, profile.UserID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	acct := &store.Account{
		ClientID:          profile.UserID,
		OAuthAccessToken:  tokens.AccessToken,
		OAuthRefreshToken: tokens.RefreshToken,
		TokenExpires:      tokens.Expiry,
	}
	if existing == nil {
		if acct.AccessToken, err = auth.GenerateAccessToken(); err != nil {
			return nil, err
		}
	}
	if _, err := r.accounts.UpsertAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("upsert account: %w", err)
	}

	r.logger.Info("account linked", "account_id", profile.UserID, "created", existing == nil)
	if err := r.accounts.LogAuditEvent(ctx, &store.AuditEvent{
		Action:    store.ActionAccountLinked,
		AccountID: profile.UserID,
	}); err != nil {
		r.logger.Warn("audit log failed", "action", store.ActionAccountLinked, "error", err)
	}

	return respond(req.Directive.Header, protocol.NamespaceAuthorization, protocol.NameAcceptGrantResponse, json.RawMessage(`{}`))
}

func (r *Router) discover(ctx context.Context, accountID string, req *protocol.DirectiveRequest) (json.RawMessage, error) {
	id := r.newID()
	data, err := json.Marshal(req.Stamp(id, r.now()))
	if err != nil {
		return nil, fmt.Errorf("encode directive: %w", err)
	}

	col, err := r.corr.Collect(id)
	if err != nil {
		return nil, err
	}
	sent := r.hub.SendToAccount(accountID, data)

	replies, err := col.Wait(ctx, r.opts.DiscoveryWindow)
	if err != nil {
		return nil, err
	}
	endpoints := flattenEndpoints(replies)
	r.logger.Info("discovery complete", "account_id", accountID, "request_id", id,
		"devices", sent, "replies", len(replies), "endpoints", len(endpoints))

	body, err := json.Marshal(protocol.DiscoveryPayload{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("encode endpoints: %w", err)
	}
	return respond(req.Directive.Header, protocol.NamespaceDiscovery, protocol.NameDiscoverResponse, body)
}

func (r *Router) forward(ctx context.Context, accountID string, req *protocol.DirectiveRequest) (json.RawMessage, error) {
	ep := req.Directive.Endpoint
	if ep == nil || ep.EndpointID == "" {
		return nil, fmt.Errorf("%w: missing endpoint", ErrMalformedDirective)
	}

	id := r.newID()
	data, err := json.Marshal(req.Stamp(id, r.now()))
	if err != nil {
		return nil, fmt.Errorf("encode directive: %w", err)
	}

	w, err := r.corr.Expect(id)
	if err != nil {
		return nil, err
	}
	if !r.hub.SendToDevice(accountID, ep.EndpointID, data) {
		r.logger.Info("device not connected", "account_id", accountID, "device_id", ep.EndpointID, "request_id", id)
	}

	reply, err := w.Wait(ctx, r.opts.ResponseTimeout)
	if err != nil {
		if errors.Is(err, correlator.ErrTimeout) {
			r.logger.Warn("device response timed out", "account_id", accountID,
				"device_id", ep.EndpointID, "request_id", id, "name", req.Directive.Header.Name)
		}
		return nil, err
	}
	return reply, nil
}

// flattenEndpoints concatenates discovery replies. A device answering with an array
// contributes each element; null replies are skipped.
func flattenEndpoints(replies []json.RawMessage) []json.RawMessage {
	endpoints := make([]json.RawMessage, 0, len(replies))
	for _, reply := range replies {
		trimmed := bytes.TrimSpace(reply)
		if isNull(trimmed) {
			continue
		}
		if trimmed[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(trimmed, &items); err == nil {
				for _, item := range items {
					if !isNull(bytes.TrimSpace(item)) {
						endpoints = append(endpoints, item)
					}
				}
				continue
			}
		}
		endpoints = append(endpoints, trimmed)
	}
	return endpoints
}

func isNull(b []byte) bool {
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}

func respond(req protocol.Header, namespace, name string, payload json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(protocol.EventResponse{Event: protocol.Event{
		Header: protocol.Header{
			Namespace:      namespace,
			Name:           name,
			MessageID:      protocol.ResponseMessageID(req.MessageID),
			PayloadVersion: protocol.PayloadVersion,
		},
		Payload: payload,
	}})
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return body, nil
}
