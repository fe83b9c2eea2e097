// Package client is the device side of the gateway connection. A device dials the
// gateway websocket, answers the directives it receives and may raise unsolicited
// events such as change reports.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelink/voicelink/pkg/protocol"
)

// ErrNotConnected is returned when sending while no connection is up.
var ErrNotConnected = errors.New("not connected")

const defaultReconnectInterval = 5 * time.Second

// Config describes how a device reaches the gateway.
type Config struct {
	URL               string // ws:// or wss:// URL of the gateway's /ws endpoint
	ClientID          string
	ClientToken       string
	DeviceID          string
	ReconnectInterval time.Duration
	TLSSkipVerify     bool
}

// HandlerFunc answers a directive. A nil result sends no reply.
type HandlerFunc func(ctx context.Context, req protocol.DirectiveRequest) (any, error)

// Handlers routes directives by namespace. Discovery receives Alexa.Discovery
// directives, Directive receives everything else.
type Handlers struct {
	Discovery HandlerFunc
	Directive HandlerFunc
}

// Client manages the websocket connection from a device to the gateway.
type Client struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a device client.
func New(cfg Config, handlers Handlers, logger *slog.Logger) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With("component", "device-client", "device_id", cfg.DeviceID),
	}
}

// Connect keeps a connection to the gateway open, reconnecting after a fixed
// interval, until ctx is canceled.
func (c *Client) Connect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connectOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("connection failed", "error", err)
		}

		c.logger.Info("reconnecting", "delay", c.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// DialURL returns the websocket URL with the handshake query parameters.
func (c *Client) DialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("client_token", c.cfg.ClientToken)
	q.Set("device_id", c.cfg.DeviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	target, err := c.DialURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if c.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = conn.Close()
	})

	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.logger.Info("connected to gateway", "url", c.cfg.URL)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var req protocol.DirectiveRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			c.logger.Warn("invalid message from gateway", "error", err)
			continue
		}
		if req.RequestID == "" {
			continue
		}
		c.dispatch(ctx, req)
	}
}

func (c *Client) dispatch(ctx context.Context, req protocol.DirectiveRequest) {
	h := c.handlers.Directive
	if req.Directive.Header.Namespace == protocol.NamespaceDiscovery {
		h = c.handlers.Discovery
	}
	if h == nil {
		return
	}

	result, err := h(ctx, req)
	if err != nil {
		c.logger.Warn("handler error", "namespace", req.Directive.Header.Namespace,
			"name", req.Directive.Header.Name, "error", err)
		return
	}
	if result == nil {
		return
	}
	if err := c.Respond(req.RequestID, result); err != nil {
		c.logger.Warn("send response failed", "request_id", req.RequestID, "error", err)
	}
}

// Respond replies to the directive identified by requestID.
func (c *Client) Respond(requestID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return c.send(protocol.DeviceMessage{RequestID: requestID, Response: data})
}

// SendEvent raises an unsolicited event. The gateway fills in the endpoint and the
// upstream bearer token.
func (c *Client) SendEvent(stateContext json.RawMessage, event protocol.Event) error {
	return c.send(protocol.DeviceMessage{Request: &protocol.EventRequest{Context: stateContext, Event: &event}})
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) send(msg protocol.DeviceMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the current connection. Connect will redial unless its context is
// canceled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
