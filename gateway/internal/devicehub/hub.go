// Package devicehub accepts device websocket connections and owns the set of live
// connections, keyed by account and by (account, device).
package devicehub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelink/voicelink/gateway/internal/store"
	"github.com/voicelink/voicelink/pkg/protocol"
)

// Replies receives correlated device replies.
type Replies interface {
	Deliver(requestID string, payload json.RawMessage) bool
}

// EventSink receives unsolicited device events.
type EventSink interface {
	HandleDeviceEvent(ctx context.Context, accountID, accessToken, deviceID string, req *protocol.EventRequest)
}

// AuditLogger records connection lifecycle events.
type AuditLogger interface {
	LogAuditEvent(ctx context.Context, event *store.AuditEvent) error
}

// Options tunes device connections.
type Options struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	AllowedOrigins  []string
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // devices are not browsers
			}
			return originSet[origin]
		},
	}
}

// Hub manages device connections.
type Hub struct {
	gatekeeper *Gatekeeper
	replies    Replies
	events     EventSink
	audit      AuditLogger
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	opts       Options

	// ctx outlives individual connections so queued event relays finish after a
	// device disconnects; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	// conns counts served connections until their teardown (relay drain and
	// disconnect audit included) is done. Add happens under mu while !closed.
	conns sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	accounts map[string]map[*Conn]struct{} // accountKey -> connections
	devices  map[string]*Conn              // deviceKey -> connection
}

// New creates a Hub. events and audit may be nil.
func New(gk *Gatekeeper, replies Replies, events EventSink, audit AuditLogger, opts Options, logger *slog.Logger) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		gatekeeper: gk,
		replies:    replies,
		events:     events,
		audit:      audit,
		logger:     logger.With("component", "devicehub"),
		upgrader:   makeUpgrader(opts.AllowedOrigins),
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		accounts:   make(map[string]map[*Conn]struct{}),
		devices:    make(map[string]*Conn),
	}
}

func accountKey(accountID string) string {
	sum := sha256.Sum256([]byte("account:" + accountID))
	return hex.EncodeToString(sum[:])
}

func deviceKey(accountID, deviceID string) string {
	sum := sha256.Sum256([]byte("device:" + accountID + ":" + deviceID))
	return hex.EncodeToString(sum[:])
}

// HandleWS authenticates a device and serves its connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	acct, creds, err := h.gatekeeper.Admit(r.Context(), r.URL.Query())
	switch {
	case errors.Is(err, ErrMissingCredentials), errors.Is(err, ErrInvalidCredentials):
		h.logger.Info("device rejected", "client_id", creds.ClientID, "device_id", creds.DeviceID, "reason", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	case err != nil:
		h.logger.Error("device admission failed", "client_id", creds.ClientID, "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("device websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws, acct.ClientID, creds.ClientToken, creds.DeviceID, h.opts.SendBuffer)
	if !h.accept(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	defer h.conns.Done()

	relayed := make(chan struct{})
	go c.writePump(h.opts.PingInterval)
	go h.relayPump(c, relayed)
	h.readPump(c, relayed)
}

// accept registers c and reports false once the hub is closed. A previous
// connection for the same device is closed and replaced.
func (h *Hub) accept(c *Conn) bool {
	ak := accountKey(c.accountID)
	dk := deviceKey(c.accountID, c.deviceID)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.conns.Add(1)
	replaced := h.devices[dk]
	if replaced != nil {
		h.removeLocked(replaced)
	}
	h.devices[dk] = c
	set, ok := h.accounts[ak]
	if !ok {
		set = make(map[*Conn]struct{})
		h.accounts[ak] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	if replaced != nil {
		h.logger.Info("device reconnected, closing previous connection", "account", c.accountID, "device", c.deviceID)
		replaced.closeWith(websocket.CloseNormalClosure, "replaced by a newer connection")
	}

	h.logger.Info("device connected", "account", c.accountID, "device", c.deviceID)
	h.logAudit(store.ActionDeviceConnect, c, nil)
	return true
}

// remove deregisters c. Registrations that belong to a newer connection are left
// alone.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *Conn) {
	dk := deviceKey(c.accountID, c.deviceID)
	if h.devices[dk] == c {
		delete(h.devices, dk)
	}
	ak := accountKey(c.accountID)
	if set, ok := h.accounts[ak]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.accounts, ak)
		}
	}
}

func (h *Hub) readPump(c *Conn, relayed <-chan struct{}) {
	defer func() {
		h.remove(c)
		c.Close()
		close(c.events)
		<-relayed
		h.logger.Info("device disconnected", "account", c.accountID, "device", c.deviceID,
			"connected_for", time.Since(c.connectedAt).Round(time.Second))
		h.logAudit(store.ActionDeviceDisconnect, c, nil)
	}()

	c.ws.SetReadLimit(h.opts.MaxMessageBytes)
	armKeepalive(c.ws, h.opts.PongWait)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("device read error", "account", c.accountID, "device", c.deviceID, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		h.handleMessage(c, data)
	}
}

func (h *Hub) handleMessage(c *Conn, data []byte) {
	var msg protocol.DeviceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("invalid device message", "account", c.accountID, "device", c.deviceID, "error", err)
		return
	}

	switch {
	case msg.IsReply():
		if !h.replies.Deliver(msg.RequestID, msg.Response) {
			h.logger.Debug("dropping uncorrelated reply", "device", c.deviceID, "request_id", msg.RequestID)
		}
	case msg.IsEvent():
		if h.events == nil {
			return
		}
		select {
		case c.events <- msg.Request:
		default:
			h.logger.Warn("device event queue full, dropping event", "account", c.accountID, "device", c.deviceID)
		}
	default:
		h.logger.Debug("ignoring device message", "account", c.accountID, "device", c.deviceID)
	}
}

// relayPump hands a connection's events to the sink one at a time, in arrival
// order, off the reader goroutine. Events still queued after Close are dropped.
func (h *Hub) relayPump(c *Conn, done chan<- struct{}) {
	defer close(done)
	for req := range c.events {
		if h.ctx.Err() != nil {
			continue
		}
		h.events.HandleDeviceEvent(h.ctx, c.accountID, c.accessToken, c.deviceID, req)
	}
}

// SendToAccount queues data for every live connection of the account and returns the
// number of connections it was queued for.
func (h *Hub) SendToAccount(accountID string, data []byte) int {
	h.mu.RLock()
	set := h.accounts[accountKey(accountID)]
	targets := make([]*Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(data) {
			sent++
		} else {
			h.logger.Warn("device send queue full, dropping message", "account", accountID, "device", c.deviceID)
		}
	}
	return sent
}

// SendToDevice queues data for one device. It reports whether the device was
// connected and accepted the message.
func (h *Hub) SendToDevice(accountID, deviceID string, data []byte) bool {
	h.mu.RLock()
	c := h.devices[deviceKey(accountID, deviceID)]
	h.mu.RUnlock()

	if c == nil {
		return false
	}
	if !c.enqueue(data) {
		h.logger.Warn("device send queue full, dropping message", "account", accountID, "device", deviceID)
		return false
	}
	return true
}

// Devices lists the connected device ids of an account.
func (h *Hub) Devices(accountID string) []string {
	h.mu.RLock()
	set := h.accounts[accountKey(accountID)]
	ids := make([]string, 0, len(set))
	for c := range set {
		ids = append(ids, c.deviceID)
	}
	h.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// Close rejects new devices, closes every connection and waits until each one is
// torn down. In-flight relays are canceled.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.devices))
	for _, c := range h.devices {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	h.cancel()
	h.conns.Wait()
}

func (h *Hub) logAudit(action string, c *Conn, detail json.RawMessage) {
	if h.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.audit.LogAuditEvent(ctx, &store.AuditEvent{
		Action:    action,
		AccountID: c.accountID,
		DeviceID:  c.deviceID,
		Detail:    detail,
	}); err != nil {
		h.logger.Warn("audit log failed", "action", action, "error", err)
	}
}
