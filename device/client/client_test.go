package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink/voicelink/pkg/protocol"
)

// fakeGateway accepts device sockets and exposes the frames they send.
type fakeGateway struct {
	t        *testing.T
	upgrader websocket.Upgrader
	accepted atomic.Int32

	mu     sync.Mutex
	query  url.Values
	conns  chan *websocket.Conn
	frames chan protocol.DeviceMessage
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	g := &fakeGateway{
		t:      t,
		conns:  make(chan *websocket.Conn, 4),
		frames: make(chan protocol.DeviceMessage, 16),
	}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.query = r.URL.Query()
	g.mu.Unlock()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.accepted.Add(1)
	g.conns <- ws

	for {
		var msg protocol.DeviceMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		g.frames <- msg
	}
}

func (g *fakeGateway) nextConn() *websocket.Conn {
	g.t.Helper()
	select {
	case ws := <-g.conns:
		g.t.Cleanup(func() { _ = ws.Close() })
		return ws
	case <-time.After(2 * time.Second):
		g.t.Fatal("device did not connect")
		return nil
	}
}

func (g *fakeGateway) nextFrame() protocol.DeviceMessage {
	g.t.Helper()
	select {
	case msg := <-g.frames:
		return msg
	case <-time.After(2 * time.Second):
		g.t.Fatal("no frame from device")
		return protocol.DeviceMessage{}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func startClient(t *testing.T, srv *httptest.Server, handlers Handlers) *Client {
	t.Helper()
	c := New(Config{
		URL:               wsURL(srv),
		ClientID:          "amzn1.account.A",
		ClientToken:       "secret token",
		DeviceID:          "lamp",
		ReconnectInterval: 50 * time.Millisecond,
	}, handlers, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Connect(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func directiveFrame(t *testing.T, requestID, namespace, name string) []byte {
	t.Helper()
	data, err := json.Marshal(protocol.DirectiveRequest{
		Directive: protocol.Directive{Header: protocol.Header{Namespace: namespace, Name: name, MessageID: "m-1"}},
		RequestID: requestID,
	})
	require.NoError(t, err)
	return data
}

func TestDialURL(t *testing.T) {
	c := New(Config{
		URL:         "wss://gateway.example.com/ws",
		ClientID:    "amzn1.account.A",
		ClientToken: "a&b",
		DeviceID:    "lamp 1",
	}, Handlers{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := c.DialURL()
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "gateway.example.com", u.Host)
	assert.Equal(t, "amzn1.account.A", u.Query().Get("client_id"))
	assert.Equal(t, "a&b", u.Query().Get("client_token"))
	assert.Equal(t, "lamp 1", u.Query().Get("device_id"))
}

func TestHandshakeParameters(t *testing.T) {
	g, srv := newFakeGateway(t)
	startClient(t, srv, Handlers{})
	g.nextConn()

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, "amzn1.account.A", g.query.Get("client_id"))
	assert.Equal(t, "secret token", g.query.Get("client_token"))
	assert.Equal(t, "lamp", g.query.Get("device_id"))
}

func TestDispatchByNamespace(t *testing.T) {
	g, srv := newFakeGateway(t)
	startClient(t, srv, Handlers{
		Discovery: func(_ context.Context, req protocol.DirectiveRequest) (any, error) {
			return map[string]string{"endpointId": "lamp"}, nil
		},
		Directive: func(_ context.Context, req protocol.DirectiveRequest) (any, error) {
			return map[string]string{"handled": req.Directive.Header.Name}, nil
		},
	})
	ws := g.nextConn()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, directiveFrame(t, "r-1", protocol.NamespaceDiscovery, "Discover")))
	msg := g.nextFrame()
	assert.Equal(t, "r-1", msg.RequestID)
	assert.JSONEq(t, `{"endpointId":"lamp"}`, string(msg.Response))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, directiveFrame(t, "r-2", "Alexa.PowerController", "TurnOn")))
	msg = g.nextFrame()
	assert.Equal(t, "r-2", msg.RequestID)
	assert.JSONEq(t, `{"handled":"TurnOn"}`, string(msg.Response))
}

func TestSilentAndFailingHandlers(t *testing.T) {
	g, srv := newFakeGateway(t)
	startClient(t, srv, Handlers{
		Directive: func(_ context.Context, req protocol.DirectiveRequest) (any, error) {
			switch req.Directive.Header.Name {
			case "Ignore":
				return nil, nil
			case "Fail":
				return nil, errors.New("unsupported")
			default:
				return map[string]bool{"ok": true}, nil
			}
		},
	})
	ws := g.nextConn()

	for _, name := range []string{"Ignore", "Fail", "TurnOn"} {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, directiveFrame(t, "r-"+name, "Alexa.PowerController", name)))
	}
	// Invalid frames and frames without a request id are skipped.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	msg := g.nextFrame()
	assert.Equal(t, "r-TurnOn", msg.RequestID)
}

func TestSendEvent(t *testing.T) {
	g, srv := newFakeGateway(t)
	c := startClient(t, srv, Handlers{})
	g.nextConn()
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	err := c.SendEvent(json.RawMessage(`{"properties":[]}`), protocol.Event{
		Header:  protocol.Header{Namespace: protocol.NamespaceAlexa, Name: protocol.NameChangeReport, PayloadVersion: protocol.PayloadVersion},
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	msg := g.nextFrame()
	assert.True(t, msg.IsEvent())
	assert.False(t, msg.IsReply())
	assert.Equal(t, protocol.NameChangeReport, msg.Request.Event.Header.Name)
}

func TestSendWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws"}, Handlers{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Respond("r-1", map[string]bool{"ok": true}), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestReconnectsAfterDrop(t *testing.T) {
	g, srv := newFakeGateway(t)
	startClient(t, srv, Handlers{})

	first := g.nextConn()
	_ = first.Close()

	g.nextConn()
	assert.GreaterOrEqual(t, g.accepted.Load(), int32(2))
}
