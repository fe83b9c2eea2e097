package devicehub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink/voicelink/gateway/internal/store"
	"github.com/voicelink/voicelink/pkg/protocol"
)

type fakeVerifier struct {
	tokens map[string]string // client id -> access token
	err    error
}

func (f *fakeVerifier) VerifyAccount(_ context.Context, clientID, token string) (*store.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	acct := &store.Account{ClientID: clientID, AccessToken: f.tokens[clientID]}
	if f.tokens[clientID] == "" || !acct.TokenMatches(token) {
		return nil, nil
	}
	return acct, nil
}

type recordedReply struct {
	requestID string
	payload   json.RawMessage
}

type fakeReplies struct {
	mu      sync.Mutex
	replies []recordedReply
}

func (f *fakeReplies) Deliver(requestID string, payload json.RawMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, recordedReply{requestID, payload})
	return true
}

func (f *fakeReplies) all() []recordedReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedReply(nil), f.replies...)
}

type recordedEvent struct {
	accountID, token, deviceID string
	req                        *protocol.EventRequest
}

type fakeSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeSink) HandleDeviceEvent(_ context.Context, accountID, token, deviceID string, req *protocol.EventRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{accountID, token, deviceID, req})
}

func (f *fakeSink) all() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedEvent(nil), f.events...)
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeAudit) LogAuditEvent(_ context.Context, e *store.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, e.Action+":"+e.DeviceID)
	return nil
}

func (f *fakeAudit) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

type testEnv struct {
	hub      *Hub
	srv      *httptest.Server
	verifier *fakeVerifier
	replies  *fakeReplies
	sink     *fakeSink
	audit    *fakeAudit
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		verifier: &fakeVerifier{tokens: map[string]string{"acct-1": "tok-1", "acct-2": "tok-2"}},
		replies:  &fakeReplies{},
		sink:     &fakeSink{},
		audit:    &fakeAudit{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.hub = New(NewGatekeeper(env.verifier), env.replies, env.sink, env.audit, opts, logger)
	env.srv = httptest.NewServer(http.HandlerFunc(env.hub.HandleWS))
	t.Cleanup(func() {
		env.hub.Close()
		env.srv.Close()
	})
	return env
}

func (e *testEnv) wsURL(clientID, token, deviceID string) string {
	q := url.Values{}
	if clientID != "" {
		q.Set("client_id", clientID)
	}
	if token != "" {
		q.Set("client_token", token)
	}
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?" + q.Encode()
}

func (e *testEnv) dial(t *testing.T, clientID, token, deviceID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(clientID, token, deviceID), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestHandshakeRejections(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name                      string
		clientID, token, deviceID string
		want                      int
	}{
		{"missing client id", "", "tok-1", "lamp", http.StatusUnauthorized},
		{"missing token", "acct-1", "", "lamp", http.StatusUnauthorized},
		{"missing device id", "acct-1", "tok-1", "", http.StatusUnauthorized},
		{"wrong token", "acct-1", "tok-2", "lamp", http.StatusUnauthorized},
		{"unknown account", "acct-9", "tok-1", "lamp", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(tt.clientID, tt.token, tt.deviceID), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.want, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			assert.Empty(t, body)
		})
	}
	assert.Equal(t, 0, env.hub.Count())
}

func TestHandshakeStoreErrorIsRetryable(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.verifier.err = errors.New("database is locked")

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("acct-1", "tok-1", "lamp"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSendToDeviceAndAccount(t *testing.T) {
	env := newTestEnv(t, Options{})

	lamp := env.dial(t, "acct-1", "tok-1", "lamp")
	fan := env.dial(t, "acct-1", "tok-1", "fan")
	other := env.dial(t, "acct-2", "tok-2", "lamp")
	require.Eventually(t, func() bool { return env.hub.Count() == 3 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"fan", "lamp"}, env.hub.Devices("acct-1"))
	assert.Equal(t, []string{"lamp"}, env.hub.Devices("acct-2"))
	assert.Empty(t, env.hub.Devices("acct-3"))

	assert.True(t, env.hub.SendToDevice("acct-1", "lamp", []byte(`{"to":"lamp"}`)))
	assert.Equal(t, `{"to":"lamp"}`, readText(t, lamp))

	assert.False(t, env.hub.SendToDevice("acct-1", "toaster", []byte(`{}`)))

	assert.Equal(t, 2, env.hub.SendToAccount("acct-1", []byte(`{"to":"all"}`)))
	assert.Equal(t, `{"to":"all"}`, readText(t, lamp))
	assert.Equal(t, `{"to":"all"}`, readText(t, fan))

	assert.Equal(t, 0, env.hub.SendToAccount("acct-3", []byte(`{}`)))

	assert.True(t, env.hub.SendToDevice("acct-2", "lamp", []byte(`{"to":"other"}`)))
	assert.Equal(t, `{"to":"other"}`, readText(t, other))
}

func TestPerConnectionOrdering(t *testing.T) {
	env := newTestEnv(t, Options{SendBuffer: 256})
	lamp := env.dial(t, "acct-1", "tok-1", "lamp")
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	for i := range 100 {
		require.True(t, env.hub.SendToDevice("acct-1", "lamp", []byte{'0' + byte(i%10)}))
	}
	for i := range 100 {
		assert.Equal(t, string([]byte{'0' + byte(i%10)}), readText(t, lamp))
	}
}

func TestInboundReplyAndEvent(t *testing.T) {
	env := newTestEnv(t, Options{})
	lamp := env.dial(t, "acct-1", "tok-1", "lamp")

	require.NoError(t, lamp.WriteMessage(websocket.TextMessage, []byte(`{"requestId":"req-1","response":{"event":{}}}`)))
	require.NoError(t, lamp.WriteMessage(websocket.TextMessage, []byte(`{"request":{"context":{"properties":[]},"event":{"header":{"namespace":"Alexa","name":"ChangeReport"},"payload":{}}}}`)))
	require.NoError(t, lamp.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, lamp.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`)))

	require.Eventually(t, func() bool {
		return len(env.replies.all()) == 1 && len(env.sink.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	reply := env.replies.all()[0]
	assert.Equal(t, "req-1", reply.requestID)
	assert.JSONEq(t, `{"event":{}}`, string(reply.payload))

	ev := env.sink.all()[0]
	assert.Equal(t, "acct-1", ev.accountID)
	assert.Equal(t, "tok-1", ev.token)
	assert.Equal(t, "lamp", ev.deviceID)
	assert.Equal(t, "ChangeReport", ev.req.Event.Header.Name)

	// The malformed frames did not kill the connection.
	assert.True(t, env.hub.SendToDevice("acct-1", "lamp", []byte(`{}`)))
	assert.Equal(t, `{}`, readText(t, lamp))
}

func TestReconnectReplacesPreviousConnection(t *testing.T) {
	env := newTestEnv(t, Options{})

	first := env.dial(t, "acct-1", "tok-1", "lamp")
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := env.dial(t, "acct-1", "tok-1", "lamp")

	// The first connection is closed by the server.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	// Its teardown must not remove the replacement.
	require.Eventually(t, func() bool {
		return len(env.audit.all()) >= 3 // connect, connect, disconnect
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"lamp"}, env.hub.Devices("acct-1"))
	assert.Equal(t, 1, env.hub.Count())

	assert.True(t, env.hub.SendToDevice("acct-1", "lamp", []byte(`{"to":"second"}`)))
	assert.Equal(t, `{"to":"second"}`, readText(t, second))
}

func TestDisconnectRemovesRegistrations(t *testing.T) {
	env := newTestEnv(t, Options{})

	lamp := env.dial(t, "acct-1", "tok-1", "lamp")
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	_ = lamp.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = lamp.Close()

	require.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, env.hub.Devices("acct-1"))
	assert.False(t, env.hub.SendToDevice("acct-1", "lamp", []byte(`{}`)))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"device.connect:lamp", "device.disconnect:lamp"}, env.audit.all())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSilentDeviceIsClosed(t *testing.T) {
	env := newTestEnv(t, Options{PingInterval: 20 * time.Millisecond, PongWait: 100 * time.Millisecond})

	// The client never reads, so it never answers pings.
	_ = env.dial(t, "acct-1", "tok-1", "lamp")
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRespondingDeviceStaysConnected(t *testing.T) {
	env := newTestEnv(t, Options{PingInterval: 20 * time.Millisecond, PongWait: 100 * time.Millisecond})

	lamp := env.dial(t, "acct-1", "tok-1", "lamp")
	// Reading lets the client answer pings with pongs.
	go func() {
		for {
			if _, _, err := lamp.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, env.hub.Count())
}

func TestCloseClosesAllConnections(t *testing.T) {
	env := newTestEnv(t, Options{})

	lamp := env.dial(t, "acct-1", "tok-1", "lamp")
	fan := env.dial(t, "acct-2", "tok-2", "fan")
	require.Eventually(t, func() bool { return env.hub.Count() == 2 }, 2*time.Second, 5*time.Millisecond)

	env.hub.Close()

	for _, c := range []*websocket.Conn{lamp, fan} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.ReadMessage()
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	}
	require.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func eventFrame(messageID string) []byte {
	return []byte(`{"request":{"event":{"header":{"namespace":"Alexa","name":"ChangeReport","messageId":"` + messageID + `"},"payload":{}}}}`)
}

func TestEventsRelayedInArrivalOrder(t *testing.T) {
	env := newTestEnv(t, Options{SendBuffer: 256})
	lamp := env.dial(t, "acct-1", "tok-1", "lamp")

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, lamp.WriteMessage(websocket.TextMessage, eventFrame(fmt.Sprintf("%04d", i))))
	}
	require.Eventually(t, func() bool { return len(env.sink.all()) == n }, 5*time.Second, 5*time.Millisecond)

	for i, ev := range env.sink.all() {
		assert.Equal(t, fmt.Sprintf("%04d", i), ev.req.Event.Header.MessageID)
	}
}

func TestCloseWhileDeviceStreamsEvents(t *testing.T) {
	env := newTestEnv(t, Options{})
	lamp := env.dial(t, "acct-1", "tok-1", "lamp")
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; ; i++ {
			if err := lamp.WriteMessage(websocket.TextMessage, eventFrame(fmt.Sprintf("%d", i))); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return len(env.sink.all()) > 10 }, 2*time.Second, time.Millisecond)

	env.hub.Close()

	// Teardown, audit included, has finished by the time Close returns.
	assert.Contains(t, env.audit.all(), store.ActionDeviceDisconnect+":lamp")
	relayed := len(env.sink.all())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, relayed, len(env.sink.all()), "no event relayed after Close returned")
	assert.Equal(t, 0, env.hub.Count())

	_ = lamp.Close()
	<-writerDone
}

func TestConnectAfterCloseIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.hub.Close()

	late := env.dial(t, "acct-1", "tok-1", "lamp")
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := late.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, 0, env.hub.Count())
	assert.NotContains(t, env.audit.all(), store.ActionDeviceConnect+":lamp")
}

func TestKeysAreDisjoint(t *testing.T) {
	assert.NotEqual(t, accountKey("a"), deviceKey("a", ""))
	assert.NotEqual(t, deviceKey("a", "b"), deviceKey("a", "c"))
	assert.Len(t, accountKey("a"), 64)
}
