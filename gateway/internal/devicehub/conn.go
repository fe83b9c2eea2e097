package devicehub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelink/voicelink/pkg/protocol"
)

// Conn is a live device connection. All writes go through the send queue, which a
// single writer goroutine drains.
type Conn struct {
	ws          *websocket.Conn
	accountID   string
	accessToken string
	deviceID    string
	connectedAt time.Time

	send      chan []byte
	events    chan *protocol.EventRequest // written and closed by the reader only
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

func newConn(ws *websocket.Conn, accountID, accessToken, deviceID string, buffer int) *Conn {
	return &Conn{
		ws:          ws,
		accountID:   accountID,
		accessToken: accessToken,
		deviceID:    deviceID,
		connectedAt: time.Now(),
		send:        make(chan []byte, buffer),
		events:      make(chan *protocol.EventRequest, buffer),
		done:        make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
	}
}

// AccountID returns the account the device authenticated as.
func (c *Conn) AccountID() string { return c.accountID }

// DeviceID returns the device identifier from the handshake.
func (c *Conn) DeviceID() string { return c.deviceID }

// enqueue queues a frame without blocking. It returns false when the connection is
// closed or its queue is full.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeWith stops the writer, which sends a close frame and closes the socket.
func (c *Conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// Close closes the connection normally.
func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

// writePump drains the send queue and sends pings until the connection closes.
func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := writePing(c.ws); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeText), time.Now().Add(writeWait))
			return
		}
	}
}
