package devicehub

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds every frame write, pings included.
	writeWait = 10 * time.Second

	defaultPingInterval = 10 * time.Second
	defaultPongWait     = 30 * time.Second
)

// armKeepalive sets the initial read deadline and extends it on every pong. The
// writer goroutine sends the pings; a peer that stays silent for pongWait fails its
// next read and is torn down.
func armKeepalive(conn *websocket.Conn, pongWait time.Duration) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func writePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
