// Package mirror publishes a copy of every relayed device event to NATS so other
// services can observe device state without polling the upstream platform.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Header names carried on mirrored messages.
const (
	HeaderAccountID = "Account-Id"
	HeaderDeviceID  = "Device-Id"
)

// NATS publishes relayed events on a single subject.
type NATS struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// Connect dials the NATS server at url.
func Connect(url, subject string, logger *slog.Logger, opts ...nats.Option) (*NATS, error) {
	logger = logger.With("component", "mirror")
	opts = append([]nats.Option{
		nats.Name("directive-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("event mirror connected", "url", nc.ConnectedUrl(), "subject", subject)
	return &NATS{nc: nc, subject: subject, logger: logger}, nil
}

// Publish sends body with the account and device ids as headers.
func (m *NATS) Publish(ctx context.Context, accountID, deviceID string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.nc.PublishMsg(newMsg(m.subject, accountID, deviceID, body)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (m *NATS) Close() error {
	return m.nc.Drain()
}

func newMsg(subject, accountID, deviceID string, body []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(HeaderAccountID, accountID)
	msg.Header.Set(HeaderDeviceID, deviceID)
	msg.Data = body
	return msg
}
