package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// NATSTransport carries swap topics over NATS subjects.
type NATSTransport struct {
	nc  *nats.Conn
	log *logging.Logger
}

// NewNATSTransport connects to url. The connection never echoes our own
// publications back.
func NewNATSTransport(url string) (*NATSTransport, error) {
	log := logging.GetDefault().Component("nats")

	nc, err := nats.Connect(url,
		nats.Name("klingswapd"),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSTransport{nc: nc, log: log}, nil
}

// Subject maps a topic to a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// Publish implements Transport.
func (t *NATSTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.nc.Publish(Subject(topic), data)
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(topic string, deliver func([]byte)) (func(), error) {
	sub, err := t.nc.Subscribe(Subject(topic), func(m *nats.Msg) {
		deliver(m.Data)
	})
	if err != nil {
		return nil, err
	}
	// Make sure the server knows about the subscription before we publish.
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			t.log.Debug("Unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}, nil
}

// Close drains and closes the connection.
func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}
