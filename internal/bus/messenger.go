package bus

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// Messenger exchanges the messages of one swap.
type Messenger struct {
	router *Router
	swapID uuid.UUID
	topic  string
	key    *btcec.PrivateKey
	peer   []byte
	log    *logging.Logger
}

// NewMessenger binds a router to a swap. Outbound messages are signed with
// key when it is set; inbound messages must be signed by peer when it is set.
func NewMessenger(router *Router, swapID uuid.UUID, key *btcec.PrivateKey, peer []byte) *Messenger {
	return &Messenger{
		router: router,
		swapID: swapID,
		topic:  Topic(swapID),
		key:    key,
		peer:   peer,
		log:    logging.GetDefault().Component("bus").WithSwap(swapID),
	}
}

// Topic returns the swap's topic.
func (m *Messenger) Topic() string { return m.topic }

// Send publishes msg once.
func (m *Messenger) Send(ctx context.Context, msg Message) error {
	data, err := Encode(m.swapID, msg, m.key)
	if err != nil {
		return err
	}
	if err := m.router.Publish(ctx, m.topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind(), err)
	}
	return nil
}

// Broadcast publishes msg now and then every interval until ctx is done.
// Publish failures are logged and retried on the next tick.
func (m *Messenger) Broadcast(ctx context.Context, msg Message, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if err := m.Send(ctx, msg); err != nil && ctx.Err() == nil {
			m.log.Warn("Broadcast failed", "kind", msg.Kind(), "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Messenger) accepts(kind Kind, r *Received) bool {
	if r.Envelope.Kind != kind || !bytes.Equal(r.Envelope.SwapUUID, m.swapID[:]) {
		return false
	}
	if len(m.peer) > 0 && !bytes.Equal(r.Signer, m.peer) {
		m.log.Debug("Ignoring message from unexpected signer", "kind", kind)
		return false
	}
	return true
}

// Await returns the next message of kind for this swap from the expected
// peer, or ErrTimeout at deadline.
func (m *Messenger) Await(ctx context.Context, kind Kind, deadline time.Time) (Message, error) {
	r, err := m.router.SubscribeOnce(ctx, m.topic, func(r *Received) bool { return m.accepts(kind, r) }, deadline)
	if err != nil {
		return nil, err
	}
	return r.Message()
}

// Close leaves the swap topic.
func (m *Messenger) Close() {
	m.router.Leave(m.topic)
}
