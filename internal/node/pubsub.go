package node

import (
	"context"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingswap/internal/bus"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// PubSubTransport carries swap topics over GossipSub. Our own publications
// are not delivered back.
type PubSubTransport struct {
	ps   *pubsub.PubSub
	self peer.ID
	ctx  context.Context
	log  *logging.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ bus.Transport = (*PubSubTransport)(nil)

// NewPubSubTransport wraps ps. Subscriptions end when ctx is done.
func NewPubSubTransport(ctx context.Context, ps *pubsub.PubSub, self peer.ID) *PubSubTransport {
	return &PubSubTransport{
		ps:     ps,
		self:   self,
		ctx:    ctx,
		log:    logging.GetDefault().Component("pubsub"),
		topics: make(map[string]*pubsub.Topic),
	}
}

// join returns the topic handle, joining it on first use. GossipSub allows
// one handle per topic.
func (t *PubSubTransport) join(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if topic, ok := t.topics[name]; ok {
		return topic, nil
	}
	topic, err := t.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	t.topics[name] = topic
	return topic, nil
}

// Publish implements bus.Transport.
func (t *PubSubTransport) Publish(ctx context.Context, name string, data []byte) error {
	topic, err := t.join(name)
	if err != nil {
		return err
	}
	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe implements bus.Transport.
func (t *PubSubTransport) Subscribe(name string, deliver func([]byte)) (func(), error) {
	topic, err := t.join(name)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	go t.readLoop(ctx, sub, deliver)

	return func() {
		cancel()
		sub.Cancel()
	}, nil
}

func (t *PubSubTransport) readLoop(ctx context.Context, sub *pubsub.Subscription, deliver func([]byte)) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn("Subscription ended", "topic", sub.Topic(), "error", err)
			}
			return
		}
		if msg.ReceivedFrom == t.self {
			continue
		}
		deliver(msg.Data)
	}
}

// Close releases every joined topic. Topics with live subscriptions stay
// open until those are cancelled.
func (t *PubSubTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, topic := range t.topics {
		if err := topic.Close(); err != nil {
			t.log.Debug("Topic close failed", "topic", name, "error", err)
		}
		delete(t.topics, name)
	}
}
