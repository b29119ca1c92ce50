package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// Transport moves raw messages for one process. Implementations must not
// deliver a process's own publications back to it.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, deliver func(data []byte)) (unsubscribe func(), err error)
}

// DefaultBufferSize is the number of messages kept per topic.
const DefaultBufferSize = 64

type waiter struct {
	match func(*Received) bool
	ch    chan *Received
}

type topicState struct {
	buf     []*Received
	waiters map[*waiter]struct{}
	unsub   func()
}

// Router keeps a short history per topic so a reply that arrives before
// its waiter registers is not lost. It subscribes to a topic the first time
// the topic is published to or awaited.
type Router struct {
	transport Transport
	bufSize   int
	log       *logging.Logger

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

// NewRouter creates a router over transport.
func NewRouter(transport Transport) *Router {
	return &Router{
		transport: transport,
		bufSize:   DefaultBufferSize,
		log:       logging.GetDefault().Component("bus"),
		topics:    make(map[string]*topicState),
	}
}

func (r *Router) join(topic string) (*topicState, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if ts, ok := r.topics[topic]; ok {
		r.mu.Unlock()
		return ts, nil
	}
	ts := &topicState{waiters: make(map[*waiter]struct{})}
	r.topics[topic] = ts
	r.mu.Unlock()

	unsub, err := r.transport.Subscribe(topic, func(data []byte) { r.deliver(topic, data) })
	if err != nil {
		r.mu.Lock()
		delete(r.topics, topic)
		r.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	r.mu.Lock()
	ts.unsub = unsub
	r.mu.Unlock()
	return ts, nil
}

func (r *Router) deliver(topic string, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		r.log.Debug("Dropping undecodable message", "topic", topic, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.topics[topic]
	if !ok {
		return
	}
	ts.buf = append(ts.buf, msg)
	if len(ts.buf) > r.bufSize {
		ts.buf = ts.buf[len(ts.buf)-r.bufSize:]
	}
	for w := range ts.waiters {
		if w.match(msg) {
			delete(ts.waiters, w)
			w.ch <- msg
		}
	}
}

// Publish sends data on topic.
func (r *Router) Publish(ctx context.Context, topic string, data []byte) error {
	if _, err := r.join(topic); err != nil {
		return err
	}
	return r.transport.Publish(ctx, topic, data)
}

// SubscribeOnce returns the newest buffered or next arriving message on
// topic accepted by match. It fails with ErrTimeout at deadline.
func (r *Router) SubscribeOnce(ctx context.Context, topic string, match func(*Received) bool, deadline time.Time) (*Received, error) {
	ts, err := r.join(topic)
	if err != nil {
		return nil, err
	}

	w := &waiter{match: match, ch: make(chan *Received, 1)}

	r.mu.Lock()
	for i := len(ts.buf) - 1; i >= 0; i-- {
		if match(ts.buf[i]) {
			msg := ts.buf[i]
			r.mu.Unlock()
			return msg, nil
		}
	}
	ts.waiters[w] = struct{}{}
	r.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer.C:
		err = ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.mu.Lock()
	delete(ts.waiters, w)
	r.mu.Unlock()

	// A delivery may have raced the timeout.
	select {
	case msg := <-w.ch:
		return msg, nil
	default:
		return nil, err
	}
}

// Leave unsubscribes from topic and drops its history.
func (r *Router) Leave(topic string) {
	r.mu.Lock()
	ts, ok := r.topics[topic]
	delete(r.topics, topic)
	r.mu.Unlock()

	if ok && ts.unsub != nil {
		ts.unsub()
	}
}

// Close leaves every topic.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	topics := r.topics
	r.topics = make(map[string]*topicState)
	r.mu.Unlock()

	for _, ts := range topics {
		if ts.unsub != nil {
			ts.unsub()
		}
	}
}
