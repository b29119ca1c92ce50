// Package statemachine drives a statically defined state graph to a
// terminal state, persisting one event per transition so the machine can be
// rebuilt from its log after a restart.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingswap/internal/reentrancy"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

var (
	// ErrAlreadyRunning is returned when another driver holds the machine's lease.
	ErrAlreadyRunning = errors.New("state machine already running")

	// ErrStorage wraps failures to persist an event or the finished mark.
	ErrStorage = errors.New("state machine storage failure")

	// ErrAlreadyFinished is wrapped by recreate errors for logs that end in
	// a terminal event. Kickstart marks such machines finished.
	ErrAlreadyFinished = errors.New("state machine already finished")
)

// State is one node of a state graph driven by machine M emitting events E.
type State[M any, E any] interface {
	// OnChangedState does the state's work and returns the next state. A
	// non-nil error is only returned when ctx is done.
	OnChangedState(ctx context.Context, m M) (State[M, E], error)

	// Event returns the event persisted when this state is entered. Initial
	// states report false.
	Event() (E, bool)

	Terminal() bool
	String() string
}

// Machine is the per-instance context handed to every state.
type Machine[E any] interface {
	ID() uuid.UUID

	// OnEvent runs after an event is durably stored.
	OnEvent(event E)

	// OnKickstartEvent replays a historical event before a resumed run.
	OnKickstartEvent(event E)
}

// Storage persists the event log.
type Storage[E any] interface {
	StoreEvent(ctx context.Context, id uuid.UUID, event E) error
	MarkFinished(ctx context.Context, id uuid.UUID) error
}

// Notification describes one persisted transition.
type Notification[E any] struct {
	ID            uuid.UUID
	PreviousState string
	NextState     string
	Event         E
}

// Observer is notified after every persisted transition.
type Observer[E any] interface {
	Notify(Notification[E])
}

// Config holds the lease settings.
type Config struct {
	LockTTL           time.Duration
	LockRenewInterval time.Duration
}

// Engine runs machines of type M.
type Engine[M Machine[E], E any] struct {
	storage Storage[E]
	locker  reentrancy.Locker
	cfg     Config
	log     *logging.Logger

	observerMu sync.Mutex
	observers  []Observer[E]
}

// New creates an engine.
func New[M Machine[E], E any](storage Storage[E], locker reentrancy.Locker, cfg Config) *Engine[M, E] {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.LockRenewInterval <= 0 || cfg.LockRenewInterval >= cfg.LockTTL {
		cfg.LockRenewInterval = cfg.LockTTL / 3
	}
	return &Engine[M, E]{
		storage: storage,
		locker:  locker,
		cfg:     cfg,
		log:     logging.GetDefault().Component("engine"),
	}
}

// RegisterObserver adds an observer.
func (e *Engine[M, E]) RegisterObserver(o Observer[E]) {
	e.observerMu.Lock()
	defer e.observerMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine[M, E]) notify(n Notification[E]) {
	e.observerMu.Lock()
	defer e.observerMu.Unlock()
	for _, o := range e.observers {
		o.Notify(n)
	}
}

func (e *Engine[M, E]) acquire(ctx context.Context, id uuid.UUID) (reentrancy.Lease, error) {
	lease, err := e.locker.Acquire(ctx, id.String(), e.cfg.LockTTL)
	if errors.Is(err, reentrancy.ErrAlreadyLocked) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease for %s: %w", id, err)
	}
	return lease, nil
}

// Run drives m from initial until a terminal state is reached. It returns
// ErrAlreadyRunning without touching m when the lease is held elsewhere,
// a wrapped ErrStorage when persistence fails, or ctx's error on
// cancellation. Persisted events are never rolled back.
func (e *Engine[M, E]) Run(ctx context.Context, m M, initial State[M, E]) (State[M, E], error) {
	lease, err := e.acquire(ctx, m.ID())
	if err != nil {
		return nil, err
	}
	return e.runLeased(ctx, lease, m, initial)
}

func (e *Engine[M, E]) runLeased(ctx context.Context, lease reentrancy.Lease, m M, initial State[M, E]) (State[M, E], error) {
	runCtx, cancel := context.WithCancel(ctx)

	var keepAlive sync.WaitGroup
	keepAlive.Add(1)
	go func() {
		defer keepAlive.Done()
		reentrancy.KeepAlive(runCtx, lease, e.cfg.LockRenewInterval, e.log)
	}()

	defer func() {
		cancel()
		keepAlive.Wait()
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.log.Warn("Failed to release lease", "swap", m.ID(), "error", err)
		}
	}()

	return e.drive(runCtx, m, initial)
}

func (e *Engine[M, E]) drive(ctx context.Context, m M, cur State[M, E]) (State[M, E], error) {
	id := m.ID()
	// Writes outlive cancellation so a completed side effect is always recorded.
	storeCtx := context.WithoutCancel(ctx)

	for {
		if cur.Terminal() {
			if err := e.storage.MarkFinished(storeCtx, id); err != nil {
				return cur, fmt.Errorf("%w: mark %s finished: %v", ErrStorage, id, err)
			}
			return cur, nil
		}

		next, err := cur.OnChangedState(ctx, m)
		if err != nil {
			return cur, err
		}

		if event, ok := next.Event(); ok {
			if err := e.storage.StoreEvent(storeCtx, id, event); err != nil {
				return cur, fmt.Errorf("%w: store %s event for %s: %v", ErrStorage, next, id, err)
			}
			m.OnEvent(event)
			e.notify(Notification[E]{
				ID:            id,
				PreviousState: cur.String(),
				NextState:     next.String(),
				Event:         event,
			})
		}
		cur = next
	}
}

// RecreateFunc rebuilds a machine, its current state and its historical
// events from storage.
type RecreateFunc[M Machine[E], E any] func(ctx context.Context, id uuid.UUID) (M, State[M, E], []E, error)

// Resumed tracks machines started by Kickstart.
type Resumed struct {
	Count int
	group *errgroup.Group
}

// Wait blocks until every resumed machine returns, and reports the first error.
func (r *Resumed) Wait() error {
	if r.group == nil {
		return nil
	}
	return r.group.Wait()
}

// Kickstart resumes every machine in ids. Machines that cannot be rebuilt
// are logged and skipped; those whose log already ended are marked
// finished. Each resumed machine replays its events through
// OnKickstartEvent and then runs in its own goroutine.
func (e *Engine[M, E]) Kickstart(ctx context.Context, ids []uuid.UUID, recreate RecreateFunc[M, E]) *Resumed {
	resumed := &Resumed{group: new(errgroup.Group)}

	for _, id := range ids {
		m, state, events, err := recreate(ctx, id)
		if err != nil {
			if errors.Is(err, ErrAlreadyFinished) {
				e.log.Info("Marking finished swap", "swap", id, "reason", err)
				if err := e.storage.MarkFinished(ctx, id); err != nil {
					e.log.Error("Failed to mark swap finished", "swap", id, "error", err)
				}
				continue
			}
			e.log.Error("Failed to recreate swap", "swap", id, "error", err)
			continue
		}

		lease, err := e.acquire(ctx, id)
		if err != nil {
			e.log.Warn("Skipping swap", "swap", id, "error", err)
			continue
		}

		for _, event := range events {
			m.OnKickstartEvent(event)
		}

		e.log.Info("Resuming swap", "swap", id, "state", state.String(), "events", len(events))
		resumed.Count++
		resumed.group.Go(func() error {
			final, err := e.runLeased(ctx, lease, m, state)
			if err != nil {
				return fmt.Errorf("swap %s: %w", id, err)
			}
			e.log.Info("Resumed swap finished", "swap", id, "state", final.String())
			return nil
		})
	}

	return resumed
}
