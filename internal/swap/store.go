package swap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Klingon-tech/klingswap/internal/statemachine"
	"github.com/Klingon-tech/klingswap/internal/storage"
)

// Store is the taker swap view of the event store.
type Store struct {
	events storage.EventStore
}

var _ statemachine.Storage[Event] = (*Store)(nil)

// NewStore wraps an event store.
func NewStore(events storage.EventStore) *Store {
	return &Store{events: events}
}

// InsertSnapshot persists the snapshot of a new swap.
func (s *Store) InsertSnapshot(ctx context.Context, snap *SwapSnapshot) error {
	return s.events.InsertSwap(ctx, snap.Record())
}

// StoreEvent appends ev to the swap's log.
func (s *Store) StoreEvent(ctx context.Context, id uuid.UUID, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return s.events.AppendEvent(ctx, id, string(ev.Type()), data)
}

// MarkFinished flags the swap so kickstart skips it.
func (s *Store) MarkFinished(ctx context.Context, id uuid.UUID) error {
	return s.events.MarkFinished(ctx, id)
}

// Snapshot reads a swap's snapshot.
func (s *Store) Snapshot(ctx context.Context, id uuid.UUID) (*SwapSnapshot, error) {
	rec, err := s.events.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.SwapType != TakerSwapType {
		return nil, fmt.Errorf("swap %s is a %s swap", id, rec.SwapType)
	}
	return SnapshotFromRecord(rec), nil
}

// Events reads and decodes a swap's log.
func (s *Store) Events(ctx context.Context, id uuid.UUID) ([]Event, error) {
	records, err := s.events.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(records))
	for _, r := range records {
		ev, err := DecodeEventData(EventType(r.Type), r.Data)
		if err != nil {
			return nil, fmt.Errorf("event %d of %s: %w", r.Seq, id, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Unfinished lists taker swaps whose log has not been marked finished.
func (s *Store) Unfinished(ctx context.Context) ([]uuid.UUID, error) {
	return s.events.ListUnfinished(ctx, TakerSwapType)
}
