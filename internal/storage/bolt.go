package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	boltFileName = "klingswap.bolt"

	// swapsBucketKey holds one sub-bucket per swap.
	//
	// maps: uuid -> swapBucket
	swapsBucketKey = []byte("swaps")

	// unfinishedBucketKey indexes swaps not yet marked finished.
	//
	// maps: swap_type || uuid -> nil
	unfinishedBucketKey = []byte("unfinished")

	// peersBucketKey maps peer id -> json PeerRecord.
	peersBucketKey = []byte("peers")

	// snapshotKey stores the json SwapRecord inside a swap bucket.
	snapshotKey = []byte("snapshot")

	// eventsBucketKey is a sub-bucket of the swap bucket. This list only
	// ever grows.
	//
	// maps: seq -> created_at || len(type) || type || data
	eventsBucketKey = []byte("events")

	byteOrder = binary.BigEndian
)

// BoltStore implements Store on an embedded bbolt database.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)
var _ Store = (*SQLStore)(nil)

// OpenBolt opens (creating if needed) klingswap.bolt in dataDir.
func OpenBolt(dataDir string) (*BoltStore, error) {
	dataDir, err := ensureDir(dataDir)
	if err != nil {
		return nil, err
	}

	bdb, err := bbolt.Open(filepath.Join(dataDir, boltFileName), 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, key := range [][]byte{swapsBucketKey, unfinishedBucketKey, peersBucketKey} {
			if _, err := tx.CreateBucketIfNotExists(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &BoltStore{db: bdb}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func unfinishedKey(swapType string, id uuid.UUID) []byte {
	key := make([]byte, 0, len(swapType)+1+len(id))
	key = append(key, swapType...)
	key = append(key, 0)
	return append(key, id[:]...)
}

// InsertSwap writes the snapshot of a new swap.
func (s *BoltStore) InsertSwap(ctx context.Context, rec *SwapRecord) error {
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.SwapVersion == 0 {
		stored.SwapVersion = LegacySwapVersion
	}
	value, err := json.Marshal(&stored)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(swapsBucketKey)
		if root.Bucket(rec.UUID[:]) != nil {
			return fmt.Errorf("%w: %s", ErrSwapExists, rec.UUID)
		}
		sb, err := root.CreateBucket(rec.UUID[:])
		if err != nil {
			return err
		}
		if _, err := sb.CreateBucket(eventsBucketKey); err != nil {
			return err
		}
		if err := sb.Put(snapshotKey, value); err != nil {
			return err
		}
		if stored.IsFinished {
			return nil
		}
		return tx.Bucket(unfinishedBucketKey).Put(unfinishedKey(rec.SwapType, rec.UUID), []byte{})
	})
}

func swapBucket(tx *bbolt.Tx, id uuid.UUID) (*bbolt.Bucket, error) {
	b := tx.Bucket(swapsBucketKey).Bucket(id[:])
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	return b, nil
}

// AppendEvent appends one event at the end of the swap's log.
func (s *BoltStore) AppendEvent(ctx context.Context, id uuid.UUID, eventType string, data []byte) error {
	if len(eventType) > 255 {
		return fmt.Errorf("event type %q too long", eventType)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := swapBucket(tx, id)
		if err != nil {
			return err
		}
		events := b.Bucket(eventsBucketKey)
		if events == nil {
			return errors.New("events bucket not found")
		}

		// Each event gets a monotonically increasing sequence number.
		seq, err := events.NextSequence()
		if err != nil {
			return err
		}

		var value bytes.Buffer
		_ = binary.Write(&value, byteOrder, time.Now().Unix())
		value.WriteByte(byte(len(eventType)))
		value.WriteString(eventType)
		value.Write(data)

		return events.Put(itob(seq), value.Bytes())
	})
}

// GetSwap reads a snapshot.
func (s *BoltStore) GetSwap(ctx context.Context, id uuid.UUID) (*SwapRecord, error) {
	var rec SwapRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := swapBucket(tx, id)
		if err != nil {
			return err
		}
		raw := b.Get(snapshotKey)
		if raw == nil {
			return errors.New("snapshot not found")
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	if rec.SwapVersion == 0 {
		rec.SwapVersion = LegacySwapVersion
	}
	return &rec, nil
}

// GetEvents returns the swap's log ordered by sequence.
func (s *BoltStore) GetEvents(ctx context.Context, id uuid.UUID) ([]EventRecord, error) {
	var events []EventRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := swapBucket(tx, id)
		if err != nil {
			return err
		}
		bucket := b.Bucket(eventsBucketKey)
		if bucket == nil {
			return errors.New("events bucket not found")
		}
		// Keys are big-endian so ForEach walks in append order.
		return bucket.ForEach(func(k, v []byte) error {
			ev, err := decodeBoltEvent(k, v)
			if err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	return events, err
}

func decodeBoltEvent(k, v []byte) (EventRecord, error) {
	if len(k) != 8 || len(v) < 9 {
		return EventRecord{}, fmt.Errorf("corrupt event %x", k)
	}
	typeLen := int(v[8])
	if len(v) < 9+typeLen {
		return EventRecord{}, fmt.Errorf("corrupt event %x", k)
	}
	return EventRecord{
		Seq:       byteOrder.Uint64(k),
		CreatedAt: time.Unix(int64(byteOrder.Uint64(v[:8])), 0),
		Type:      string(v[9 : 9+typeLen]),
		Data:      append([]byte(nil), v[9+typeLen:]...),
	}, nil
}

// ListUnfinished returns swaps of swapType not yet marked finished, oldest first.
func (s *BoltStore) ListUnfinished(ctx context.Context, swapType string) ([]uuid.UUID, error) {
	type entry struct {
		id        uuid.UUID
		startedAt uint64
	}
	var found []entry

	prefix := append([]byte(swapType), 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		swaps := tx.Bucket(swapsBucketKey)
		c := tx.Bucket(unfinishedBucketKey).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id, err := uuid.FromBytes(k[len(prefix):])
			if err != nil {
				return fmt.Errorf("corrupt unfinished key %x: %w", k, err)
			}
			var rec SwapRecord
			if b := swaps.Bucket(id[:]); b != nil {
				if err := json.Unmarshal(b.Get(snapshotKey), &rec); err != nil {
					return err
				}
			}
			found = append(found, entry{id: id, startedAt: rec.StartedAt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].startedAt < found[j].startedAt })
	ids := make([]uuid.UUID, len(found))
	for i, e := range found {
		ids[i] = e.id
	}
	return ids, nil
}

// MarkFinished flags a swap so kickstart skips it.
func (s *BoltStore) MarkFinished(ctx context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := swapBucket(tx, id)
		if err != nil {
			return err
		}
		var rec SwapRecord
		if err := json.Unmarshal(b.Get(snapshotKey), &rec); err != nil {
			return err
		}
		if rec.IsFinished {
			return nil
		}
		rec.IsFinished = true
		value, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := b.Put(snapshotKey, value); err != nil {
			return err
		}
		return tx.Bucket(unfinishedBucketKey).Delete(unfinishedKey(rec.SwapType, id))
	})
}

// SavePeer saves or updates a peer record.
func (s *BoltStore) SavePeer(peer *PeerRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(peersBucketKey)
		rec := *peer
		if raw := b.Get([]byte(peer.PeerID)); raw != nil {
			var old PeerRecord
			if err := json.Unmarshal(raw, &old); err == nil {
				rec.FirstSeen = old.FirstSeen
				rec.ConnectionCount = old.ConnectionCount + 1
				rec.IsBootstrap = rec.IsBootstrap || old.IsBootstrap
				if rec.LastConnected.IsZero() {
					rec.LastConnected = old.LastConnected
				}
			}
		}
		return putPeer(b, &rec)
	})
}

func putPeer(b *bbolt.Bucket, peer *PeerRecord) error {
	value, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	return b.Put([]byte(peer.PeerID), value)
}

// GetPeer retrieves a peer record by ID. It returns nil when unknown.
func (s *BoltStore) GetPeer(peerID string) (*PeerRecord, error) {
	var peer *PeerRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(peersBucketKey).Get([]byte(peerID))
		if raw == nil {
			return nil
		}
		peer = new(PeerRecord)
		return json.Unmarshal(raw, peer)
	})
	return peer, err
}

func (s *BoltStore) allPeers() ([]*PeerRecord, error) {
	var peers []*PeerRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(peersBucketKey).ForEach(func(k, v []byte) error {
			var peer PeerRecord
			if err := json.Unmarshal(v, &peer); err != nil {
				return err
			}
			peers = append(peers, &peer)
			return nil
		})
	})
	return peers, err
}

// ListPeers returns peers ordered by last seen (most recent first).
func (s *BoltStore) ListPeers(limit int) ([]*PeerRecord, error) {
	peers, err := s.allPeers()
	if err != nil {
		return nil, err
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].LastSeen.After(peers[j].LastSeen) })
	return limitPeers(peers, limit), nil
}

// ListRecentPeers returns peers seen within the given duration.
func (s *BoltStore) ListRecentPeers(since time.Duration, limit int) ([]*PeerRecord, error) {
	peers, err := s.allPeers()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-since)
	recent := peers[:0]
	for _, p := range peers {
		if p.LastSeen.After(cutoff) {
			recent = append(recent, p)
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		if recent[i].ConnectionCount != recent[j].ConnectionCount {
			return recent[i].ConnectionCount > recent[j].ConnectionCount
		}
		return recent[i].LastSeen.After(recent[j].LastSeen)
	})
	return limitPeers(recent, limit), nil
}

func limitPeers(peers []*PeerRecord, limit int) []*PeerRecord {
	if limit > 0 && len(peers) > limit {
		return peers[:limit]
	}
	return peers
}

func (s *BoltStore) updatePeer(peerID string, fn func(*PeerRecord)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(peersBucketKey)
		raw := b.Get([]byte(peerID))
		if raw == nil {
			return nil
		}
		var peer PeerRecord
		if err := json.Unmarshal(raw, &peer); err != nil {
			return err
		}
		fn(&peer)
		return putPeer(b, &peer)
	})
}

// UpdatePeerConnected updates the last_connected time and increments connection count.
func (s *BoltStore) UpdatePeerConnected(peerID string) error {
	now := time.Now()
	return s.updatePeer(peerID, func(p *PeerRecord) {
		p.LastConnected = now
		p.LastSeen = now
		p.ConnectionCount++
	})
}

// UpdatePeerSeen updates the last_seen time.
func (s *BoltStore) UpdatePeerSeen(peerID string) error {
	return s.updatePeer(peerID, func(p *PeerRecord) { p.LastSeen = time.Now() })
}

// DeletePeer removes a peer from the database.
func (s *BoltStore) DeletePeer(peerID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(peersBucketKey).Delete([]byte(peerID))
	})
}

// PeerCount returns the total number of known peers.
func (s *BoltStore) PeerCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(peersBucketKey).Stats().KeyN
		return nil
	})
	return n, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	byteOrder.PutUint64(b, v)
	return b
}
