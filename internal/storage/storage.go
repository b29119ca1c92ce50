// Package storage persists swap snapshots, their append-only event logs and
// known peers. SQL (sqlite3 or postgres) and bbolt backends implement the
// same EventStore contract.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

var (
	// ErrSwapNotFound is returned when no snapshot exists for an identifier.
	ErrSwapNotFound = errors.New("swap not found")

	// ErrSwapExists is returned when inserting a snapshot twice.
	ErrSwapExists = errors.New("swap already exists")

	// ErrUnknownDriver is returned by Open for an unsupported driver.
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// LegacySwapVersion is assumed for snapshots written before the version
// column existed.
const LegacySwapVersion = 1

// SwapRecord is the denormalized snapshot written once when a swap starts.
type SwapRecord struct {
	UUID      uuid.UUID `json:"uuid"`
	SwapType  string    `json:"swap_type"`
	MakerCoin string    `json:"maker_coin"`
	TakerCoin string    `json:"taker_coin"`
	StartedAt uint64    `json:"started_at"`

	Secret         []byte `json:"secret"`
	SecretHash     []byte `json:"secret_hash"`
	SecretHashAlgo uint8  `json:"secret_hash_algo"`

	MakerVolume  uint64 `json:"maker_volume"`
	TakerVolume  uint64 `json:"taker_volume"`
	TakerPremium uint64 `json:"taker_premium"`
	DexFee       uint64 `json:"dex_fee"`
	DexFeeBurn   uint64 `json:"dex_fee_burn"`
	LockDuration uint64 `json:"lock_duration"`

	MakerCoinConfs uint64 `json:"maker_coin_confs"`
	MakerCoinNota  bool   `json:"maker_coin_nota"`
	TakerCoinConfs uint64 `json:"taker_coin_confs"`
	TakerCoinNota  bool   `json:"taker_coin_nota"`

	// P2PPrivKey is empty when messages are sent unsigned.
	P2PPrivKey     []byte `json:"p2p_privkey,omitempty"`
	MakerP2PPubKey []byte `json:"maker_p2p_pubkey,omitempty"`

	SwapVersion uint8     `json:"swap_version"`
	IsFinished  bool      `json:"is_finished"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventRecord is one persisted event of a swap's log.
type EventRecord struct {
	Seq       uint64
	Type      string
	Data      []byte
	CreatedAt time.Time
}

// EventStore is the durable log every swap is rebuilt from.
type EventStore interface {
	InsertSwap(ctx context.Context, rec *SwapRecord) error
	AppendEvent(ctx context.Context, id uuid.UUID, eventType string, data []byte) error
	GetSwap(ctx context.Context, id uuid.UUID) (*SwapRecord, error)
	// GetEvents returns the log in append order.
	GetEvents(ctx context.Context, id uuid.UUID) ([]EventRecord, error)
	ListUnfinished(ctx context.Context, swapType string) ([]uuid.UUID, error)
	MarkFinished(ctx context.Context, id uuid.UUID) error
	Close() error
}

// PeerStore persists libp2p peers between restarts.
type PeerStore interface {
	SavePeer(peer *PeerRecord) error
	GetPeer(peerID string) (*PeerRecord, error)
	ListPeers(limit int) ([]*PeerRecord, error)
	ListRecentPeers(since time.Duration, limit int) ([]*PeerRecord, error)
	UpdatePeerConnected(peerID string) error
	UpdatePeerSeen(peerID string) error
	DeletePeer(peerID string) error
	PeerCount() (int, error)
}

// Store is implemented by every backend.
type Store interface {
	EventStore
	PeerStore
}

// Config selects and locates a backend.
type Config struct {
	Driver  string
	DSN     string
	DataDir string
}

// Open opens the configured backend. An empty driver means sqlite3.
func Open(cfg *Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return OpenSQLite(cfg.DataDir)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN)
	case DriverBolt:
		return OpenBolt(cfg.DataDir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func ensureDir(dataDir string) (string, error) {
	dataDir = expandPath(dataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
