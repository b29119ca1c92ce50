// Package backend provides the block explorer clients the UTXO adapters use
// to read chain state and broadcast transactions. No private keys are
// handled here; all signing happens in the coin adapters.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingswap/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrNotFound           = errors.New("not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"` // satoshis
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction is the explorer view of a transaction.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string   `json:"txid"`
	Vout     uint32   `json:"vout"`
	Witness  []string `json:"witness,omitempty"`
	Sequence uint32   `json:"sequence"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// Outspend reports whether an output is spent and by which input.
type Outspend struct {
	Spent       bool   `json:"spent"`
	TxID        string `json:"txid,omitempty"`
	Vin         uint32 `json:"vin,omitempty"`
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

// BlockHeader contains the block fields locktime checks need.
type BlockHeader struct {
	Hash       string `json:"hash"`
	Height     int64  `json:"height"`
	Timestamp  int64  `json:"timestamp"`
	MedianTime int64  `json:"mediantime"`
}

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour
	EconomyFee  uint64 `json:"economy_fee"`   // sat/vB for low priority
	MinimumFee  uint64 `json:"minimum_fee"`   // sat/vB minimum relay fee
}

// Backend defines the interface for blockchain data providers.
type Backend interface {
	// Type returns the backend type (mempool, esplora)
	Type() Type

	// Connect checks the explorer is reachable.
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	// GetOutspend reports the spender of output vout of txID.
	GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	// GetTip returns the header of the best block.
	GetTip(ctx context.Context) (*BlockHeader, error)

	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`

	// Timeout is the per-request timeout in seconds, default 30.
	Timeout int `yaml:"timeout,omitempty"`
}

// URL returns the endpoint for network.
func (c *Config) URL(network chain.Network) string {
	if network == chain.Testnet {
		return c.TestnetURL
	}
	return c.MainnetURL
}

// DefaultConfigs returns default backend configurations for all supported chains.
func DefaultConfigs() map[string]*Config {
	return map[string]*Config{
		"BTC": {
			Type:       TypeMempool,
			MainnetURL: "https://mempool.space/api",
			TestnetURL: "https://mempool.space/testnet4/api",
		},
		"LTC": {
			Type:       TypeMempool,
			MainnetURL: "https://litecoinspace.org/api",
			TestnetURL: "https://litecoinspace.org/testnet/api",
		},
	}
}

// New creates the backend cfg describes.
func New(cfg *Config, network chain.Network) (Backend, error) {
	url := cfg.URL(network)
	if url == "" {
		return nil, fmt.Errorf("no %s url configured", network)
	}
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	switch cfg.Type {
	case TypeMempool, "":
		return NewMempoolBackend(url, WithTimeout(timeout)), nil
	case TypeEsplora:
		return NewEsploraBackend(url, WithTimeout(timeout)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// Registry holds backend instances by chain symbol.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// NewDefaultRegistry creates a registry with default backends for the given network.
func NewDefaultRegistry(network chain.Network) *Registry {
	r := NewRegistry()
	for symbol, cfg := range DefaultConfigs() {
		b, err := New(cfg, network)
		if err != nil {
			continue
		}
		r.Register(symbol, b)
	}
	return r
}

// Register adds a backend to the registry.
func (r *Registry) Register(symbol string, backend Backend) {
	r.backends[symbol] = backend
}

// Get returns a backend by symbol.
func (r *Registry) Get(symbol string) (Backend, bool) {
	b, ok := r.backends[symbol]
	return b, ok
}

// List returns all registered symbols, sorted.
func (r *Registry) List() []string {
	symbols := make([]string, 0, len(r.backends))
	for s := range r.backends {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// ConnectAll connects all registered backends.
func (r *Registry) ConnectAll(ctx context.Context) error {
	for symbol, b := range r.backends {
		if err := b.Connect(ctx); err != nil {
			return fmt.Errorf("%s: %w", symbol, err)
		}
	}
	return nil
}

// CloseAll closes all registered backends.
func (r *Registry) CloseAll() {
	for _, b := range r.backends {
		b.Close()
	}
}
