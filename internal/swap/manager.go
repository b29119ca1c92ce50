package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/Klingon-tech/klingswap/internal/bus"
	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/internal/reentrancy"
	"github.com/Klingon-tech/klingswap/internal/statemachine"
	"github.com/Klingon-tech/klingswap/pkg/helpers"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// SecretSize is the length of a generated swap secret.
const SecretSize = 32

var (
	ErrUnknownCoin     = errors.New("coin not enabled")
	ErrSameCoin        = errors.New("maker and taker coin must differ")
	ErrInvalidVolume   = errors.New("volumes must be positive")
	ErrInvalidHashAlgo = errors.New("invalid secret hash algorithm")

	// ErrSwapAlreadyStarted is returned by Run for a swap with persisted
	// events. Such swaps are resumed with Recreate or Kickstart.
	ErrSwapAlreadyStarted = errors.New("swap already started")
)

// Engine is the state machine engine specialized to taker swaps.
type Engine = statemachine.Engine[*TakerSwapStateMachine, Event]

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store   *Store
	Router  *bus.Router
	Locker  reentrancy.Locker
	Coins   []coin.Coin
	Network config.NetworkType
	Swap    config.SwapConfig
	DexFee  config.DexFeeConfig
	Status  StatusListener
}

// Manager creates, runs and resumes taker swaps.
type Manager struct {
	env     *Env
	engine  *Engine
	coins   map[string]coin.Coin
	network config.NetworkType
	log     *logging.Logger
}

// NewManager creates a manager. The locked amount registry is owned by the
// manager and shared by all its swaps.
func NewManager(cfg ManagerConfig) *Manager {
	coins := make(map[string]coin.Coin, len(cfg.Coins))
	for _, c := range cfg.Coins {
		coins[c.Ticker()] = c
	}
	network := cfg.Network
	if network == "" {
		network = config.Mainnet
	}

	engine := statemachine.New[*TakerSwapStateMachine, Event](cfg.Store, cfg.Locker, statemachine.Config{
		LockTTL:           cfg.Swap.LockTTL,
		LockRenewInterval: cfg.Swap.LockRenewInterval,
	})

	return &Manager{
		env: &Env{
			Store:         cfg.Store,
			Router:        cfg.Router,
			LockedAmounts: NewLockedAmounts(),
			Config:        cfg.Swap,
			DexFee:        cfg.DexFee,
			Status:        cfg.Status,
		},
		engine:  engine,
		coins:   coins,
		network: network,
		log:     logging.GetDefault().Component("swap-manager"),
	}
}

// Coin returns the adapter for ticker.
func (mgr *Manager) Coin(ticker string) (coin.Coin, error) {
	c, ok := mgr.coins[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCoin, ticker)
	}
	return c, nil
}

// LockedAmounts returns the shared reservation registry.
func (mgr *Manager) LockedAmounts() *LockedAmounts { return mgr.env.LockedAmounts }

// RegisterObserver adds an engine observer.
func (mgr *Manager) RegisterObserver(o statemachine.Observer[Event]) {
	mgr.engine.RegisterObserver(o)
}

// StartParams describes a new taker swap.
type StartParams struct {
	// UUID identifies the swap. A zero value generates one.
	UUID uuid.UUID

	MakerCoin    string
	TakerCoin    string
	MakerVolume  uint64
	TakerVolume  uint64
	TakerPremium uint64

	// SecretHashAlgo defaults to SHA256.
	SecretHashAlgo coin.SecretHashAlgo

	// SignMessages generates a per-swap keypair for message signing.
	SignMessages bool

	// MakerP2PPubKey, when known, is the only key accepted on maker messages.
	MakerP2PPubKey []byte
}

// Start creates and persists a new taker swap. The returned machine is run
// with Run.
func (mgr *Manager) Start(ctx context.Context, p StartParams) (*TakerSwapStateMachine, error) {
	if p.MakerCoin == p.TakerCoin {
		return nil, ErrSameCoin
	}
	if p.MakerVolume == 0 || p.TakerVolume == 0 {
		return nil, ErrInvalidVolume
	}
	makerCoin, err := mgr.Coin(p.MakerCoin)
	if err != nil {
		return nil, err
	}
	takerCoin, err := mgr.Coin(p.TakerCoin)
	if err != nil {
		return nil, err
	}

	algo := p.SecretHashAlgo
	if algo == 0 {
		algo = coin.SHA256
	}
	if !algo.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHashAlgo, algo)
	}

	id := p.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}
	secret, err := helpers.GenerateSecureRandom(SecretSize)
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	var p2pKey []byte
	if p.SignMessages {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate p2p key: %w", err)
		}
		p2pKey = key.Serialize()
	}

	var takerPub []byte
	if k, ok := takerCoin.(coin.IdentityKeyer); ok {
		takerPub = k.MyPubKey()
	}

	snap := &SwapSnapshot{
		UUID:           id,
		MakerCoin:      p.MakerCoin,
		TakerCoin:      p.TakerCoin,
		StartedAt:      uint64(time.Now().Unix()),
		Secret:         secret,
		SecretHashAlgo: algo,
		MakerVolume:    p.MakerVolume,
		TakerVolume:    p.TakerVolume,
		TakerPremium:   p.TakerPremium,
		DexFee:         ComputeDexFee(mgr.env.DexFee, p.MakerCoin, p.TakerCoin, p.TakerVolume, takerPub),
		LockDuration:   uint64(mgr.env.Config.LockDuration / time.Second),
		MakerCoinConfs: config.RequiredConfirmations(p.MakerCoin, mgr.network),
		TakerCoinConfs: config.RequiredConfirmations(p.TakerCoin, mgr.network),
		P2PPrivKey:     p2pKey,
		MakerP2PPubKey: helpers.CloneBytes(p.MakerP2PPubKey),
		SwapVersion:    CurrentSwapVersion,
	}

	m, err := NewTakerSwapStateMachine(snap, makerCoin, takerCoin, mgr.env)
	if err != nil {
		return nil, err
	}
	if err := mgr.env.Store.InsertSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist swap %s: %w", id, err)
	}

	mgr.log.Info("Taker swap created",
		"swap", id,
		"maker_coin", p.MakerCoin,
		"taker_coin", p.TakerCoin,
		"taker_volume", p.TakerVolume,
		"dex_fee", snap.DexFee.Total(),
	)
	return m, nil
}

// Run drives a freshly started swap to a terminal state. It fails with
// ErrSwapAlreadyStarted once the swap has events.
func (mgr *Manager) Run(ctx context.Context, m *TakerSwapStateMachine) (State, error) {
	return mgr.engine.Run(ctx, m, &Initialize{})
}

// Recreate rebuilds a persisted swap.
func (mgr *Manager) Recreate(ctx context.Context, id uuid.UUID) (*TakerSwapStateMachine, State, []Event, error) {
	return RecreateTakerSwap(ctx, id, mgr.env, mgr.Coin)
}

// Kickstart resumes every unfinished taker swap.
func (mgr *Manager) Kickstart(ctx context.Context) (*statemachine.Resumed, error) {
	ids, err := mgr.env.Store.Unfinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unfinished swaps: %w", err)
	}
	resumed := mgr.engine.Kickstart(ctx, ids, mgr.Recreate)
	mgr.log.Info("Kickstarted swaps", "unfinished", len(ids), "resumed", resumed.Count)
	return resumed, nil
}
