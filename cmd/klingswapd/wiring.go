package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/klingswap/internal/backend"
	"github.com/Klingon-tech/klingswap/internal/bus"
	"github.com/Klingon-tech/klingswap/internal/chain"
	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/internal/coin/utxo"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/internal/node"
	"github.com/Klingon-tech/klingswap/internal/reentrancy"
	"github.com/Klingon-tech/klingswap/internal/statemachine"
	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/internal/wallet"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// redisLockPrefix namespaces lease keys in a shared redis.
const redisLockPrefix = "klingswap:lock:"

func loadConfig(configFile, dataDir string) (*config.Daemon, error) {
	if configFile != "" {
		return config.LoadDaemonFile(configFile)
	}
	return config.LoadDaemon(dataDir)
}

type flagOverrides struct {
	dataDir        string
	explicitConfig bool
	testnet        bool
	logLevel       string
	bootstrapPeers string
}

// applyFlags lets command line flags take precedence over the config file.
func applyFlags(cfg *config.Daemon, f flagOverrides) {
	if !f.explicitConfig || cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = f.dataDir
	}
	if f.testnet {
		cfg.NetworkType = config.Testnet
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if peers := parseBootstrapPeers(f.bootstrapPeers); len(peers) > 0 {
		cfg.Network.BootstrapPeers = peers
	}
}

func parseBootstrapPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// newLogger builds the configured logger. The returned func closes the log
// file, if any.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		path := config.ExpandPath(cfg.File)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}
	return logging.New(&logging.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		TimeFormat: time.TimeOnly,
		Output:     out,
	}), closeFn, nil
}

func openLocker(ctx context.Context, cfg *config.Daemon) (reentrancy.Locker, func(), error) {
	switch cfg.Lock.Backend {
	case config.LockRedis:
		l, err := reentrancy.NewRedisLocker(ctx, cfg.Lock.RedisAddr, redisLockPrefix)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		return reentrancy.NewMemoryLocker(), func() {}, nil
	}
}

// openTransport starts the libp2p node or connects to NATS.
func openTransport(ctx context.Context, cfg *config.Daemon, peers storage.PeerStore) (bus.Transport, func(), error) {
	log := logging.GetDefault()

	if cfg.Bus.Transport == config.BusNATS {
		t, err := bus.NewNATSTransport(cfg.Bus.NATSURL)
		if err != nil {
			return nil, nil, err
		}
		return t, func() { _ = t.Close() }, nil
	}

	n, err := node.New(ctx, cfg, peers)
	if err != nil {
		return nil, nil, err
	}
	if err := n.Start(); err != nil {
		_ = n.Stop()
		return nil, nil, err
	}
	for _, addr := range n.Addrs() {
		log.Info("Listening", "addr", fmt.Sprintf("%s/p2p/%s", addr, n.ID()))
	}
	return n.Transport(), func() {
		if err := n.Stop(); err != nil {
			log.Error("Error stopping node", "error", err)
		}
	}, nil
}

// openCoins derives one wallet key per supported chain and wires it to the
// chain's explorer.
func openCoins(ctx context.Context, cfg *config.Daemon) ([]coin.Coin, *backend.Registry, error) {
	log := logging.GetDefault().Component("wallet")
	network := chain.Network(cfg.NetworkType)

	seedPath := cfg.DataPath(cfg.Wallet.MnemonicFile)
	var password string
	if cfg.Wallet.PasswordEnv != "" {
		password = os.Getenv(cfg.Wallet.PasswordEnv)
	}
	mnemonic, created, err := wallet.LoadOrCreateMnemonic(seedPath, password)
	if err != nil {
		return nil, nil, err
	}
	if created {
		log.Warn("Generated a new wallet seed, back it up", "path", seedPath)
	}
	w, err := wallet.NewFromMnemonic(mnemonic, "", network)
	if err != nil {
		return nil, nil, err
	}

	swapCfg := cfg.SwapConfig()
	dexFee := config.DefaultDexFeeConfig()
	registry := backend.NewRegistry()
	var coins []coin.Coin

	for _, symbol := range chain.List() {
		params, ok := chain.Get(symbol, network)
		if !ok {
			continue
		}
		bcfg := cfg.BackendConfig(symbol)
		if bcfg == nil {
			log.Warn("No explorer configured, coin disabled", "coin", symbol)
			continue
		}
		be, err := backend.New(bcfg, network)
		if err != nil {
			return nil, nil, fmt.Errorf("%s backend: %w", symbol, err)
		}
		key, err := w.DerivePrivateKey(symbol, cfg.Wallet.Account, 0, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("%s key: %w", symbol, err)
		}
		c, err := utxo.New(utxo.Config{
			Params:       params,
			Backend:      be,
			Key:          key,
			DexFee:       dexFee,
			PollInterval: swapCfg.ConfirmationPollInterval,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", symbol, err)
		}
		registry.Register(symbol, be)
		coins = append(coins, c)
		log.Info("Coin enabled", "coin", symbol, "address", c.MyAddress(), "backend", be.Type())
	}

	// Explorers may come up later; adapters retry on every call.
	if err := registry.ConnectAll(ctx); err != nil {
		log.Warn("Explorer unreachable", "error", err)
	}
	return coins, registry, nil
}

// statusLogger reports swap progress in the daemon log.
type statusLogger struct {
	log *logging.Logger
}

func newStatusLogger(log *logging.Logger) statusLogger {
	return statusLogger{log: log.Component("status")}
}

func (s statusLogger) SwapStatusChanged(id uuid.UUID, ev swap.Event) {
	s.log.Info("Swap status", "swap", id, "event", ev.Type())
}

func waitResumed(log *logging.Logger, resumed *statemachine.Resumed, grace time.Duration) {
	done := make(chan error, 1)
	go func() { done <- resumed.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			log.Debug("Resumed swaps stopped", "error", err)
		}
	case <-time.After(grace):
		log.Warn("Resumed swaps did not stop in time", "grace", grace)
	}
}
