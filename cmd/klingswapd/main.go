// Package main provides klingswapd, the daemon that runs and resumes taker
// atomic swaps.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingswap/internal/bus"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// shutdownGrace bounds the wait for resumed swaps after cancellation.
const shutdownGrace = 30 * time.Second

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.klingswap", "Data directory")
		configFile     = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		testnet        = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("klingswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfg, err := loadConfig(*configFile, effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	applyFlags(cfg, flagOverrides{
		dataDir:        effectiveDataDir,
		explicitConfig: *configFile != "",
		testnet:        *testnet,
		logLevel:       *logLevel,
		bootstrapPeers: *bootstrapPeers,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	log, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		logging.GetDefault().Fatal("Failed to open log file", "error", err)
	}
	defer closeLog()
	logging.SetDefault(log)
	log.Info("Config loaded", "network", cfg.NetworkType, "data_dir", cfg.Storage.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.Open(&storage.Config{
		Driver:  cfg.Storage.Driver,
		DSN:     cfg.Storage.DSN,
		DataDir: dataPath,
	})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "driver", cfg.Storage.Driver, "path", dataPath)

	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize lock backend", "error", err)
	}
	defer closeLocker()
	log.Info("Lock backend initialized", "backend", cfg.Lock.Backend)

	transport, closeTransport, err := openTransport(ctx, cfg, store)
	if err != nil {
		log.Fatal("Failed to initialize message bus", "error", err)
	}
	defer closeTransport()
	router := bus.NewRouter(transport)
	defer router.Close()
	log.Info("Message bus initialized", "transport", cfg.Bus.Transport)

	coins, backends, err := openCoins(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize coins", "error", err)
	}
	defer backends.CloseAll()

	manager := swap.NewManager(swap.ManagerConfig{
		Store:   swap.NewStore(store),
		Router:  router,
		Locker:  locker,
		Coins:   coins,
		Network: cfg.NetworkType,
		Swap:    cfg.SwapConfig(),
		DexFee:  config.DefaultDexFeeConfig(),
		Status:  newStatusLogger(log),
	})

	resumed, err := manager.Kickstart(ctx)
	if err != nil {
		log.Fatal("Failed to resume swaps", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down...", "signal", sig.String())

	// Swaps stop at their next suspension point; their events stay on disk.
	cancel()
	waitResumed(log, resumed, shutdownGrace)

	log.Info("Goodbye!")
}
