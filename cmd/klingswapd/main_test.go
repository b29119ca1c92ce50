package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingswap/internal/backend"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/internal/reentrancy"
)

var backendConfig = backend.Config{
	Type:       backend.TypeMempool,
	MainnetURL: "http://127.0.0.1:1/api",
	TestnetURL: "http://127.0.0.1:1/api",
	Timeout:    1,
}

func TestParseBootstrapPeers(t *testing.T) {
	assert.Nil(t, parseBootstrapPeers(""))
	assert.Equal(t,
		[]string{"/ip4/1.2.3.4/tcp/4101/p2p/a", "/dns4/seed/tcp/4101/p2p/b"},
		parseBootstrapPeers(" /ip4/1.2.3.4/tcp/4101/p2p/a, ,/dns4/seed/tcp/4101/p2p/b "))
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name    string
		fileDir string
		flags   flagOverrides
		wantDir string
		wantNet config.NetworkType
		wantLvl string
	}{
		{
			name:    "data dir follows flag",
			fileDir: "/from/file",
			flags:   flagOverrides{dataDir: "/from/flag"},
			wantDir: "/from/flag",
			wantNet: config.Mainnet,
			wantLvl: "info",
		},
		{
			name:    "explicit config keeps its data dir",
			fileDir: "/from/file",
			flags:   flagOverrides{dataDir: "/from/flag", explicitConfig: true, testnet: true, logLevel: "debug"},
			wantDir: "/from/file",
			wantNet: config.Testnet,
			wantLvl: "debug",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultDaemon()
			cfg.Storage.DataDir = tt.fileDir
			applyFlags(cfg, tt.flags)

			assert.Equal(t, tt.wantDir, cfg.Storage.DataDir)
			assert.Equal(t, tt.wantNet, cfg.NetworkType)
			assert.Equal(t, tt.wantLvl, cfg.Logging.Level)
			require.NoError(t, cfg.Validate())
		})
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadConfig("", dir)
	require.NoError(t, err)
	assert.Equal(t, config.Mainnet, cfg.NetworkType)
	assert.FileExists(t, config.ConfigPath(dir))

	cfg.NetworkType = config.Testnet
	require.NoError(t, cfg.Save(config.ConfigPath(dir)))

	cfg, err = loadConfig(config.ConfigPath(dir), "/ignored")
	require.NoError(t, err)
	assert.Equal(t, config.Testnet, cfg.NetworkType)
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "klingswapd.log")

	log, closeLog, err := newLogger(config.LoggingConfig{Level: "info", Format: "json", File: path})
	require.NoError(t, err)
	log.Info("hello", "k", "v")
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestOpenLockerMemory(t *testing.T) {
	locker, closeLocker, err := openLocker(context.Background(), config.DefaultDaemon())
	require.NoError(t, err)
	defer closeLocker()
	assert.IsType(t, &reentrancy.MemoryLocker{}, locker)
}

func TestOpenCoins(t *testing.T) {
	cfg := config.DefaultDaemon()
	cfg.NetworkType = config.Testnet
	cfg.Storage.DataDir = t.TempDir()
	cfg.Wallet.PasswordEnv = ""

	// Unroutable explorers; startup must not depend on them.
	cfg.Coins = map[string]*config.CoinConfig{}
	for _, symbol := range []string{"BTC", "LTC"} {
		cfg.Coins[symbol] = &config.CoinConfig{Backend: &backendConfig}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	coins, backends, err := openCoins(ctx, cfg)
	require.NoError(t, err)
	defer backends.CloseAll()

	require.Len(t, coins, 2)
	assert.Equal(t, "BTC", coins[0].Ticker())
	assert.Equal(t, "LTC", coins[1].Ticker())
	assert.FileExists(t, cfg.DataPath(cfg.Wallet.MnemonicFile))

	// The same seed yields the same addresses.
	again, more, err := openCoins(ctx, cfg)
	require.NoError(t, err)
	defer more.CloseAll()
	assert.Equal(t, coins[0].MyAddress(), again[0].MyAddress())
}
