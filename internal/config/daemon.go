package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/klingswap/internal/backend"
)

// Network-specific constants for peer separation.
const (
	MainnetDHTPrefix   = "/klingswap"
	MainnetDiscoveryNS = "klingswap-mainnet"

	TestnetDHTPrefix   = "/klingswap-testnet"
	TestnetDiscoveryNS = "klingswap-testnet"
)

// Storage drivers.
const (
	StorageSQLite   = "sqlite3"
	StoragePostgres = "postgres"
	StorageBolt     = "bolt"
)

// Bus transports.
const (
	BusP2P  = "p2p"
	BusNATS = "nats"
)

// Lock backends.
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

// Daemon holds all configuration for the klingswapd process.
type Daemon struct {
	NetworkType NetworkType `yaml:"network_type"`

	Identity IdentityConfig `yaml:"identity"`
	Network  NetworkConfig  `yaml:"network"`
	Storage  StorageConfig  `yaml:"storage"`
	Bus      BusConfig      `yaml:"bus"`
	Lock     LockConfig     `yaml:"lock"`
	Logging  LoggingConfig  `yaml:"logging"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Swap     SwapFileConfig `yaml:"swap"`

	// Coins holds per-ticker overrides. Unlisted supported coins use defaults.
	Coins map[string]*CoinConfig `yaml:"coins,omitempty"`
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// KeyFile is the path to the libp2p private key, relative to the data dir.
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds libp2p settings.
type NetworkConfig struct {
	ListenAddrs        []string      `yaml:"listen_addrs"`
	BootstrapPeers     []string      `yaml:"bootstrap_peers"`
	EnableMDNS         bool          `yaml:"enable_mdns"`
	EnableDHT          bool          `yaml:"enable_dht"`
	EnableRelay        bool          `yaml:"enable_relay"`
	EnableNAT          bool          `yaml:"enable_nat"`
	EnableHolePunching bool          `yaml:"enable_hole_punching"`
	ConnMgr            ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StorageConfig selects the event store.
type StorageConfig struct {
	// Driver is sqlite3, postgres or bolt.
	Driver string `yaml:"driver"`

	// DSN is the postgres connection string. Ignored by the file drivers.
	DSN string `yaml:"dsn,omitempty"`

	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// BusConfig selects the message transport.
type BusConfig struct {
	// Transport is p2p (libp2p gossipsub) or nats.
	Transport string `yaml:"transport"`
	NATSURL   string `yaml:"nats_url,omitempty"`
}

// LockConfig selects the reentrancy lock backend.
type LockConfig struct {
	// Backend is memory or redis.
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	TTL           time.Duration `yaml:"ttl"`
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is text, logfmt or json.
	Format string `yaml:"format"`
	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// WalletConfig points at the seed the coin keys are derived from.
type WalletConfig struct {
	MnemonicFile string `yaml:"mnemonic_file"`
	Account      uint32 `yaml:"account"`

	// PasswordEnv names the environment variable holding the seed file
	// password. An unset variable keeps the seed in plain words.
	PasswordEnv string `yaml:"password_env,omitempty"`
}

// SwapFileConfig holds the swap settings operators may override.
type SwapFileConfig struct {
	LockDuration                                 time.Duration `yaml:"lock_duration"`
	RequireMakerPaymentConfirmBeforeFundingSpend bool          `yaml:"require_maker_payment_confirm_before_funding_spend"`
	RequireMakerPaymentSpendConfirm              bool          `yaml:"require_maker_payment_spend_confirm"`
}

// CoinConfig holds per-coin daemon settings.
type CoinConfig struct {
	Backend              *backend.Config `yaml:"backend,omitempty"`
	Confirmations        uint64          `yaml:"confirmations,omitempty"`
	RequiresNotarization bool            `yaml:"requires_notarization,omitempty"`
}

// DefaultDaemon returns a Daemon configuration with sensible defaults.
func DefaultDaemon() *Daemon {
	swap := DefaultSwapConfig()
	return &Daemon{
		NetworkType: Mainnet,
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4101",
				"/ip4/0.0.0.0/udp/4101/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         true,
			EnableDHT:          true,
			EnableRelay:        true,
			EnableNAT:          true,
			EnableHolePunching: true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		Storage: StorageConfig{
			Driver:  StorageSQLite,
			DataDir: "~/.klingswap",
		},
		Bus: BusConfig{
			Transport: BusP2P,
		},
		Lock: LockConfig{
			Backend:       LockMemory,
			TTL:           swap.LockTTL,
			RenewInterval: swap.LockRenewInterval,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Wallet: WalletConfig{
			MnemonicFile: "wallet.mnemonic",
			PasswordEnv:  "KLINGSWAP_WALLET_PASSWORD",
		},
		Swap: SwapFileConfig{
			LockDuration: swap.LockDuration,
			RequireMakerPaymentConfirmBeforeFundingSpend: swap.RequireMakerPaymentConfirmBeforeFundingSpend,
			RequireMakerPaymentSpendConfirm:              swap.RequireMakerPaymentSpendConfirm,
		},
	}
}

// DHTPrefix returns the DHT protocol prefix for the configured network.
func (c *Daemon) DHTPrefix() string {
	if c.IsTestnet() {
		return TestnetDHTPrefix
	}
	return MainnetDHTPrefix
}

// DiscoveryNamespace returns the discovery namespace for the configured network.
func (c *Daemon) DiscoveryNamespace() string {
	if c.IsTestnet() {
		return TestnetDiscoveryNS
	}
	return MainnetDiscoveryNS
}

// IsTestnet returns true if running on testnet.
func (c *Daemon) IsTestnet() bool {
	return c.NetworkType == Testnet
}

// DataPath resolves a file name relative to the data directory.
func (c *Daemon) DataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(ExpandPath(c.Storage.DataDir), name)
}

// SwapConfig merges the file overrides into the protocol defaults.
func (c *Daemon) SwapConfig() SwapConfig {
	cfg := DefaultSwapConfig()
	if c.Swap.LockDuration > 0 {
		cfg.LockDuration = c.Swap.LockDuration
	}
	cfg.RequireMakerPaymentConfirmBeforeFundingSpend = c.Swap.RequireMakerPaymentConfirmBeforeFundingSpend
	cfg.RequireMakerPaymentSpendConfirm = c.Swap.RequireMakerPaymentSpendConfirm
	if c.Lock.TTL > 0 {
		cfg.LockTTL = c.Lock.TTL
	}
	if c.Lock.RenewInterval > 0 {
		cfg.LockRenewInterval = c.Lock.RenewInterval
	}
	return cfg
}

// BackendConfig returns the explorer config for a coin, falling back to
// the public defaults.
func (c *Daemon) BackendConfig(symbol string) *backend.Config {
	if cc, ok := c.Coins[symbol]; ok && cc.Backend != nil {
		return cc.Backend
	}
	return backend.DefaultConfigs()[symbol]
}

// BackendURL returns the explorer URL for the coin and network.
func (c *Daemon) BackendURL(symbol string) string {
	cfg := c.BackendConfig(symbol)
	if cfg == nil {
		return ""
	}
	if c.IsTestnet() {
		return cfg.TestnetURL
	}
	return cfg.MainnetURL
}

// Confirmations returns the confirmation requirement for a coin.
func (c *Daemon) Confirmations(symbol string) uint64 {
	if cc, ok := c.Coins[symbol]; ok && cc.Confirmations > 0 {
		return cc.Confirmations
	}
	return RequiredConfirmations(symbol, c.NetworkType)
}

// RequiresNotarization returns the notarization requirement for a coin.
func (c *Daemon) RequiresNotarization(symbol string) bool {
	if cc, ok := c.Coins[symbol]; ok {
		return cc.RequiresNotarization
	}
	coin, _ := GetCoin(symbol)
	return coin.RequiresNotarization
}

// Validate checks the enumerated settings.
func (c *Daemon) Validate() error {
	switch c.NetworkType {
	case Mainnet, Testnet:
	default:
		return fmt.Errorf("unknown network_type %q", c.NetworkType)
	}
	switch c.Storage.Driver {
	case StorageSQLite, StorageBolt:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage driver postgres requires dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Bus.Transport {
	case BusP2P:
	case BusNATS:
		if c.Bus.NATSURL == "" {
			return fmt.Errorf("bus transport nats requires nats_url")
		}
	default:
		return fmt.Errorf("unknown bus transport %q", c.Bus.Transport)
	}
	switch c.Lock.Backend {
	case LockMemory:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if c.Lock.RenewInterval >= c.Lock.TTL {
		return fmt.Errorf("lock renew_interval %s must be shorter than ttl %s", c.Lock.RenewInterval, c.Lock.TTL)
	}
	for symbol := range c.Coins {
		if !IsCoinSupported(symbol) {
			return fmt.Errorf("unsupported coin %q", symbol)
		}
	}
	return nil
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadDaemon loads configuration from the data directory.
// If the file doesn't exist, it creates one with default values.
func LoadDaemon(dataDir string) (*Daemon, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultDaemon()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	return LoadDaemonFile(configPath)
}

// LoadDaemonFile loads configuration from an explicit path.
func LoadDaemonFile(path string) (*Daemon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultDaemon()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Daemon) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# klingswapd configuration\n# Generated automatically on first run\n\n")
	if err := os.WriteFile(path, append(header, data...), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
