// Package config provides centralized configuration for the atlas daemon.
// All tunable swap parameters (windows, poll intervals, trace bounds) live
// here so no timing constant is hardcoded in the engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root daemon configuration.
type Config struct {
	Network string        `yaml:"network"` // mainnet or testnet
	DataDir string        `yaml:"data_dir"`
	Logging LoggingConfig `yaml:"logging"`

	Bitcoin   BitcoinConfig   `yaml:"bitcoin"`
	Escrow    ContractConfig  `yaml:"escrow"`
	Vault     VaultConfig     `yaml:"vault"`
	Swaps     SwapConfig      `yaml:"swaps"`
	LPs       []string        `yaml:"lps"` // intermediary base URLs
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// BitcoinConfig selects the Bitcoin chain data provider.
type BitcoinConfig struct {
	Backend string `yaml:"backend"` // mempool or esplora
	URL     string `yaml:"url"`
	// Confirmations required before a funding tx counts as settled.
	ConfirmationTarget uint32 `yaml:"confirmation_target"`
	// Enable the mempool.space websocket tracker for push updates.
	Websocket bool `yaml:"websocket"`
}

// ContractConfig identifies a destination-chain contract.
type ContractConfig struct {
	Chain    string `yaml:"chain"`   // EVM chain symbol, e.g. ETH
	RPCURL   string `yaml:"rpc_url"` // http(s) endpoint
	WSURL    string `yaml:"ws_url"`  // optional, enables event subscriptions
	Address  string `yaml:"address"` // contract address
	GasLimit uint64 `yaml:"gas_limit"`
	// Signer is the LP address whose authorizations the escrow client
	// accepts. Unused for the vault contract.
	Signer string `yaml:"signer"`
}

// VaultConfig holds the SPV vault contract plus trace bounds.
type VaultConfig struct {
	Contract ContractConfig `yaml:"contract"`
	// Maximum number of unconfirmed vault-spending transactions the client
	// will trace backward when validating an LP quote.
	MaxTransactionsDelta int `yaml:"max_transactions_delta"`
	// Block height the vault contract was deployed at; withdrawal state
	// queries never scan below this.
	GenesisHeight uint64 `yaml:"genesis_height"`
}

// SwapConfig holds the lifecycle timing parameters.
type SwapConfig struct {
	// Minimum time that must remain before quote expiry for a commit to be
	// allowed. Committing closer to the deadline risks an unsettleable swap.
	MinSendWindow time.Duration `yaml:"min_send_window"`
	// Window before hard expiry during which a quote is soft-expired:
	// in-flight swaps may finish, new actions are refused.
	SoftExpiryWindow time.Duration `yaml:"soft_expiry_window"`
	// Watchdog poll interval for blocking waits.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Reconciler tick interval (wall-clock checks only).
	TickInterval time.Duration `yaml:"tick_interval"`
	// How often an expired-but-unresolved swap still checks for a late
	// payment arrival.
	ExpiredPaymentCheckInterval time.Duration `yaml:"expired_payment_check_interval"`
	// How long a vault swap waits for automatic settlement before a manual
	// claim is permitted.
	ClaimGraceWindow time.Duration `yaml:"claim_grace_window"`
}

// DiscoveryConfig controls the libp2p LP announcement registry.
type DiscoveryConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	Topic          string   `yaml:"topic"`
	// Announcements older than this are dropped from the registry.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Network: "mainnet",
		DataDir: "~/.atlas",
		Logging: LoggingConfig{Level: "info"},
		Bitcoin: BitcoinConfig{
			Backend:            "mempool",
			URL:                "https://mempool.space/api",
			ConfirmationTarget: 1,
			Websocket:          true,
		},
		Escrow: ContractConfig{
			Chain:    "ETH",
			GasLimit: 300_000,
		},
		Vault: VaultConfig{
			Contract:             ContractConfig{Chain: "ETH", GasLimit: 500_000},
			MaxTransactionsDelta: 10,
		},
		Swaps: SwapConfig{
			MinSendWindow:               30 * time.Minute,
			SoftExpiryWindow:            5 * time.Minute,
			PollInterval:                5 * time.Second,
			TickInterval:                15 * time.Second,
			ExpiredPaymentCheckInterval: 2 * time.Minute,
			ClaimGraceWindow:            30 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			Enabled:     false,
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
			Topic:       "atlas/lp-announce/1.0.0",
			StaleAfter:  15 * time.Minute,
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("invalid network: %s", c.Network)
	}
	if c.Swaps.MinSendWindow <= 0 {
		return fmt.Errorf("min_send_window must be positive")
	}
	if c.Swaps.SoftExpiryWindow <= 0 {
		return fmt.Errorf("soft_expiry_window must be positive")
	}
	if c.Vault.MaxTransactionsDelta <= 0 {
		return fmt.Errorf("max_transactions_delta must be positive")
	}
	if c.Swaps.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
