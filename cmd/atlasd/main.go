// Package main provides the atlasd daemon: the client-side engine for
// trust-minimized BTC <-> EVM atomic swaps.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atlasswap/atlas/internal/backend"
	"github.com/atlasswap/atlas/internal/chain"
	"github.com/atlasswap/atlas/internal/config"
	"github.com/atlasswap/atlas/internal/contracts/escrow"
	"github.com/atlasswap/atlas/internal/contracts/vault"
	"github.com/atlasswap/atlas/internal/discovery"
	"github.com/atlasswap/atlas/internal/intermediary"
	"github.com/atlasswap/atlas/internal/storage"
	"github.com/atlasswap/atlas/internal/swap"
	"github.com/atlasswap/atlas/internal/wallet"
	"github.com/atlasswap/atlas/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir    = flag.String("data-dir", "~/.atlas", "Data directory")
		configFile = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVer    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("atlasd %s (%s)\n", version, commit)
		return
	}

	if *configFile == "" {
		*configFile = filepath.Join(*dataDir, "config.yaml")
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.Fatal("Failed to load config", "error", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log := logging.New(&logging.Config{Level: cfg.Logging.Level, Prefix: "atlasd"})
	logging.SetDefault(log)
	log.Info("Starting atlasd", "version", version, "network", cfg.Network)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Daemon failed", "error", err)
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	network := chain.Network(cfg.Network)

	// Persistence.
	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	// Signing key from the encrypted seed.
	key, err := loadSigningKey(cfg, network)
	if err != nil {
		return err
	}

	// Bitcoin chain data.
	var btc backend.Backend
	switch cfg.Bitcoin.Backend {
	case "esplora":
		btc = backend.NewEsploraBackend(cfg.Bitcoin.URL)
	default:
		btc = backend.NewMempoolBackend(cfg.Bitcoin.URL)
	}
	if err := btc.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect bitcoin backend: %w", err)
	}
	defer btc.Close()

	var tracker *backend.BlockTracker
	if cfg.Bitcoin.Websocket {
		tracker = backend.NewBlockTracker(cfg.Bitcoin.URL, log)
		tracker.Start()
		defer tracker.Stop()
	}

	// Destination-chain contracts.
	escrowClient, err := escrow.NewClient(cfg.Escrow.RPCURL,
		common.HexToAddress(cfg.Escrow.Address), cfg.Escrow.GasLimit)
	if err != nil {
		return fmt.Errorf("failed to connect escrow contract: %w", err)
	}
	defer escrowClient.Close()

	vaultClient, err := vault.NewClient(cfg.Vault.Contract.RPCURL,
		common.HexToAddress(cfg.Vault.Contract.Address), cfg.Vault.GenesisHeight)
	if err != nil {
		return fmt.Errorf("failed to connect vault contract: %w", err)
	}
	defer vaultClient.Close()

	// LP discovery registry.
	var disco *discovery.Service
	if cfg.Discovery.Enabled {
		disco, err = discovery.New(ctx, &cfg.Discovery)
		if err != nil {
			return fmt.Errorf("failed to create discovery service: %w", err)
		}
		if err := disco.Start(); err != nil {
			return fmt.Errorf("failed to start discovery: %w", err)
		}
		defer disco.Stop()
		log.Info("LP discovery enabled", "peer", disco.ID())
	}

	// Intermediary. A configured LP wins; otherwise the discovery registry
	// supplies one.
	lpURL, err := selectLP(ctx, cfg, disco, log)
	if err != nil {
		return err
	}
	lp := intermediary.NewClient(lpURL)

	escrowDeps := swap.EscrowDeps{
		Contract: escrowClient,
		Bitcoin:  btc,
		LP:       lp,
		LPSigner: common.HexToAddress(cfg.Escrow.Signer),
		Key:      key,
		Store:    store,
		Log:      log.Component("swap"),
		Config:   &cfg.Swaps,
	}
	vaultDeps := swap.VaultDeps{
		Contract:      vaultClient,
		Bitcoin:       btc,
		LP:            lp,
		Key:           key,
		Network:       network,
		MaxTraceDepth: cfg.Vault.MaxTransactionsDelta,
		Store:         store,
		Log:           log.Component("swap"),
		Config:        &cfg.Swaps,
	}

	engine := swap.NewEngine(store, escrowDeps, vaultDeps,
		escrowClient, vaultClient, log.Component("engine"))
	if tracker != nil {
		engine.NudgeOnBlocks(tracker.Subscribe())
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start swap engine: %w", err)
	}
	defer engine.Stop()

	<-ctx.Done()
	return nil
}

// lpDiscoveryWait is how long selectLP waits for gossip announcements before
// giving up when no LP is configured statically.
const lpDiscoveryWait = 30 * time.Second

// selectLP picks the intermediary base URL: the first configured LP when one
// is set, otherwise the freshest discovered LP serving the escrow chain.
// Announcements take a few seconds to arrive after the gossip mesh forms, so
// the discovery path polls the registry up to lpDiscoveryWait.
func selectLP(ctx context.Context, cfg *config.Config, disco *discovery.Service, log *logging.Logger) (string, error) {
	if len(cfg.LPs) > 0 {
		return cfg.LPs[0], nil
	}
	if disco == nil {
		return "", fmt.Errorf("no intermediary configured and discovery disabled")
	}

	deadline := time.NewTimer(lpDiscoveryWait)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if urls := disco.LPsForChain(cfg.Escrow.Chain); len(urls) > 0 {
			log.Info("Using discovered LP", "url", urls[0], "chain", cfg.Escrow.Chain)
			return urls[0], nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			// Fall back to any announced LP before giving up: older LPs may
			// not include chain lists in their announcements.
			if urls := disco.LPs(); len(urls) > 0 {
				log.Info("Using discovered LP", "url", urls[0])
				return urls[0], nil
			}
			return "", fmt.Errorf("no LP discovered within %s", lpDiscoveryWait)
		case <-ticker.C:
		}
	}
}

// loadSigningKey decrypts the stored seed and derives the destination-chain
// signing key. The password comes from ATLAS_PASSWORD; the daemon has no
// interactive prompt.
func loadSigningKey(cfg *config.Config, network chain.Network) (*ecdsa.PrivateKey, error) {
	seedPath := filepath.Join(cfg.DataDir, "seed.json")
	enc, err := wallet.LoadEncryptedSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed (run atlas-wallet init first): %w", err)
	}

	password := os.Getenv("ATLAS_PASSWORD")
	if password == "" {
		return nil, fmt.Errorf("ATLAS_PASSWORD not set")
	}

	mnemonic, err := wallet.DecryptMnemonic(enc, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt seed: %w", err)
	}

	hd, err := wallet.NewFromMnemonic(mnemonic, "", network)
	if err != nil {
		return nil, err
	}
	return hd.EVMPrivateKey(0, 0)
}
