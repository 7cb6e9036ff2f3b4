// Package wallet provides HD wallet functionality with BIP39/BIP44 support.
// One seed yields both the Bitcoin signing keys and the destination-chain
// (EVM) account used to commit, claim and refund escrows.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/atlasswap/atlas/internal/chain"
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network
	mu        sync.RWMutex

	// Cached derived keys, keyed by derivation path string.
	cache map[string]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewFromSeed(seed, network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	// Master key derivation only needs the HD magic bytes; the actual chain
	// params are applied when encoding addresses.
	params := &chaincfg.MainNetParams
	if network == chain.Testnet {
		params = &chaincfg.TestNet3Params
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network (mainnet/testnet).
func (w *Wallet) Network() chain.Network {
	return w.network
}

// DeriveKey derives a key at the full BIP44 path: m/purpose'/coin'/account'/change/index
func (w *Wallet) DeriveKey(purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cacheKey := fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", purpose, coinType, account, change, index)
	if key, ok := w.cache[cacheKey]; ok {
		return key, nil
	}

	key := w.masterKey
	steps := []struct {
		child    uint32
		hardened bool
	}{
		{purpose, true},
		{coinType, true},
		{account, true},
		{change, false},
		{index, false},
	}

	var err error
	for _, step := range steps {
		child := step.child
		if step.hardened {
			child += hdkeychain.HardenedKeyStart
		}
		if key, err = key.Derive(child); err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", cacheKey, err)
		}
	}

	w.cache[cacheKey] = key
	return key, nil
}

// DeriveKeyForChain derives a key for a chain using its default derivation
// path with change=0 (external addresses).
func (w *Wallet) DeriveKeyForChain(symbol string, account, index uint32) (*hdkeychain.ExtendedKey, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}

	return w.DeriveKey(params.DefaultPurpose, params.CoinType, account, 0, index)
}

// BitcoinPrivateKey derives the Bitcoin signing key at the given account and
// index.
func (w *Wallet) BitcoinPrivateKey(account, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKeyForChain("BTC", account, index)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return privKey, nil
}

// BitcoinPublicKey derives the Bitcoin public key at the given account and
// index.
func (w *Wallet) BitcoinPublicKey(account, index uint32) (*btcec.PublicKey, error) {
	key, err := w.DeriveKeyForChain("BTC", account, index)
	if err != nil {
		return nil, err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	return pubKey, nil
}

// EVMPrivateKey derives the destination-chain account key. All EVM networks
// share the coin type 60 path, so one key serves every destination chain.
func (w *Wallet) EVMPrivateKey(account, index uint32) (*ecdsa.PrivateKey, error) {
	key, err := w.DeriveKeyForChain("ETH", account, index)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return privKey.ToECDSA(), nil
}

// ClearCache clears the key cache.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[string]*hdkeychain.ExtendedKey)
}
