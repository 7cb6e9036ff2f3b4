// Package chain defines network parameters for the chains a swap can touch:
// Bitcoin on the funding side and EVM networks on the destination side.
package chain

import (
	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ChainType represents the blockchain family.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin"
	ChainTypeEVM     ChainType = "evm"
)

// Params contains the parameters for a supported chain.
type Params struct {
	// Identity
	Symbol   string
	Name     string
	Type     ChainType
	Decimals uint8

	// BIP44 derivation
	CoinType       uint32
	DefaultPurpose uint32

	// Bitcoin-side parameters. Nil for EVM chains.
	BTCParams *chaincfg.Params

	// EVM-side parameters. Zero for Bitcoin.
	ChainID     uint64
	NativeToken string
}

// DerivationPath returns the BIP44/84 derivation path for this chain.
// Format: m/purpose'/coin'/account'/change/index.
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	const hardened = 0x80000000
	return []uint32{
		p.DefaultPurpose + hardened,
		p.CoinType + hardened,
		account + hardened,
		change,
		index,
	}
}

var registry = map[Network]map[string]*Params{
	Mainnet: {},
	Testnet: {},
}

// Register adds chain parameters to the registry.
func Register(symbol string, network Network, params *Params) {
	registry[network][symbol] = params
}

// Get returns the parameters for a chain symbol on the given network.
func Get(symbol string, network Network) (*Params, bool) {
	p, ok := registry[network][symbol]
	return p, ok
}

// List returns all registered symbols for a network.
func List(network Network) []string {
	symbols := make([]string, 0, len(registry[network]))
	for s := range registry[network] {
		symbols = append(symbols, s)
	}
	return symbols
}

func init() {
	Register("BTC", Mainnet, &Params{
		Symbol:         "BTC",
		Name:           "Bitcoin",
		Type:           ChainTypeBitcoin,
		Decimals:       8,
		CoinType:       0,
		DefaultPurpose: 84,
		BTCParams:      &chaincfg.MainNetParams,
	})
	Register("BTC", Testnet, &Params{
		Symbol:         "BTC",
		Name:           "Bitcoin Testnet",
		Type:           ChainTypeBitcoin,
		Decimals:       8,
		CoinType:       1,
		DefaultPurpose: 84,
		BTCParams:      &chaincfg.TestNet3Params,
	})

	Register("ETH", Mainnet, &Params{
		Symbol:         "ETH",
		Name:           "Ethereum",
		Type:           ChainTypeEVM,
		Decimals:       18,
		CoinType:       60,
		DefaultPurpose: 44,
		ChainID:        1,
		NativeToken:    "ETH",
	})
	Register("ETH", Testnet, &Params{
		Symbol:         "ETH",
		Name:           "Ethereum Sepolia",
		Type:           ChainTypeEVM,
		Decimals:       18,
		CoinType:       60,
		DefaultPurpose: 44,
		ChainID:        11155111,
		NativeToken:    "ETH",
	})

	Register("ARBITRUM", Mainnet, &Params{
		Symbol:         "ARBITRUM",
		Name:           "Arbitrum One",
		Type:           ChainTypeEVM,
		Decimals:       18,
		CoinType:       60,
		DefaultPurpose: 44,
		ChainID:        42161,
		NativeToken:    "ETH",
	})
	Register("BASE", Mainnet, &Params{
		Symbol:         "BASE",
		Name:           "Base",
		Type:           ChainTypeEVM,
		Decimals:       18,
		CoinType:       60,
		DefaultPurpose: 44,
		ChainID:        8453,
		NativeToken:    "ETH",
	})
}
