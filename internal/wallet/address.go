// Package wallet - Bitcoin and EVM address encoding.
package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/atlasswap/atlas/internal/chain"
)

// BitcoinAddress derives the native SegWit (P2WPKH) address at the given
// account and index.
func (w *Wallet) BitcoinAddress(account, index uint32) (string, error) {
	pubKey, err := w.BitcoinPublicKey(account, index)
	if err != nil {
		return "", err
	}

	params, _ := chain.Get("BTC", w.network)
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params.BTCParams)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// EVMAddress derives the destination-chain account address.
func (w *Wallet) EVMAddress(account, index uint32) (string, error) {
	key, err := w.EVMPrivateKey(account, index)
	if err != nil {
		return "", err
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// TaprootAddress derives the Taproot (P2TR) address at the given account and
// index. Vault withdrawals spend Taproot UTXOs.
func (w *Wallet) TaprootAddress(account, index uint32) (string, error) {
	pubKey, err := w.BitcoinPublicKey(account, index)
	if err != nil {
		return "", err
	}

	params, _ := chain.Get("BTC", w.network)
	taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
	addr, err := btcutil.NewAddressTaproot(taprootKey.SerializeCompressed()[1:], params.BTCParams)
	if err != nil {
		return "", fmt.Errorf("failed to create Taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ValidateBitcoinAddress checks whether an address is valid on the wallet's
// network.
func (w *Wallet) ValidateBitcoinAddress(address string) bool {
	params, _ := chain.Get("BTC", w.network)
	_, err := btcutil.DecodeAddress(address, params.BTCParams)
	return err == nil
}

// AddressToScript converts a Bitcoin address to its output script. Used when
// checking that a withdrawal pays the expected recipient.
func AddressToScript(address string, network chain.Network) ([]byte, error) {
	params, ok := chain.Get("BTC", network)
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}

	decoded, err := btcutil.DecodeAddress(address, params.BTCParams)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to build output script: %w", err)
	}
	return script, nil
}

// PublicKeyToEVMAddress converts a secp256k1 public key to an EVM address.
func PublicKeyToEVMAddress(pubKey *btcec.PublicKey) string {
	return ethcrypto.PubkeyToAddress(*pubKey.ToECDSA()).Hex()
}
