// Package backend provides Bitcoin chain data providers used by the swap
// engine: transaction lookup, spend status, confirmation tracking, and
// broadcasting. All methods are read-only with respect to keys.
package backend

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrOutputNotFound  = errors.New("output not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// OutPoint identifies a transaction output.
type OutPoint struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// Outspend describes whether and how an output was spent.
type Outspend struct {
	Spent        bool   `json:"spent"`
	SpendingTxID string `json:"txid,omitempty"`
	SpendingVin  uint32 `json:"vin,omitempty"`
	Confirmed    bool   `json:"confirmed"`
}

// Transaction represents a Bitcoin transaction as reported by the provider.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Witness  []string  `json:"witness,omitempty"`
	Sequence uint32    `json:"sequence"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// MerkleProof is an SPV inclusion proof for a confirmed transaction.
type MerkleProof struct {
	BlockHeight int64    `json:"block_height"`
	Merkle      []string `json:"merkle"` // sibling hashes, big-endian hex
	Pos         int64    `json:"pos"`    // position of the tx in the block
}

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Backend defines the interface for Bitcoin chain data providers.
type Backend interface {
	// Type returns the backend type.
	Type() Type

	// Connect establishes the connection to the provider.
	Connect(ctx context.Context) error

	// Close closes the connection.
	Close() error

	// GetTransaction returns a transaction by id, with confirmation count.
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// GetRawTransaction returns the raw transaction bytes.
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)

	// GetOutspend reports whether an output has been spent and by what.
	GetOutspend(ctx context.Context, op OutPoint) (*Outspend, error)

	// GetAddressTxs returns recent transactions paying to an address.
	GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error)

	// BroadcastTransaction broadcasts a raw transaction, returning the txid.
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// GetBlockHeight returns the current chain tip height.
	GetBlockHeight(ctx context.Context) (int64, error)

	// GetBlockHeader returns the raw 80-byte header of a block.
	GetBlockHeader(ctx context.Context, blockHash string) ([]byte, error)

	// GetMerkleProof returns the SPV inclusion proof for a confirmed
	// transaction.
	GetMerkleProof(ctx context.Context, txID string) (*MerkleProof, error)

	// GetFeeEstimates returns fee estimates in sat/vB.
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// IsSpent is a convenience wrapper over GetOutspend.
func IsSpent(ctx context.Context, b Backend, op OutPoint) (bool, error) {
	out, err := b.GetOutspend(ctx, op)
	if err != nil {
		return false, err
	}
	return out.Spent, nil
}
