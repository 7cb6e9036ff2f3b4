// Package vault provides a Go client for the destination-chain SPV vault
// contract. A vault is a Bitcoin UTXO owned by the LP; spends of it are
// self-describing and verified against light-client proofs on the
// destination chain, so the client never initiates anything here — it only
// reads vault state and observes settlement events.
package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client errors
var (
	ErrVaultNotFound = errors.New("vault not found")
)

// StateKind is the settlement state of a single vault withdrawal, keyed by
// the Bitcoin transaction id that performs it.
type StateKind uint8

const (
	StateNotFound StateKind = 0
	StateFronted  StateKind = 1
	StateClaimed  StateKind = 2
	StateClosed   StateKind = 3
)

func (k StateKind) String() string {
	switch k {
	case StateNotFound:
		return "not_found"
	case StateFronted:
		return "fronted"
	case StateClaimed:
		return "claimed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WithdrawalState is the contract's view of one withdrawal.
type WithdrawalState struct {
	Kind StateKind
	// TxHash is the destination-chain transaction that fronted/claimed/
	// closed the withdrawal, zero for StateNotFound.
	TxHash common.Hash
}

// TokenBalance is one of the two token positions a vault holds.
type TokenBalance struct {
	Token common.Address
	// Amount in raw vault units.
	Amount *big.Int
	// Multiplier scales raw units to destination-chain token units.
	Multiplier *big.Int
}

// Vault is the contract's record of an LP vault, including the last
// on-chain-confirmed Bitcoin UTXO controlling it.
type Vault struct {
	Owner   common.Address
	VaultID *big.Int

	// Confirmed UTXO: txid (big-endian hex) and output index.
	UtxoTxID string
	UtxoVout uint32

	Balances [2]TokenBalance
}

// vaultABI is the subset of the contract interface the client uses.
const vaultABI = `[
  {"type":"function","name":"getVault","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"vaultId","type":"uint96"}],"outputs":[{"name":"utxoTxHash","type":"bytes32"},{"name":"utxoVout","type":"uint32"},{"name":"token0","type":"address"},{"name":"amount0","type":"uint256"},{"name":"multiplier0","type":"uint256"},{"name":"token1","type":"address"},{"name":"amount1","type":"uint256"},{"name":"multiplier1","type":"uint256"}]},
  {"type":"function","name":"getWithdrawalState","stateMutability":"view","inputs":[{"name":"btcTxHash","type":"bytes32"}],"outputs":[{"name":"state","type":"uint8"},{"name":"txHash","type":"bytes32"}]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"btcTxHash","type":"bytes32"},{"name":"blockheader","type":"bytes"},{"name":"merkleProof","type":"bytes32[]"},{"name":"position","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"Fronted","inputs":[{"name":"btcTxHash","type":"bytes32","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":false}],"anonymous":false},
  {"type":"event","name":"Claimed","inputs":[{"name":"btcTxHash","type":"bytes32","indexed":true},{"name":"owner","type":"address","indexed":true}],"anonymous":false},
  {"type":"event","name":"Closed","inputs":[{"name":"btcTxHash","type":"bytes32","indexed":true},{"name":"owner","type":"address","indexed":true}],"anonymous":false}
]`

// Client wraps the SPV vault contract.
type Client struct {
	client          *ethclient.Client
	abi             abi.ABI
	bound           *bind.BoundContract
	contractAddress common.Address
	chainID         *big.Int
	genesisHeight   uint64
}

// NewClient connects to the RPC endpoint and binds the vault contract.
func NewClient(rpcURL string, contractAddress common.Address, genesisHeight uint64) (*Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &Client{
		client:          client,
		abi:             parsed,
		bound:           bind.NewBoundContract(contractAddress, parsed, client, client, client),
		contractAddress: contractAddress,
		chainID:         chainID,
		genesisHeight:   genesisHeight,
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.client.Close()
}

// GenesisHeight returns the deployment height; event scans never go below it.
func (c *Client) GenesisHeight() uint64 {
	return c.genesisHeight
}

// GetVault returns the contract's record of an LP vault.
func (c *Client) GetVault(ctx context.Context, owner common.Address, vaultID *big.Int) (*Vault, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.bound.Call(opts, &out, "getVault", owner, vaultID); err != nil {
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}

	utxoHash := out[0].([32]byte)
	vault := &Vault{
		Owner:    owner,
		VaultID:  vaultID,
		UtxoTxID: reverseHex(utxoHash),
		UtxoVout: out[1].(uint32),
		Balances: [2]TokenBalance{
			{Token: out[2].(common.Address), Amount: out[3].(*big.Int), Multiplier: out[4].(*big.Int)},
			{Token: out[5].(common.Address), Amount: out[6].(*big.Int), Multiplier: out[7].(*big.Int)},
		},
	}

	if vault.UtxoTxID == zeroTxID {
		return nil, ErrVaultNotFound
	}
	return vault, nil
}

// GetWithdrawalState returns the settlement state of a withdrawal by its
// Bitcoin transaction id (big-endian hex).
func (c *Client) GetWithdrawalState(ctx context.Context, btcTxID string) (*WithdrawalState, error) {
	hash, err := txIDToHash(btcTxID)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.bound.Call(opts, &out, "getWithdrawalState", hash); err != nil {
		return nil, fmt.Errorf("failed to get withdrawal state: %w", err)
	}

	return &WithdrawalState{
		Kind:   StateKind(out[0].(uint8)),
		TxHash: common.Hash(out[1].([32]byte)),
	}, nil
}

// Claim manually settles a confirmed withdrawal by submitting an SPV proof.
// Normally a watchtower does this; the engine only falls back to it when no
// automatic settlement happens within the grace window.
func (c *Client) Claim(ctx context.Context, key *ecdsa.PrivateKey, btcTxID string,
	blockHeader []byte, merkleProof [][32]byte, position *big.Int) (*types.Transaction, error) {

	hash, err := txIDToHash(btcTxID)
	if err != nil {
		return nil, err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx

	return c.bound.Transact(auth, "claim", hash, blockHeader, merkleProof, position)
}

// MerkleHashes converts big-endian display hashes (as chain data providers
// serve them) into the little-endian 32-byte form the contract verifies
// proofs against.
func MerkleHashes(hashes []string) ([][32]byte, error) {
	out := make([][32]byte, len(hashes))
	for i, h := range hashes {
		hash, err := txIDToHash(h)
		if err != nil {
			return nil, err
		}
		out[i] = hash
	}
	return out, nil
}

const zeroTxID = "0000000000000000000000000000000000000000000000000000000000000000"

// txIDToHash converts a big-endian display txid into the little-endian
// 32-byte form the contract stores.
func txIDToHash(txID string) ([32]byte, error) {
	var hash [32]byte
	raw := common.FromHex("0x" + txID)
	if len(raw) != 32 {
		return hash, fmt.Errorf("invalid txid %q", txID)
	}
	for i := 0; i < 32; i++ {
		hash[i] = raw[31-i]
	}
	return hash, nil
}

// reverseHex converts the contract's little-endian tx hash into the
// big-endian display txid.
func reverseHex(hash [32]byte) string {
	var rev [32]byte
	for i := 0; i < 32; i++ {
		rev[i] = hash[31-i]
	}
	return common.Bytes2Hex(rev[:])
}
