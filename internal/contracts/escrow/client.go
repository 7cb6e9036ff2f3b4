// Package escrow provides a Go client for the destination-chain escrow
// contract backing HTLC swaps. The swap engine consumes it through the
// ContractReader interface; everything here is collaborator plumbing.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client errors
var (
	ErrSignatureVerification = errors.New("authorization signature verification failed")
	ErrEscrowNotFound        = errors.New("escrow not found")
)

// CommitStatus is the authoritative on-chain status of an escrow.
type CommitStatus uint8

const (
	StatusNotCommitted CommitStatus = 0
	StatusCommitted    CommitStatus = 1
	StatusPaid         CommitStatus = 2
	StatusRefundable   CommitStatus = 3
	StatusExpired      CommitStatus = 4
)

func (s CommitStatus) String() string {
	switch s {
	case StatusNotCommitted:
		return "not_committed"
	case StatusCommitted:
		return "committed"
	case StatusPaid:
		return "paid"
	case StatusRefundable:
		return "refundable"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Data describes one escrow on the destination chain. The claim hash doubles
// as the escrow identifier.
type Data struct {
	ClaimHash [32]byte
	Offerer   common.Address
	Claimer   common.Address
	Token     common.Address // zero address for the native token
	Amount    *big.Int
	Expiry    *big.Int // unix seconds after which the offerer may refund
}

// ClaimHash derives the escrow identifier from a claim secret. SHA-256 so
// the same preimage works inside Bitcoin script on the other leg.
func ClaimHash(secret [32]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// IsExpired reports whether the escrow's chain-level timeout has passed.
func (d *Data) IsExpired(now time.Time) bool {
	if d.Expiry == nil {
		return false
	}
	return d.Expiry.Cmp(big.NewInt(now.Unix())) <= 0
}

// escrowABI is the subset of the contract interface the client uses.
const escrowABI = `[
  {"type":"function","name":"getStatus","stateMutability":"view","inputs":[{"name":"claimHash","type":"bytes32"},{"name":"offerer","type":"address"}],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"getClaimTx","stateMutability":"view","inputs":[{"name":"claimHash","type":"bytes32"}],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"commit","stateMutability":"payable","inputs":[{"name":"claimHash","type":"bytes32"},{"name":"claimer","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"expiry","type":"uint256"},{"name":"authExpiry","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"claimHash","type":"bytes32"},{"name":"secret","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"claimHash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"event","name":"Committed","inputs":[{"name":"claimHash","type":"bytes32","indexed":true},{"name":"offerer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"Claimed","inputs":[{"name":"claimHash","type":"bytes32","indexed":true},{"name":"secret","type":"bytes32","indexed":false}],"anonymous":false},
  {"type":"event","name":"Refunded","inputs":[{"name":"claimHash","type":"bytes32","indexed":true},{"name":"offerer","type":"address","indexed":true}],"anonymous":false}
]`

// Client wraps the escrow contract.
type Client struct {
	client          *ethclient.Client
	abi             abi.ABI
	bound           *bind.BoundContract
	contractAddress common.Address
	chainID         *big.Int
	gasLimit        uint64
}

// NewClient connects to the RPC endpoint and binds the escrow contract.
func NewClient(rpcURL string, contractAddress common.Address, gasLimit uint64) (*Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
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
		gasLimit:        gasLimit,
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.client.Close()
}

// ChainID returns the destination chain id.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// GetCommitStatus returns the authoritative status of an escrow.
func (c *Client) GetCommitStatus(ctx context.Context, initiator common.Address, data *Data) (CommitStatus, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.bound.Call(opts, &out, "getStatus", data.ClaimHash, initiator); err != nil {
		return StatusNotCommitted, fmt.Errorf("failed to get escrow status: %w", err)
	}
	return CommitStatus(out[0].(uint8)), nil
}

// GetClaimTxID returns the claim transaction hash recorded by the contract,
// or the zero hash when the escrow was never paid.
func (c *Client) GetClaimTxID(ctx context.Context, data *Data) (common.Hash, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.bound.Call(opts, &out, "getClaimTx", data.ClaimHash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to get claim tx: %w", err)
	}
	return common.Hash(out[0].([32]byte)), nil
}

// Commit initiates the escrow on chain using the LP-signed authorization.
// The contract itself re-verifies the signature; VerifyInitAuthorization
// should be called first so a stale authorization fails locally.
func (c *Client) Commit(ctx context.Context, key *ecdsa.PrivateKey, data *Data,
	authExpiry *big.Int, signature []byte) (*types.Transaction, error) {

	auth, err := c.newTransactor(ctx, key)
	if err != nil {
		return nil, err
	}
	if data.Token == (common.Address{}) {
		auth.Value = data.Amount
	}

	return c.bound.Transact(auth, "commit", data.ClaimHash, data.Claimer,
		data.Token, data.Amount, data.Expiry, authExpiry, signature)
}

// Claim settles the escrow by revealing the secret.
func (c *Client) Claim(ctx context.Context, key *ecdsa.PrivateKey, data *Data,
	secret [32]byte) (*types.Transaction, error) {

	auth, err := c.newTransactor(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.bound.Transact(auth, "claim", data.ClaimHash, secret)
}

// Refund returns escrowed funds to the offerer. Before chain expiry a
// cooperative signature from the LP is required; after expiry an empty
// signature selects the unilateral path.
func (c *Client) Refund(ctx context.Context, key *ecdsa.PrivateKey, data *Data,
	signature []byte) (*types.Transaction, error) {

	auth, err := c.newTransactor(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.bound.Transact(auth, "refund", data.ClaimHash, signature)
}

// WaitMined waits for a destination-chain transaction to be mined.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, c.client, tx)
}

func (c *Client) newTransactor(ctx context.Context, key *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasLimit = c.gasLimit
	return auth, nil
}
