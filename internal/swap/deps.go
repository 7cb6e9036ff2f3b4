package swap

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/atlasswap/atlas/internal/backend"
	"github.com/atlasswap/atlas/internal/chain"
	"github.com/atlasswap/atlas/internal/config"
	"github.com/atlasswap/atlas/internal/contracts/escrow"
	"github.com/atlasswap/atlas/internal/contracts/vault"
	"github.com/atlasswap/atlas/internal/intermediary"
	"github.com/atlasswap/atlas/pkg/logging"
)

// Collaborator interfaces. The concrete clients in internal/contracts and
// internal/intermediary satisfy them; tests use fakes.

// EscrowContract is the destination-chain escrow surface the state machine
// depends on.
type EscrowContract interface {
	GetCommitStatus(ctx context.Context, initiator common.Address, data *escrow.Data) (escrow.CommitStatus, error)
	GetClaimTxID(ctx context.Context, data *escrow.Data) (common.Hash, error)
	Commit(ctx context.Context, key *ecdsa.PrivateKey, data *escrow.Data, authExpiry *big.Int, signature []byte) (*types.Transaction, error)
	Claim(ctx context.Context, key *ecdsa.PrivateKey, data *escrow.Data, secret [32]byte) (*types.Transaction, error)
	Refund(ctx context.Context, key *ecdsa.PrivateKey, data *escrow.Data, signature []byte) (*types.Transaction, error)
}

// VaultContract is the destination-chain SPV vault surface.
type VaultContract interface {
	GetVault(ctx context.Context, owner common.Address, vaultID *big.Int) (*vault.Vault, error)
	GetWithdrawalState(ctx context.Context, btcTxID string) (*vault.WithdrawalState, error)
	Claim(ctx context.Context, key *ecdsa.PrivateKey, btcTxID string, blockHeader []byte, merkleProof [][32]byte, position *big.Int) (*types.Transaction, error)
}

// Intermediary is the LP API surface the state machine depends on.
type Intermediary interface {
	GetRefundAuthorization(ctx context.Context, claimHash string, sequence uint64) (*intermediary.RefundAuthorization, error)
	InitSpvFromBTC(ctx context.Context, quoteID string, psbtBase64 string) (*intermediary.SpvInitResult, error)
}

// EscrowDeps bundles the collaborators an escrow swap needs.
type EscrowDeps struct {
	Contract EscrowContract
	Bitcoin  backend.Backend
	LP       Intermediary
	LPSigner common.Address // address whose authorizations we accept
	Key      *ecdsa.PrivateKey
	Store    RecordStore
	Log      *logging.Logger
	Config   *config.SwapConfig
}

// VaultDeps bundles the collaborators a vault swap needs.
type VaultDeps struct {
	Contract VaultContract
	Bitcoin  backend.Backend
	LP       Intermediary
	Key      *ecdsa.PrivateKey
	Network  chain.Network
	// MaxTraceDepth bounds how many unconfirmed vault-spending transactions
	// quote verification will trace backward.
	MaxTraceDepth int
	Store         RecordStore
	Log           *logging.Logger
	Config        *config.SwapConfig
}

// VerifyQuote checks an LP vault quote against chain truth using the
// configured trace bound. See VerifyVaultQuote.
func (d VaultDeps) VerifyQuote(ctx context.Context, q *VaultQuote) error {
	return VerifyVaultQuote(ctx, d.Bitcoin, d.Contract, q, d.MaxTraceDepth)
}
