package swap

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/atlasswap/atlas/internal/backend"
	"github.com/atlasswap/atlas/internal/contracts/escrow"
	"github.com/atlasswap/atlas/pkg/helpers"
)

// EscrowQuote is an LP's offer for an escrow-backed swap. The engine turns an
// accepted quote into an EscrowSwap.
type EscrowQuote struct {
	QuoteID string

	Direction Direction
	Data      *escrow.Data
	Auth      *escrow.Authorization

	// BitcoinAddress receives (ToBTC) or pays (FromBTC) the Bitcoin side.
	BitcoinAddress string
	// BitcoinAmount in satoshis.
	BitcoinAmount uint64

	Expiry  time.Time
	Pricing *PricingInfo
}

// VaultQuote is an LP's offer for an SPV-vault withdrawal swap. CurrentUtxo
// is the LP's declared vault tip, possibly several unconfirmed withdrawals
// ahead of the contract's view; VerifyVaultQuote bridges the gap.
type VaultQuote struct {
	QuoteID string

	VaultOwner common.Address
	VaultID    uint64

	// Recipient receives the destination-chain tokens.
	Recipient common.Address
	// RawAmounts are the withdrawn amounts in raw vault units per token.
	RawAmounts [2]uint64
	// OutputTotals are the expected destination-chain amounts per token,
	// after multiplier scaling. A quote whose totals disagree with
	// RawAmounts * multiplier is rejected at PSBT submission.
	OutputTotals [2]uint64

	// Fee shares in parts per 100,000.
	CallerFeeShare   uint64
	FrontingFeeShare uint64

	// LP payout leg on the Bitcoin side.
	PayoutAddress string
	PayoutAmount  uint64

	// CurrentUtxo is the vault UTXO the withdrawal must spend.
	CurrentUtxo backend.OutPoint

	Expiry  time.Time
	Pricing *PricingInfo
}

// NewEscrowSwap builds a fresh swap record from an accepted quote. The record
// is not persisted or initiated; Commit does both.
func NewEscrowSwap(q *EscrowQuote, deps EscrowDeps) (*EscrowSwap, error) {
	if q.Data == nil {
		return nil, fmt.Errorf("quote %s has no escrow data", q.QuoteID)
	}
	if q.Direction == ToBTC && q.Auth == nil {
		return nil, fmt.Errorf("quote %s has no initiation authorization", q.QuoteID)
	}

	s := &EscrowSwap{
		recordBase: newRecordBase(uuid.NewString(), q.Expiry, deps.Store, deps.Log),
		state:      EscrowCreated,
		direction:  q.Direction,
		data:       q.Data,
		auth:       q.Auth,
		deps:       deps,
	}
	s.refinePricingLocked(q.Pricing)
	return s, nil
}

// WithSecret attaches the claim preimage, checking it against the escrow's
// claim hash. FromBTC swaps generate the secret locally before requesting a
// quote; resumption re-attaches it from encrypted storage.
func (s *EscrowSwap) WithSecret(secret [32]byte) error {
	if escrow.ClaimHash(secret) != s.data.ClaimHash {
		return fmt.Errorf("secret does not match claim hash for swap %s", s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = secret
	s.hasSecret = true
	return nil
}

// NewVaultSwap builds a fresh swap record from an accepted vault quote. The
// quote must already have passed VerifyVaultQuote.
func NewVaultSwap(q *VaultQuote, deps VaultDeps) (*VaultSwap, error) {
	if q.CurrentUtxo.TxID == "" {
		return nil, fmt.Errorf("quote %s has no current vault utxo", q.QuoteID)
	}
	if q.CallerFeeShare > helpers.FeeShareBase || q.FrontingFeeShare > helpers.FeeShareBase {
		return nil, fmt.Errorf("quote %s fee share exceeds base", q.QuoteID)
	}

	s := &VaultSwap{
		recordBase: newRecordBase(uuid.NewString(), q.Expiry, deps.Store, deps.Log),
		state:      VaultCreated,
		quote:      q,
		deps:       deps,
	}
	s.refinePricingLocked(q.Pricing)
	return s, nil
}
