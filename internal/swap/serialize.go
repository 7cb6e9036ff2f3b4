package swap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atlasswap/atlas/internal/backend"
	"github.com/atlasswap/atlas/internal/contracts/escrow"
	"github.com/atlasswap/atlas/internal/storage"
	"github.com/atlasswap/atlas/pkg/helpers"
)

// recordVersion is the current Data envelope format. Version 1 envelopes
// carried integer states; their state now lives only in the (migrated) flat
// column, so loading them takes the column value as authoritative.
const recordVersion = 2

// Envelopes are the persisted JSON forms. Bigints serialize as decimal
// strings, byte slices and hashes as unprefixed hex. The claim secret is
// never part of the envelope; it lives in the dedicated secrets table.

type pricingEnvelope struct {
	SwapPrice   string `json:"swap_price"`
	MarketPrice string `json:"market_price"`
	FeeShare    uint64 `json:"fee_share"`
	FeeTotal    string `json:"fee_total"`
	Resolved    bool   `json:"resolved"`
}

func newPricingEnvelope(p *PricingInfo) *pricingEnvelope {
	if p == nil {
		return nil
	}
	return &pricingEnvelope{
		SwapPrice:   helpers.BigIntToDecimal(p.SwapPrice),
		MarketPrice: helpers.BigIntToDecimal(p.MarketPrice),
		FeeShare:    p.FeeShare,
		FeeTotal:    helpers.BigIntToDecimal(p.FeeTotal),
		Resolved:    p.Resolved,
	}
}

func (e *pricingEnvelope) pricing() *PricingInfo {
	if e == nil {
		return nil
	}
	swapPrice, _ := helpers.DecimalToBigInt(e.SwapPrice)
	marketPrice, _ := helpers.DecimalToBigInt(e.MarketPrice)
	feeTotal, _ := helpers.DecimalToBigInt(e.FeeTotal)
	return &PricingInfo{
		SwapPrice:   swapPrice,
		MarketPrice: marketPrice,
		FeeShare:    e.FeeShare,
		FeeTotal:    feeTotal,
		Resolved:    e.Resolved,
	}
}

type escrowDataEnvelope struct {
	ClaimHash string `json:"claim_hash"`
	Offerer   string `json:"offerer"`
	Claimer   string `json:"claimer"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Expiry    string `json:"expiry"`
}

type escrowEnvelope struct {
	Version   int    `json:"version"`
	State     string `json:"state"`
	Direction string `json:"direction"`
	CreatedAt int64  `json:"created_at"`
	Expiry    int64  `json:"expiry"`

	Data escrowDataEnvelope `json:"data"`

	AuthExpiry    string `json:"auth_expiry,omitempty"`
	AuthSignature string `json:"auth_signature,omitempty"`

	BtcTxID        string `json:"btc_txid,omitempty"`
	RefundSequence uint64 `json:"refund_sequence"`

	CommitTxID string `json:"commit_txid,omitempty"`
	ClaimTxID  string `json:"claim_txid,omitempty"`
	RefundTxID string `json:"refund_txid,omitempty"`

	Pricing *pricingEnvelope `json:"pricing,omitempty"`
}

type vaultQuoteEnvelope struct {
	QuoteID    string `json:"quote_id"`
	VaultOwner string `json:"vault_owner"`
	VaultID    uint64 `json:"vault_id"`

	Recipient    string    `json:"recipient"`
	RawAmounts   [2]uint64 `json:"raw_amounts"`
	OutputTotals [2]uint64 `json:"output_totals"`

	CallerFeeShare   uint64 `json:"caller_fee_share"`
	FrontingFeeShare uint64 `json:"fronting_fee_share"`

	PayoutAddress string `json:"payout_address"`
	PayoutAmount  uint64 `json:"payout_amount"`

	UtxoTxID string `json:"utxo_txid"`
	UtxoVout uint32 `json:"utxo_vout"`

	Expiry int64 `json:"expiry"`
}

type vaultEnvelope struct {
	Version   int    `json:"version"`
	State     string `json:"state"`
	CreatedAt int64  `json:"created_at"`
	Expiry    int64  `json:"expiry"`

	Quote vaultQuoteEnvelope `json:"quote"`

	BtcTxID        string `json:"btc_txid,omitempty"`
	WithdrawalTx   string `json:"withdrawal_tx,omitempty"` // raw tx hex
	PsbtBase64     string `json:"psbt_base64,omitempty"`
	BtcConfirmedAt int64  `json:"btc_confirmed_at,omitempty"`

	FrontTxID string `json:"front_txid,omitempty"`
	ClaimTxID string `json:"claim_txid,omitempty"`

	Pricing *pricingEnvelope `json:"pricing,omitempty"`
}

// =============================================================================
// Escrow persistence
// =============================================================================

func (s *EscrowSwap) persistLocked() error {
	rec, err := s.storageRecordLocked()
	if err != nil {
		return err
	}
	return s.store.SaveSwap(rec)
}

func (s *EscrowSwap) storageRecordLocked() (*storage.SwapRecord, error) {
	env := escrowEnvelope{
		Version:   recordVersion,
		State:     string(s.state),
		Direction: string(s.direction),
		CreatedAt: s.createdAt.Unix(),
		Expiry:    s.expiry.Unix(),
		Data: escrowDataEnvelope{
			ClaimHash: helpers.BytesToHex(s.data.ClaimHash[:]),
			Offerer:   s.data.Offerer.Hex(),
			Claimer:   s.data.Claimer.Hex(),
			Token:     s.data.Token.Hex(),
			Amount:    helpers.BigIntToDecimal(s.data.Amount),
			Expiry:    helpers.BigIntToDecimal(s.data.Expiry),
		},
		BtcTxID:        s.btcTxID,
		RefundSequence: s.refundSequence,
		CommitTxID:     s.commitTxID,
		ClaimTxID:      s.claimTxID,
		RefundTxID:     s.refundTxID,
		Pricing:        newPricingEnvelope(s.pricing),
	}
	if s.auth != nil {
		env.AuthExpiry = helpers.BigIntToDecimal(s.auth.Expiry)
		env.AuthSignature = helpers.BytesToHex(s.auth.Signature)
	}

	data, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal swap %s: %w", s.id, err)
	}

	return &storage.SwapRecord{
		ID:        s.id,
		Kind:      storage.SwapKindEscrow,
		State:     string(s.state),
		ClaimHash: env.Data.ClaimHash,
		BtcTxID:   s.btcTxID,
		Initiated: s.initiated,
		Active:    !s.state.IsTerminal(),
		Version:   recordVersion,
		Data:      data,
		CreatedAt: s.createdAt,
	}, nil
}

// DeserializeEscrow rebuilds an escrow swap from its stored record. The
// claim secret, if any, must be re-attached separately via WithSecret.
func DeserializeEscrow(rec *storage.SwapRecord, deps EscrowDeps) (*EscrowSwap, error) {
	if rec.Kind != storage.SwapKindEscrow {
		return nil, fmt.Errorf("record %s is not an escrow swap", rec.ID)
	}

	var env escrowEnvelope
	if err := json.Unmarshal(rec.Data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal swap %s: %w", rec.ID, err)
	}

	state := EscrowState(env.State)
	if env.Version < 2 {
		// Version 1 envelopes carried integer states; the migrated flat
		// column holds the name.
		state = EscrowState(rec.State)
	}
	if state.rank() < 0 {
		return nil, fmt.Errorf("swap %s has unknown state %q", rec.ID, rec.State)
	}

	claimHash, err := helpers.HexToBytes(env.Data.ClaimHash)
	if err != nil || len(claimHash) != 32 {
		return nil, fmt.Errorf("swap %s has bad claim hash", rec.ID)
	}
	amount, ok := helpers.DecimalToBigInt(env.Data.Amount)
	if !ok {
		return nil, fmt.Errorf("swap %s has bad amount", rec.ID)
	}
	chainExpiry, ok := helpers.DecimalToBigInt(env.Data.Expiry)
	if !ok {
		return nil, fmt.Errorf("swap %s has bad chain expiry", rec.ID)
	}

	data := &escrow.Data{
		Offerer: common.HexToAddress(env.Data.Offerer),
		Claimer: common.HexToAddress(env.Data.Claimer),
		Token:   common.HexToAddress(env.Data.Token),
		Amount:  amount,
		Expiry:  chainExpiry,
	}
	copy(data.ClaimHash[:], claimHash)

	var auth *escrow.Authorization
	if env.AuthSignature != "" {
		sig, err := helpers.HexToBytes(env.AuthSignature)
		if err != nil {
			return nil, fmt.Errorf("swap %s has bad authorization signature", rec.ID)
		}
		authExpiry, ok := helpers.DecimalToBigInt(env.AuthExpiry)
		if !ok {
			return nil, fmt.Errorf("swap %s has bad authorization expiry", rec.ID)
		}
		auth = &escrow.Authorization{Expiry: authExpiry, Signature: sig}
	}

	s := &EscrowSwap{
		recordBase:     newRecordBase(rec.ID, time.Unix(env.Expiry, 0), deps.Store, deps.Log),
		state:          state,
		direction:      Direction(env.Direction),
		data:           data,
		auth:           auth,
		btcTxID:        env.BtcTxID,
		refundSequence: env.RefundSequence,
		deps:           deps,
	}
	s.createdAt = time.Unix(env.CreatedAt, 0)
	s.initiated = rec.Initiated
	s.commitTxID = env.CommitTxID
	s.claimTxID = env.ClaimTxID
	s.refundTxID = env.RefundTxID
	s.pricing = env.Pricing.pricing()
	return s, nil
}

// =============================================================================
// Vault persistence
// =============================================================================

func (s *VaultSwap) persistLocked() error {
	rec, err := s.storageRecordLocked()
	if err != nil {
		return err
	}
	return s.store.SaveSwap(rec)
}

func (s *VaultSwap) storageRecordLocked() (*storage.SwapRecord, error) {
	env := vaultEnvelope{
		Version:   recordVersion,
		State:     string(s.state),
		CreatedAt: s.createdAt.Unix(),
		Expiry:    s.expiry.Unix(),
		Quote: vaultQuoteEnvelope{
			QuoteID:          s.quote.QuoteID,
			VaultOwner:       s.quote.VaultOwner.Hex(),
			VaultID:          s.quote.VaultID,
			Recipient:        s.quote.Recipient.Hex(),
			RawAmounts:       s.quote.RawAmounts,
			OutputTotals:     s.quote.OutputTotals,
			CallerFeeShare:   s.quote.CallerFeeShare,
			FrontingFeeShare: s.quote.FrontingFeeShare,
			PayoutAddress:    s.quote.PayoutAddress,
			PayoutAmount:     s.quote.PayoutAmount,
			UtxoTxID:         s.quote.CurrentUtxo.TxID,
			UtxoVout:         s.quote.CurrentUtxo.Vout,
			Expiry:           s.quote.Expiry.Unix(),
		},
		BtcTxID:    s.btcTxID,
		PsbtBase64: s.psbtBase64,
		FrontTxID:  s.frontTxID,
		ClaimTxID:  s.claimTxID,
		Pricing:    newPricingEnvelope(s.pricing),
	}
	if s.withdrawal != nil {
		var buf bytes.Buffer
		if err := s.withdrawal.Tx.Serialize(&buf); err != nil {
			return nil, fmt.Errorf("failed to serialize withdrawal: %w", err)
		}
		env.WithdrawalTx = helpers.BytesToHex(buf.Bytes())
	}
	if !s.btcConfirmedAt.IsZero() {
		env.BtcConfirmedAt = s.btcConfirmedAt.Unix()
	}

	data, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal swap %s: %w", s.id, err)
	}

	return &storage.SwapRecord{
		ID:        s.id,
		Kind:      storage.SwapKindVault,
		State:     string(s.state),
		BtcTxID:   s.btcTxID,
		Initiated: s.initiated,
		Active:    !s.state.IsTerminal(),
		Version:   recordVersion,
		Data:      data,
		CreatedAt: s.createdAt,
	}, nil
}

// DeserializeVault rebuilds a vault swap from its stored record.
func DeserializeVault(rec *storage.SwapRecord, deps VaultDeps) (*VaultSwap, error) {
	if rec.Kind != storage.SwapKindVault {
		return nil, fmt.Errorf("record %s is not a vault swap", rec.ID)
	}

	var env vaultEnvelope
	if err := json.Unmarshal(rec.Data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal swap %s: %w", rec.ID, err)
	}

	state := VaultState(env.State)
	if env.Version < 2 {
		state = VaultState(rec.State)
	}
	if state.rank() < 0 {
		return nil, fmt.Errorf("swap %s has unknown state %q", rec.ID, rec.State)
	}

	quote := &VaultQuote{
		QuoteID:          env.Quote.QuoteID,
		VaultOwner:       common.HexToAddress(env.Quote.VaultOwner),
		VaultID:          env.Quote.VaultID,
		Recipient:        common.HexToAddress(env.Quote.Recipient),
		RawAmounts:       env.Quote.RawAmounts,
		OutputTotals:     env.Quote.OutputTotals,
		CallerFeeShare:   env.Quote.CallerFeeShare,
		FrontingFeeShare: env.Quote.FrontingFeeShare,
		PayoutAddress:    env.Quote.PayoutAddress,
		PayoutAmount:     env.Quote.PayoutAmount,
		CurrentUtxo:      backend.OutPoint{TxID: env.Quote.UtxoTxID, Vout: env.Quote.UtxoVout},
		Expiry:           time.Unix(env.Quote.Expiry, 0),
	}

	s := &VaultSwap{
		recordBase: newRecordBase(rec.ID, time.Unix(env.Expiry, 0), deps.Store, deps.Log),
		state:      state,
		quote:      quote,
		btcTxID:    env.BtcTxID,
		psbtBase64: env.PsbtBase64,
		frontTxID:  env.FrontTxID,
		deps:       deps,
	}
	s.createdAt = time.Unix(env.CreatedAt, 0)
	s.initiated = rec.Initiated
	s.claimTxID = env.ClaimTxID
	s.pricing = env.Pricing.pricing()
	if env.BtcConfirmedAt > 0 {
		s.btcConfirmedAt = time.Unix(env.BtcConfirmedAt, 0)
	}

	if env.WithdrawalTx != "" {
		raw, err := helpers.HexToBytes(env.WithdrawalTx)
		if err != nil {
			return nil, fmt.Errorf("swap %s has bad withdrawal tx: %w", rec.ID, err)
		}
		w, err := ParseWithdrawalBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("swap %s has bad withdrawal tx: %w", rec.ID, err)
		}
		s.withdrawal = w
	}

	return s, nil
}

// Deserialize rebuilds either swap variant, dispatching on the record kind.
func Deserialize(rec *storage.SwapRecord, escrowDeps EscrowDeps, vaultDeps VaultDeps) (Record, error) {
	switch rec.Kind {
	case storage.SwapKindEscrow:
		return DeserializeEscrow(rec, escrowDeps)
	case storage.SwapKindVault:
		return DeserializeVault(rec, vaultDeps)
	default:
		return nil, fmt.Errorf("record %s has unknown kind %q", rec.ID, rec.Kind)
	}
}
