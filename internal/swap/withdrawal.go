package swap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atlasswap/atlas/internal/backend"
	"github.com/atlasswap/atlas/pkg/helpers"
)

// A vault withdrawal is a self-describing Bitcoin transaction:
//
//   input  0    spends the prior vault UTXO; low 20 bits of nSequence carry
//               the caller fee share
//   input  1    fee input; low 20 bits of nSequence carry the fronting fee
//               share
//   output 0    continuation output re-locking the vault under the same
//               script (the new vault UTXO)
//   output 1    OP_RETURN: 20-byte recipient address, two 8-byte big-endian
//               raw token amounts
//   output 2    LP payout output (the BTC the user pays for the swap)
//
// Fee shares are parts per 100,000 of the withdrawn amounts.

// Withdrawal parsing errors
var (
	ErrMalformedWithdrawal = errors.New("malformed withdrawal transaction")
)

const (
	withdrawalMinInputs  = 2
	withdrawalMinOutputs = 3
	opReturnPayloadLen   = 36 // 20-byte recipient + 2 * 8-byte amount

	// feeShareMask extracts a fee share from an input's nSequence. 20 bits
	// comfortably hold the parts-per-100k base.
	feeShareMask = 0xFFFFF
)

// Withdrawal is the parsed descriptor of one vault-spending transaction.
type Withdrawal struct {
	TxID string

	// PriorUtxo is the vault UTXO this withdrawal spends.
	PriorUtxo backend.OutPoint
	// NewUtxo is the continuation output created by this withdrawal.
	NewUtxo backend.OutPoint
	// VaultScript is the continuation output's locking script. Must equal
	// the prior vault script for the chain to be continuous.
	VaultScript []byte

	// Recipient is the destination-chain address receiving the tokens.
	Recipient common.Address
	// RawAmounts are the withdrawn amounts in raw vault units, before the
	// per-token multiplier scaling.
	RawAmounts [2]uint64

	// Fee shares in parts per 100,000.
	CallerFeeShare   uint64
	FrontingFeeShare uint64

	// LP payout: the Bitcoin the user pays, and the script it pays to.
	PayoutScript []byte
	PayoutAmount uint64

	Tx *wire.MsgTx
}

// ParseWithdrawal re-derives the withdrawal descriptor from a raw Bitcoin
// transaction. It validates structure only; checking the descriptor against
// a quote is the caller's job.
func ParseWithdrawal(tx *wire.MsgTx) (*Withdrawal, error) {
	if len(tx.TxIn) < withdrawalMinInputs {
		return nil, fmt.Errorf("%w: %d inputs, need at least %d",
			ErrMalformedWithdrawal, len(tx.TxIn), withdrawalMinInputs)
	}
	if len(tx.TxOut) < withdrawalMinOutputs {
		return nil, fmt.Errorf("%w: %d outputs, need at least %d",
			ErrMalformedWithdrawal, len(tx.TxOut), withdrawalMinOutputs)
	}

	// Continuation output.
	cont := tx.TxOut[0]
	if len(cont.PkScript) == 0 {
		return nil, fmt.Errorf("%w: empty continuation script", ErrMalformedWithdrawal)
	}

	// OP_RETURN descriptor.
	opret := tx.TxOut[1]
	if len(opret.PkScript) == 0 || opret.PkScript[0] != txscript.OP_RETURN {
		return nil, fmt.Errorf("%w: output 1 is not OP_RETURN", ErrMalformedWithdrawal)
	}
	pushes, err := txscript.PushedData(opret.PkScript)
	if err != nil {
		return nil, fmt.Errorf("%w: bad OP_RETURN script: %v", ErrMalformedWithdrawal, err)
	}
	if len(pushes) != 1 || len(pushes[0]) != opReturnPayloadLen {
		return nil, fmt.Errorf("%w: OP_RETURN payload must be %d bytes",
			ErrMalformedWithdrawal, opReturnPayloadLen)
	}
	payload := pushes[0]

	callerShare := uint64(tx.TxIn[0].Sequence) & feeShareMask
	frontingShare := uint64(tx.TxIn[1].Sequence) & feeShareMask
	if callerShare > helpers.FeeShareBase || frontingShare > helpers.FeeShareBase {
		return nil, fmt.Errorf("%w: fee share exceeds base %d",
			ErrMalformedWithdrawal, helpers.FeeShareBase)
	}

	payout := tx.TxOut[2]
	if payout.Value < 0 {
		return nil, fmt.Errorf("%w: negative payout amount", ErrMalformedWithdrawal)
	}

	txID := tx.TxHash().String()
	w := &Withdrawal{
		TxID: txID,
		PriorUtxo: backend.OutPoint{
			TxID: tx.TxIn[0].PreviousOutPoint.Hash.String(),
			Vout: tx.TxIn[0].PreviousOutPoint.Index,
		},
		NewUtxo:          backend.OutPoint{TxID: txID, Vout: 0},
		VaultScript:      cont.PkScript,
		CallerFeeShare:   callerShare,
		FrontingFeeShare: frontingShare,
		PayoutScript:     payout.PkScript,
		PayoutAmount:     uint64(payout.Value),
		Tx:               tx,
	}

	copy(w.Recipient[:], payload[:20])
	w.RawAmounts[0] = binary.BigEndian.Uint64(payload[20:28])
	w.RawAmounts[1] = binary.BigEndian.Uint64(payload[28:36])

	return w, nil
}

// ParseWithdrawalBytes deserializes and parses a raw transaction.
func ParseWithdrawalBytes(raw []byte) (*Withdrawal, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWithdrawal, err)
	}
	return ParseWithdrawal(&tx)
}

// totalOwed returns the raw amount a withdrawal removes from one token
// balance, including the caller and fronting fee shares (rounded up).
func (w *Withdrawal) totalOwed(token int) uint64 {
	amount := w.RawAmounts[token]
	if amount == 0 {
		return 0
	}
	return amount +
		helpers.ApplyFeeShare(amount, w.CallerFeeShare) +
		helpers.ApplyFeeShare(amount, w.FrontingFeeShare)
}
