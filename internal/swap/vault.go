package swap

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/atlasswap/atlas/internal/backend"
	"github.com/atlasswap/atlas/internal/contracts/vault"
	"github.com/atlasswap/atlas/internal/storage"
	"github.com/atlasswap/atlas/internal/wallet"
	"github.com/atlasswap/atlas/pkg/helpers"
)

// VaultSwap is an SPV-vault withdrawal swap record and its state machine.
// The user funds and signs the withdrawal transaction; the LP fronts the
// destination-chain tokens once it sees the signed transaction, and the
// contract settles against an SPV proof of the Bitcoin confirmation. Unlike
// the escrow flow there is nothing to refund: until the withdrawal is
// broadcast no funds have moved, and after it confirms the contract pays out.
type VaultSwap struct {
	recordBase

	state VaultState
	quote *VaultQuote

	// withdrawal is the parsed signed transaction, set by SubmitPSBT.
	withdrawal *Withdrawal
	// psbtBase64 is retained for intermediary resubmission.
	psbtBase64 string

	// btcTxID is the withdrawal's Bitcoin txid, set once signed.
	btcTxID string
	// btcConfirmedAt starts the manual-claim grace window.
	btcConfirmedAt time.Time

	// frontTxID is the destination-chain fronting transaction.
	frontTxID string

	deps VaultDeps
}

// State returns the current lifecycle state.
func (s *VaultSwap) State() VaultState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Kind implements Record.
func (s *VaultSwap) Kind() storage.SwapKind { return storage.SwapKindVault }

// StateName implements Record.
func (s *VaultSwap) StateName() string { return string(s.State()) }

// IsTerminal implements Record.
func (s *VaultSwap) IsTerminal() bool { return s.State().IsTerminal() }

// Quote returns the accepted quote backing this swap.
func (s *VaultSwap) Quote() *VaultQuote { return s.quote }

// BtcTxID returns the withdrawal's Bitcoin txid, empty until signed.
func (s *VaultSwap) BtcTxID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.btcTxID
}

// FrontTxID returns the destination-chain fronting transaction id.
func (s *VaultSwap) FrontTxID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontTxID
}

// =============================================================================
// State funnel
// =============================================================================

func (s *VaultSwap) commitStateLocked(next VaultState) error {
	prev := s.state
	s.state = next
	if err := s.persistLocked(); err != nil {
		s.state = prev
		return fmt.Errorf("failed to persist state %s: %w", next, err)
	}
	s.log.Info("State change", "from", prev, "to", next)
	s.notifyLocked()
	return nil
}

func (s *VaultSwap) setStateLocked(next VaultState) error {
	if next == s.state {
		return nil
	}
	if !s.state.canTransitionTo(next) {
		return &InvalidStateError{Op: "enter " + string(next), State: string(s.state)}
	}
	return s.commitStateLocked(next)
}

// forceSetLocked applies a state implied by an authoritative chain read,
// skipping intermediates. Never regresses, never leaves a terminal state.
func (s *VaultSwap) forceSetLocked(next VaultState) error {
	if s.state.IsTerminal() || next.rank() <= s.state.rank() {
		return nil
	}
	return s.commitStateLocked(next)
}

// =============================================================================
// Quote verification
// =============================================================================

// VerifyVaultQuote checks an LP vault quote against chain truth before the
// user signs anything. It traces the LP's declared UTXO back to the
// contract-confirmed one, replays the pending withdrawals against the
// vault's balances, and confirms the remainder covers this quote, fees
// included. Any violation is an EconomicError; the quote must be discarded.
func VerifyVaultQuote(ctx context.Context, b backend.Backend, contract VaultContract,
	q *VaultQuote, maxDelta int) error {

	v, err := contract.GetVault(ctx, q.VaultOwner, new(big.Int).SetUint64(q.VaultID))
	if err != nil {
		return fmt.Errorf("failed to fetch vault: %w", err)
	}

	for token := 0; token < 2; token++ {
		scaled := new(big.Int).SetUint64(q.RawAmounts[token])
		scaled.Mul(scaled, v.Balances[token].Multiplier)
		if scaled.Cmp(new(big.Int).SetUint64(q.OutputTotals[token])) != 0 {
			return economicErrorf(
				"quote %s output total for token %d does not match raw amount after scaling",
				q.QuoteID, token)
		}
	}

	confirmed := backend.OutPoint{TxID: v.UtxoTxID, Vout: v.UtxoVout}
	pending, err := TraceWithdrawals(ctx, b, q.CurrentUtxo, confirmed, maxDelta)
	if err != nil {
		return err
	}

	balances := [2]*big.Int{v.Balances[0].Amount, v.Balances[1].Amount}
	remaining, err := replayWithdrawals(balances, pending)
	if err != nil {
		return err
	}

	for token := 0; token < 2; token++ {
		amount := q.RawAmounts[token]
		if amount == 0 {
			continue
		}
		owed := new(big.Int).SetUint64(amount +
			helpers.ApplyFeeShare(amount, q.CallerFeeShare) +
			helpers.ApplyFeeShare(amount, q.FrontingFeeShare))
		if remaining[token].Cmp(owed) < 0 {
			return economicErrorf(
				"vault cannot cover quote %s: token %d owes %s, vault has %s",
				q.QuoteID, token, owed, remaining[token])
		}
	}

	return nil
}

// =============================================================================
// User actions
// =============================================================================

// SubmitPSBT takes the user's finalized PSBT, re-derives the withdrawal it
// performs, and validates every economic field against the accepted quote
// before anything leaves the machine. On success the swap advances to SIGNED,
// the PSBT goes to the intermediary, and acceptance advances to POSTED. A
// rejection by the intermediary is terminal (DECLINED).
func (s *VaultSwap) SubmitPSBT(ctx context.Context, packet *psbt.Packet) error {
	now := time.Now()

	s.mu.Lock()
	if s.state != VaultCreated {
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "submit psbt", State: string(st)}
	}
	if isExpired(s.expiry, now) {
		s.mu.Unlock()
		return ErrQuoteExpired
	}
	if isSoftExpired(s.expiry, now, s.deps.Config.SoftExpiryWindow) {
		s.mu.Unlock()
		return ErrQuoteSoftExpired
	}
	s.mu.Unlock()

	tx, err := psbt.Extract(packet)
	if err != nil {
		return fmt.Errorf("failed to extract transaction from psbt: %w", err)
	}
	w, err := ParseWithdrawal(tx)
	if err != nil {
		return err
	}

	if err := s.validateWithdrawal(ctx, w); err != nil {
		return err
	}

	b64, err := packet.B64Encode()
	if err != nil {
		return fmt.Errorf("failed to encode psbt: %w", err)
	}

	s.mu.Lock()
	s.withdrawal = w
	s.btcTxID = w.TxID
	s.psbtBase64 = b64
	s.initiated = true
	if err := s.setStateLocked(VaultSigned); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	return s.postToIntermediary(ctx)
}

// RepostPSBT retries intermediary submission after a transient failure left
// the swap in SIGNED.
func (s *VaultSwap) RepostPSBT(ctx context.Context) error {
	if st := s.State(); st != VaultSigned {
		return &InvalidStateError{Op: "repost psbt", State: string(st)}
	}
	return s.postToIntermediary(ctx)
}

func (s *VaultSwap) postToIntermediary(ctx context.Context) error {
	s.mu.Lock()
	b64 := s.psbtBase64
	s.mu.Unlock()

	res, err := s.deps.LP.InitSpvFromBTC(ctx, s.quote.QuoteID, b64)
	if err != nil {
		// Transient: the swap stays SIGNED and the submission can be retried.
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !res.Accepted {
		if err := s.setStateLocked(VaultDeclined); err != nil {
			return err
		}
		return fmt.Errorf("intermediary declined withdrawal: %s", res.Reason)
	}
	return s.setStateLocked(VaultPosted)
}

// validateWithdrawal checks the user-signed transaction against the quote
// and against chain truth. Everything here runs before any signature leaves
// the machine, so a failure costs nothing.
func (s *VaultSwap) validateWithdrawal(ctx context.Context, w *Withdrawal) error {
	q := s.quote

	if w.PriorUtxo != q.CurrentUtxo {
		return economicErrorf("withdrawal spends %s:%d, quote expects %s:%d",
			w.PriorUtxo.TxID, w.PriorUtxo.Vout, q.CurrentUtxo.TxID, q.CurrentUtxo.Vout)
	}
	if w.Recipient != q.Recipient {
		return economicErrorf("withdrawal recipient %s does not match quote", w.Recipient.Hex())
	}
	if w.RawAmounts != q.RawAmounts {
		return economicErrorf("withdrawal amounts %v do not match quote %v",
			w.RawAmounts, q.RawAmounts)
	}
	if w.CallerFeeShare != q.CallerFeeShare || w.FrontingFeeShare != q.FrontingFeeShare {
		return economicErrorf("withdrawal fee shares (%d, %d) do not match quote (%d, %d)",
			w.CallerFeeShare, w.FrontingFeeShare, q.CallerFeeShare, q.FrontingFeeShare)
	}

	payoutScript, err := wallet.AddressToScript(q.PayoutAddress, s.deps.Network)
	if err != nil {
		return fmt.Errorf("bad quote payout address: %w", err)
	}
	if !bytes.Equal(w.PayoutScript, payoutScript) {
		return economicErrorf("withdrawal payout script does not pay quote address %s", q.PayoutAddress)
	}
	if w.PayoutAmount != q.PayoutAmount {
		return economicErrorf("withdrawal payout %d does not match quote %d",
			w.PayoutAmount, q.PayoutAmount)
	}

	// Continuation must re-lock under the same script the spent UTXO used.
	raw, err := s.deps.Bitcoin.GetRawTransaction(ctx, q.CurrentUtxo.TxID)
	if err != nil {
		return fmt.Errorf("failed to fetch prior vault transaction: %w", err)
	}
	prior, err := ParseWithdrawalBytes(raw)
	if err == nil {
		if !bytes.Equal(prior.VaultScript, w.VaultScript) {
			return economicErrorf("withdrawal does not re-lock under the vault script")
		}
	}

	spent, err := backend.IsSpent(ctx, s.deps.Bitcoin, q.CurrentUtxo)
	if err != nil {
		return fmt.Errorf("failed to check vault utxo: %w", err)
	}
	if spent {
		return economicErrorf("vault utxo %s:%d already spent",
			q.CurrentUtxo.TxID, q.CurrentUtxo.Vout)
	}

	return nil
}

// WaitForBroadcast blocks until the signed withdrawal appears on the Bitcoin
// network. The intermediary broadcasts it; we only observe.
func (s *VaultSwap) WaitForBroadcast(ctx context.Context, timeout time.Duration) (bool, error) {
	check := func() bool {
		return s.State().rank() >= VaultBroadcasted.rank()
	}
	poll := func(ctx context.Context) (bool, error) {
		s.mu.Lock()
		txID := s.btcTxID
		s.mu.Unlock()
		if txID == "" {
			return false, nil
		}

		_, err := s.deps.Bitcoin.GetTransaction(ctx, txID)
		if err != nil {
			if err == backend.ErrTxNotFound {
				return false, nil
			}
			return false, err
		}

		s.mu.Lock()
		ferr := s.forceSetLocked(VaultBroadcasted)
		s.mu.Unlock()
		if ferr != nil {
			return false, ferr
		}
		return true, nil
	}
	return waitFor(ctx, &s.recordBase, s.log, s.deps.Config.PollInterval, timeout, check, poll)
}

// WaitForBitcoinConfirmation blocks until the withdrawal confirms on
// Bitcoin. Confirmation starts the manual-claim grace window.
func (s *VaultSwap) WaitForBitcoinConfirmation(ctx context.Context, timeout time.Duration) (bool, error) {
	check := func() bool {
		st := s.State()
		return st == VaultBtcTxConfirmed || st.rank() > VaultBtcTxConfirmed.rank()
	}
	poll := func(ctx context.Context) (bool, error) {
		s.mu.Lock()
		txID := s.btcTxID
		s.mu.Unlock()
		if txID == "" {
			return false, nil
		}

		tx, err := s.deps.Bitcoin.GetTransaction(ctx, txID)
		if err != nil {
			if err == backend.ErrTxNotFound {
				return false, nil
			}
			return false, err
		}
		if !tx.Confirmed {
			return false, nil
		}
		if err := s.markBitcoinConfirmed(); err != nil {
			return false, err
		}
		return true, nil
	}
	return waitFor(ctx, &s.recordBase, s.log, s.deps.Config.PollInterval, timeout, check, poll)
}

// WaitForSettlement blocks until the contract settles the withdrawal:
// fronted by the LP, claimed against an SPV proof, or closed.
func (s *VaultSwap) WaitForSettlement(ctx context.Context, timeout time.Duration) (bool, error) {
	check := func() bool {
		st := s.State()
		return st == VaultClaimed || st == VaultClosed || st == VaultFronted
	}
	poll := func(ctx context.Context) (bool, error) {
		if err := s.SyncState(ctx); err != nil {
			return false, err
		}
		return check(), nil
	}
	return waitFor(ctx, &s.recordBase, s.log, s.deps.Config.PollInterval, timeout, check, poll)
}

// markBitcoinConfirmed records the confirmation time and advances the state.
func (s *VaultSwap) markBitcoinConfirmed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.btcConfirmedAt.IsZero() {
		s.btcConfirmedAt = time.Now()
	}
	return s.forceSetLocked(VaultBtcTxConfirmed)
}

// Claim settles the withdrawal manually by submitting an SPV proof to the
// contract. Normally a watchtower does this; manual claiming is only
// permitted after the grace window since Bitcoin confirmation has passed
// without automatic settlement.
func (s *VaultSwap) Claim(ctx context.Context) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "claim", State: string(st)}
	}
	if s.btcConfirmedAt.IsZero() {
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "claim", State: string(st)}
	}
	confirmedAt := s.btcConfirmedAt
	txID := s.btcTxID
	s.mu.Unlock()

	if wait := time.Until(confirmedAt.Add(s.deps.Config.ClaimGraceWindow)); wait > 0 {
		return fmt.Errorf("claim grace window open for another %s", wait.Round(time.Second))
	}

	btcTx, err := s.deps.Bitcoin.GetTransaction(ctx, txID)
	if err != nil {
		return fmt.Errorf("failed to fetch withdrawal transaction: %w", err)
	}
	if !btcTx.Confirmed {
		return fmt.Errorf("withdrawal %s no longer confirmed", txID)
	}

	header, err := s.deps.Bitcoin.GetBlockHeader(ctx, btcTx.BlockHash)
	if err != nil {
		return fmt.Errorf("failed to fetch block header: %w", err)
	}
	proof, err := s.deps.Bitcoin.GetMerkleProof(ctx, txID)
	if err != nil {
		return fmt.Errorf("failed to fetch merkle proof: %w", err)
	}
	hashes, err := vault.MerkleHashes(proof.Merkle)
	if err != nil {
		return fmt.Errorf("bad merkle proof: %w", err)
	}

	tx, err := s.deps.Contract.Claim(ctx, s.deps.Key, txID, header, hashes, big.NewInt(proof.Pos))
	if err != nil {
		return fmt.Errorf("failed to claim withdrawal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markClaimedLocked(tx.Hash().Hex())
}

// markClaimedLocked force-advances to CLAIMED, recording txHash as the claim
// breadcrumb. A breadcrumb written here rolls back together with the state if
// the persist fails, so a recorded claim txid never outlives a failed CLAIMED
// transition.
func (s *VaultSwap) markClaimedLocked(txHash string) error {
	wroteCrumb := txHash != "" && setBreadcrumbLocked(&s.claimTxID, txHash)
	if err := s.forceSetLocked(VaultClaimed); err != nil {
		if wroteCrumb {
			s.claimTxID = ""
		}
		return err
	}
	return nil
}

// =============================================================================
// Reconciliation
// =============================================================================

// Tick advances time-only transitions. Once the withdrawal is broadcast the
// quote expiry no longer matters: the transaction either confirms or the
// UTXO is spent another way, both handled by SyncState.
func (s *VaultSwap) Tick(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case VaultCreated:
		if isExpired(s.expiry, now) {
			return s.setStateLocked(VaultQuoteExpired)
		}
		if isSoftExpired(s.expiry, now, s.deps.Config.SoftExpiryWindow) {
			return s.setStateLocked(VaultQuoteSoftExpired)
		}
	case VaultQuoteSoftExpired, VaultSigned, VaultPosted:
		if isExpired(s.expiry, now) {
			return s.setStateLocked(VaultQuoteExpired)
		}
	}
	return nil
}

// SyncState reconciles against the contract's withdrawal state and, while
// the withdrawal is still in flight, against the spend status of the vault
// UTXO. The latter is the double-spend detector: a competing spend of the
// quoted UTXO invalidates this swap.
func (s *VaultSwap) SyncState(ctx context.Context) error {
	s.mu.Lock()
	txID := s.btcTxID
	state := s.state
	s.mu.Unlock()

	if txID == "" || state.IsTerminal() {
		return nil
	}

	ws, err := s.deps.Contract.GetWithdrawalState(ctx, txID)
	if err != nil {
		return fmt.Errorf("failed to read withdrawal state: %w", err)
	}
	if ws.Kind != vault.StateNotFound {
		return s.applySettlement(ws.Kind, ws.TxHash.Hex())
	}

	// Not settled yet. Watch the quoted UTXO while our spend of it is still
	// unconfirmed.
	if state.rank() >= VaultSigned.rank() && state.rank() <= VaultBroadcasted.rank() {
		out, err := s.deps.Bitcoin.GetOutspend(ctx, s.quote.CurrentUtxo)
		if err != nil {
			return fmt.Errorf("failed to check vault utxo: %w", err)
		}
		if out.Spent {
			s.mu.Lock()
			defer s.mu.Unlock()
			if out.SpendingTxID == txID {
				return s.forceSetLocked(VaultBroadcasted)
			}
			// Competing spend: the quoted UTXO is gone. Before our broadcast
			// that just voids the quote; after it, funds were at stake.
			s.log.Warn("Vault utxo spent by competing transaction",
				"utxo", s.quote.CurrentUtxo.TxID, "spender", out.SpendingTxID)
			if s.state.rank() < VaultBroadcasted.rank() {
				return s.setStateLocked(VaultQuoteExpired)
			}
			return s.setStateLocked(VaultFailed)
		}
	}

	return nil
}

// ApplyEvent applies a pushed contract settlement event. Events for other
// withdrawals are ignored; duplicates are no-ops.
func (s *VaultSwap) ApplyEvent(ev *vault.Event) error {
	s.mu.Lock()
	txID := s.btcTxID
	s.mu.Unlock()
	if ev.BtcTxID != txID {
		return nil
	}
	return s.applySettlement(ev.Kind, ev.TxHash.Hex())
}

func (s *VaultSwap) applySettlement(kind vault.StateKind, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case vault.StateFronted:
		setBreadcrumbLocked(&s.frontTxID, txHash)
		return s.forceSetLocked(VaultFronted)
	case vault.StateClaimed:
		return s.markClaimedLocked(txHash)
	case vault.StateClosed:
		if s.state.canTransitionTo(VaultClosed) {
			return s.setStateLocked(VaultClosed)
		}
		return nil
	default:
		return nil
	}
}
