package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/atlasswap/atlas/internal/contracts/escrow"
	"github.com/atlasswap/atlas/internal/intermediary"
	"github.com/atlasswap/atlas/internal/storage"
	"github.com/atlasswap/atlas/pkg/helpers"
)

// Direction of an escrow swap from the user's point of view.
type Direction string

const (
	// ToBTC: the user locks tokens in the escrow and receives Bitcoin.
	ToBTC Direction = "to_btc"
	// FromBTC: the user pays Bitcoin and claims tokens from the escrow.
	FromBTC Direction = "from_btc"
)

// EscrowSwap is an escrow-backed (HTLC) swap record and its state machine.
// Callers serialize state-mutating operations per record; the internal mutex
// covers the reconciliation paths and watchdog listeners that run
// concurrently with them.
type EscrowSwap struct {
	recordBase

	state     EscrowState
	direction Direction

	data *escrow.Data
	// auth is the LP-signed initiation authorization. Consumed by Commit.
	auth *escrow.Authorization
	// secret is the claim preimage; known only on the claiming side.
	secret    [32]byte
	hasSecret bool

	// btcTxID is the Bitcoin-side payment, once observed.
	btcTxID string
	// refundSequence binds cooperative refund signatures to one attempt.
	refundSequence uint64

	deps EscrowDeps
}

// State returns the current lifecycle state.
func (s *EscrowSwap) State() EscrowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Kind implements Record.
func (s *EscrowSwap) Kind() storage.SwapKind { return storage.SwapKindEscrow }

// StateName implements Record.
func (s *EscrowSwap) StateName() string { return string(s.State()) }

// IsTerminal implements Record.
func (s *EscrowSwap) IsTerminal() bool { return s.State().IsTerminal() }

// Direction returns the swap direction.
func (s *EscrowSwap) Direction() Direction { return s.direction }

// Data returns the escrow descriptor.
func (s *EscrowSwap) Data() *escrow.Data { return s.data }

// ClaimHashHex returns the hex claim hash identifying the escrow.
func (s *EscrowSwap) ClaimHashHex() string {
	return helpers.BytesToHex(s.data.ClaimHash[:])
}

// BtcTxID returns the Bitcoin-side payment txid, empty until observed.
func (s *EscrowSwap) BtcTxID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.btcTxID
}

// =============================================================================
// State funnel
// =============================================================================

// commitStateLocked is the single mutation point: apply, persist, notify.
// The persist happens before any observer wakes, so a notified observer
// always sees consistent stored state. On persist failure the in-memory
// state rolls back.
func (s *EscrowSwap) commitStateLocked(next EscrowState) error {
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

// setStateLocked performs an explicit transition, enforcing the transition
// map.
func (s *EscrowSwap) setStateLocked(next EscrowState) error {
	if next == s.state {
		return nil
	}
	if !s.state.canTransitionTo(next) {
		return &InvalidStateError{Op: "enter " + string(next), State: string(s.state)}
	}
	return s.commitStateLocked(next)
}

// forceSetLocked applies a state implied by an authoritative chain read. It
// may skip intermediates, is idempotent, and never regresses: a weaker
// remote status after a stronger local one is a no-op, and terminal states
// are never left.
func (s *EscrowSwap) forceSetLocked(next EscrowState) error {
	if s.state.IsTerminal() || next.rank() <= s.state.rank() {
		return nil
	}
	return s.commitStateLocked(next)
}

// =============================================================================
// User actions
// =============================================================================

// CanCommit reports whether the swap can be initiated on chain right now:
// from the created state or soft expiry, and only while at least
// minSendWindow remains before the quote expiry. Soft expiry refuses new
// quotes but does not invalidate one already accepted.
func (s *EscrowSwap) CanCommit(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.state == EscrowCreated || s.state == EscrowQuoteSoftExpired) &&
		commitWindowOK(s.expiry, now, s.deps.Config.MinSendWindow)
}

// Commit initiates the escrow on the destination chain. The initiated latch
// and state are persisted before the broadcast so a crash mid-broadcast is
// resumable without double-initiating. A signature rejection from the chain
// surfaces as ErrTimedOut: the underlying cause (stale authorization) is not
// actionable beyond re-quoting.
func (s *EscrowSwap) Commit(ctx context.Context) error {
	now := time.Now()

	s.mu.Lock()
	if s.state != EscrowCreated && s.state != EscrowQuoteSoftExpired {
		if isExpired(s.expiry, now) {
			s.mu.Unlock()
			return ErrQuoteExpired
		}
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "commit", State: string(st)}
	}
	if isExpired(s.expiry, now) {
		s.mu.Unlock()
		return ErrQuoteExpired
	}
	if !commitWindowOK(s.expiry, now, s.deps.Config.MinSendWindow) {
		s.mu.Unlock()
		return ErrCommitWindowClosed
	}
	if s.initiated {
		s.mu.Unlock()
		return ErrAlreadyInitiated
	}

	if err := escrow.VerifyInitAuthorization(s.deps.LPSigner, s.data, s.auth, now); err != nil {
		s.mu.Unlock()
		if errors.Is(err, escrow.ErrSignatureVerification) {
			return ErrTimedOut
		}
		return err
	}

	// Latch before broadcast.
	s.initiated = true
	if err := s.persistLocked(); err != nil {
		s.initiated = false
		s.mu.Unlock()
		return fmt.Errorf("failed to persist initiation: %w", err)
	}
	s.mu.Unlock()

	tx, err := s.deps.Contract.Commit(ctx, s.deps.Key, s.data, s.auth.Expiry, s.auth.Signature)
	if err != nil {
		if errors.Is(err, escrow.ErrSignatureVerification) {
			return ErrTimedOut
		}
		return fmt.Errorf("failed to commit escrow: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	setBreadcrumbLocked(&s.commitTxID, tx.Hash().Hex())
	return s.setStateLocked(EscrowCommitted)
}

// WaitForCommitConfirmation blocks until the contract reports the escrow
// committed (or further along), the swap otherwise reaches COMMITTED, or the
// timeout elapses. A zero timeout waits until ctx cancels. Returns false
// when the answer is "not yet".
func (s *EscrowSwap) WaitForCommitConfirmation(ctx context.Context, timeout time.Duration) (bool, error) {
	check := func() bool {
		return s.State().rank() >= EscrowCommitted.rank()
	}
	poll := func(ctx context.Context) (bool, error) {
		if err := s.SyncState(ctx); err != nil {
			return false, err
		}
		return check(), nil
	}
	return waitFor(ctx, &s.recordBase, s.log, s.deps.Config.PollInterval, timeout, check, poll)
}

// Claim settles the escrow by revealing the secret. Requires the
// confirmation-dependent intermediate state. If the broadcast fails but the
// authoritative status already reports the escrow paid, a watchtower claimed
// concurrently: the local state force-advances to CLAIMED instead of
// surfacing the send error.
func (s *EscrowSwap) Claim(ctx context.Context) error {
	s.mu.Lock()
	if s.state != EscrowBtcTxConfirmed {
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "claim", State: string(st)}
	}
	if !s.hasSecret {
		s.mu.Unlock()
		return fmt.Errorf("claim preimage unknown for swap %s", s.id)
	}
	secret := s.secret
	s.mu.Unlock()

	tx, err := s.deps.Contract.Claim(ctx, s.deps.Key, s.data, secret)
	if err != nil {
		// The send can lose a race against a watchtower settling on our
		// behalf. Check ground truth before surfacing the error.
		status, statusErr := s.deps.Contract.GetCommitStatus(ctx, s.initiator(), s.data)
		if statusErr == nil && status == escrow.StatusPaid {
			return s.markClaimed(ctx)
		}
		return fmt.Errorf("failed to claim escrow: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markClaimedLocked(tx.Hash().Hex())
}

// WaitForClaim blocks until the escrow is paid out (by us or a watchtower).
func (s *EscrowSwap) WaitForClaim(ctx context.Context, timeout time.Duration) (bool, error) {
	check := func() bool {
		return s.State() == EscrowClaimed
	}
	poll := func(ctx context.Context) (bool, error) {
		status, err := s.deps.Contract.GetCommitStatus(ctx, s.initiator(), s.data)
		if err != nil {
			return false, err
		}
		if status == escrow.StatusPaid {
			if err := s.markClaimed(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	}
	return waitFor(ctx, &s.recordBase, s.log, s.deps.Config.PollInterval, timeout, check, poll)
}

// Refund returns escrowed funds to the user. Only meaningful for ToBTC
// swaps, and only from REFUNDABLE. Before the escrow's chain-level expiry a
// cooperative authorization from the intermediary is required; after expiry
// the unilateral path is always available.
func (s *EscrowSwap) Refund(ctx context.Context) error {
	if s.direction != ToBTC {
		return &InvalidStateError{Op: "refund", State: string(s.direction)}
	}

	s.mu.Lock()
	if s.state != EscrowRefundable {
		s.mu.Unlock()
		return ErrNotRefundable
	}
	sequence := s.refundSequence
	s.mu.Unlock()

	now := time.Now()
	var signature []byte

	if !s.data.IsExpired(now) {
		// Cooperative path.
		auth, err := s.deps.LP.GetRefundAuthorization(ctx, s.ClaimHashHex(), sequence)
		if err != nil {
			return err
		}

		switch auth.Status {
		case intermediary.RefundAuthData:
			signature, err = helpers.HexToBytes(auth.Signature)
			if err != nil {
				return &intermediary.Error{Op: "refund_authorization", Msg: "malformed signature", Recoverable: false}
			}
			if err := escrow.VerifyRefundAuthorization(s.deps.LPSigner, s.data, sequence, signature); err != nil {
				return &intermediary.Error{Op: "refund_authorization", Msg: "invalid signature", Recoverable: false}
			}
		case intermediary.RefundAuthPaid:
			// The LP claims it already paid. Reconcile and refuse the refund.
			if auth.TxID != "" {
				s.mu.Lock()
				setBreadcrumbLocked(&s.btcTxID, auth.TxID)
				s.mu.Unlock()
			}
			if err := s.SyncState(ctx); err != nil {
				return err
			}
			return ErrNotRefundable
		case intermediary.RefundAuthPending:
			return &intermediary.Error{Op: "refund_authorization", Msg: "payment still pending", Recoverable: true}
		default:
			return &intermediary.Error{
				Op:          "refund_authorization",
				Msg:         fmt.Sprintf("refund not authorized (%s)", auth.Status),
				Recoverable: false,
			}
		}
	}
	// After chain expiry an empty signature selects the unilateral path.

	tx, err := s.deps.Contract.Refund(ctx, s.deps.Key, s.data, signature)
	if err != nil {
		return fmt.Errorf("failed to refund escrow: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	setBreadcrumbLocked(&s.refundTxID, tx.Hash().Hex())
	s.refundSequence++
	return s.setStateLocked(EscrowRefunded)
}

// WaitForRefund blocks until the swap becomes refundable or settles. The
// poll asks both the contract and the intermediary so a cooperative refund
// window opens as early as possible.
func (s *EscrowSwap) WaitForRefund(ctx context.Context, timeout time.Duration) (bool, error) {
	check := func() bool {
		st := s.State()
		return st == EscrowRefundable || st == EscrowRefunded || st == EscrowClaimed
	}
	poll := func(ctx context.Context) (bool, error) {
		if err := s.SyncState(ctx); err != nil {
			return false, err
		}
		if check() {
			return true, nil
		}

		auth, err := s.deps.LP.GetRefundAuthorization(ctx, s.ClaimHashHex(), s.refundSequence)
		if err != nil {
			return false, err
		}
		if auth.Status == intermediary.RefundAuthData {
			s.mu.Lock()
			err := s.forceSetLocked(EscrowRefundable)
			s.mu.Unlock()
			if err != nil {
				return false, err
			}
		}
		return check(), nil
	}
	return waitFor(ctx, &s.recordBase, s.log, s.deps.Config.PollInterval, timeout, check, poll)
}

// MarkBitcoinConfirmed records the confirmed Bitcoin-side payment and
// advances to the confirmation-dependent intermediate state.
func (s *EscrowSwap) MarkBitcoinConfirmed(txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	setBreadcrumbLocked(&s.btcTxID, txID)
	return s.setStateLocked(EscrowBtcTxConfirmed)
}

// =============================================================================
// Reconciliation
// =============================================================================

// Tick advances time-only transitions from wall-clock comparisons against
// the quote expiry. It never calls external services.
func (s *EscrowSwap) Tick(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case EscrowCreated:
		if isExpired(s.expiry, now) {
			return s.setStateLocked(EscrowQuoteExpired)
		}
		if isSoftExpired(s.expiry, now, s.deps.Config.SoftExpiryWindow) {
			return s.setStateLocked(EscrowQuoteSoftExpired)
		}
	case EscrowQuoteSoftExpired:
		if isExpired(s.expiry, now) {
			return s.setStateLocked(EscrowQuoteExpired)
		}
	case EscrowCommitted, EscrowBtcTxConfirmed:
		if isExpired(s.expiry, now) {
			if s.direction == ToBTC {
				return s.setStateLocked(EscrowRefundable)
			}
			return s.setStateLocked(EscrowExpired)
		}
	}
	return nil
}

// escrowStateForCommitStatus maps each authoritative contract status to the
// local state it implies. Statuses that only ever move a swap forward go
// through forceSet; EXPIRED is handled separately because it sits below the
// in-flight states on the partial order.
var escrowStateForCommitStatus = map[escrow.CommitStatus]EscrowState{
	escrow.StatusNotCommitted: EscrowCreated,
	escrow.StatusCommitted:    EscrowCommitted,
	escrow.StatusPaid:         EscrowClaimed,
	escrow.StatusRefundable:   EscrowRefundable,
}

// SyncState reconciles the cached state against the authoritative contract
// status. Safe to call from any state; repeated application of the same
// status is a no-op.
func (s *EscrowSwap) SyncState(ctx context.Context) error {
	status, err := s.deps.Contract.GetCommitStatus(ctx, s.initiator(), s.data)
	if err != nil {
		return fmt.Errorf("failed to read commit status: %w", err)
	}

	if status == escrow.StatusPaid {
		return s.markClaimed(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if status == escrow.StatusExpired {
		if s.state.canTransitionTo(EscrowExpired) {
			return s.setStateLocked(EscrowExpired)
		}
		return nil
	}

	if implied, ok := escrowStateForCommitStatus[status]; ok {
		return s.forceSetLocked(implied)
	}
	return nil
}

// EscrowEventKind tags pushed chain events.
type EscrowEventKind string

const (
	EventCommitted EscrowEventKind = "committed"
	EventClaimed   EscrowEventKind = "claimed"
	EventRefunded  EscrowEventKind = "refunded"
)

// EscrowEvent is a pushed chain event. Delivery is at-least-once; applying
// the same event twice is a no-op.
type EscrowEvent struct {
	Kind   EscrowEventKind
	TxID   string
	Secret [32]byte // set for claimed events
}

// ApplyEvent applies a pushed chain event through the same force-set logic
// as SyncState, recording the event's transaction id when the poll path has
// not already captured one.
func (s *EscrowSwap) ApplyEvent(ev *EscrowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case EventCommitted:
		setBreadcrumbLocked(&s.commitTxID, ev.TxID)
		return s.forceSetLocked(EscrowCommitted)
	case EventClaimed:
		if !s.hasSecret && ev.Secret != ([32]byte{}) {
			s.secret = ev.Secret
			s.hasSecret = true
		}
		return s.markClaimedLocked(ev.TxID)
	case EventRefunded:
		setBreadcrumbLocked(&s.refundTxID, ev.TxID)
		if s.state == EscrowRefundable {
			return s.setStateLocked(EscrowRefunded)
		}
		return nil
	default:
		return fmt.Errorf("unknown escrow event kind %q", ev.Kind)
	}
}

// markClaimed force-advances to CLAIMED, fetching the claim txid when no
// breadcrumb captured it yet.
func (s *EscrowSwap) markClaimed(ctx context.Context) error {
	s.mu.Lock()
	needTxID := s.claimTxID == ""
	s.mu.Unlock()

	var txID string
	if needTxID {
		hash, err := s.deps.Contract.GetClaimTxID(ctx, s.data)
		if err == nil && hash != (common.Hash{}) {
			txID = hash.Hex()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markClaimedLocked(txID)
}

// markClaimedLocked enters CLAIMED from wherever the swap is, recording txID
// as the claim breadcrumb when one is given. REFUNDABLE sits above CLAIMED
// on the rank order, so the refund-vs-claim race resolves through the
// explicit transition rather than the force-set path. A claim breadcrumb
// written here rolls back together with the state if the persist fails, so a
// recorded claim txid never outlives a failed CLAIMED transition.
func (s *EscrowSwap) markClaimedLocked(txID string) error {
	wroteCrumb := txID != "" && setBreadcrumbLocked(&s.claimTxID, txID)

	var err error
	if s.state.canTransitionTo(EscrowClaimed) {
		err = s.setStateLocked(EscrowClaimed)
	} else {
		err = s.forceSetLocked(EscrowClaimed)
	}
	if err != nil && wroteCrumb {
		s.claimTxID = ""
	}
	return err
}

// initiator is the destination-chain address our transactions originate
// from.
func (s *EscrowSwap) initiator() common.Address {
	return ethcrypto.PubkeyToAddress(s.deps.Key.PublicKey)
}
