// Package swap implements the swap lifecycle engine: per-swap state
// machines for the escrow and SPV-vault protocols, the watchdog poller that
// unblocks waiting callers, chain reconciliation, and the vault withdrawal
// tracer. All state mutations funnel through one apply→persist→notify path
// so the monotonicity and idempotence invariants hold no matter which
// reconciliation path fires first.
package swap

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/atlasswap/atlas/internal/storage"
	"github.com/atlasswap/atlas/pkg/logging"
)

// RecordStore is the persistence surface a swap needs. *storage.Storage
// satisfies it.
type RecordStore interface {
	SaveSwap(rec *storage.SwapRecord) error
}

// Record is the cross-cutting surface shared by both swap variants. The
// engine drives records through it without knowing the protocol.
type Record interface {
	ID() string
	Kind() storage.SwapKind
	StateName() string
	IsTerminal() bool
	Expiry() time.Time

	// Tick advances time-only transitions. Cheap; runs frequently.
	Tick(now time.Time) error
	// SyncState reconciles against authoritative chain/contract state.
	SyncState(ctx context.Context) error
}

// PricingInfo snapshots the exchange-rate and fee computation made at quote
// time. Once a resolved swap price is present it is never overwritten by an
// unresolved one; refinement is append-only.
type PricingInfo struct {
	// SwapPrice is the quoted price, destination token units per BTC.
	SwapPrice *big.Int
	// MarketPrice is the reference market price at quote time, if known.
	MarketPrice *big.Int
	// FeeShare in parts per 100,000 (helpers.FeeShareBase).
	FeeShare uint64
	// FeeTotal is the absolute fee in destination token units.
	FeeTotal *big.Int
	// Resolved is set once SwapPrice reflects the final agreed price.
	Resolved bool
}

// merge refines pricing without ever degrading it.
func (p *PricingInfo) merge(in *PricingInfo) *PricingInfo {
	if in == nil {
		return p
	}
	if p == nil {
		return in
	}
	if p.Resolved && !in.Resolved {
		return p
	}
	return in
}

// recordBase carries the fields and plumbing shared by both variants:
// identity, expiry, pricing, breadcrumb tx ids, the initiated latch, and the
// state-change notification list the watchdog listens on.
type recordBase struct {
	id        string
	createdAt time.Time
	expiry    time.Time

	pricing   *PricingInfo
	initiated bool

	// Breadcrumb tx ids, write-once. Used for idempotent resumption after a
	// crash: a set breadcrumb means the corresponding broadcast already
	// happened.
	commitTxID string
	claimTxID  string
	refundTxID string

	store RecordStore
	log   *logging.Logger

	mu       sync.Mutex
	watchers []chan struct{}
}

func newRecordBase(id string, expiry time.Time, store RecordStore, log *logging.Logger) recordBase {
	return recordBase{
		id:        id,
		createdAt: time.Now(),
		expiry:    expiry,
		store:     store,
		log:       log.With("swap", id),
	}
}

// ID returns the stable swap identifier.
func (b *recordBase) ID() string { return b.id }

// Expiry returns the hard quote deadline.
func (b *recordBase) Expiry() time.Time { return b.expiry }

// Initiated reports whether funds were ever put at risk.
func (b *recordBase) Initiated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initiated
}

// Pricing returns the pricing snapshot, nil until quoted.
func (b *recordBase) Pricing() *PricingInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pricing
}

// RefinePricing merges a pricing update, append-only.
func (b *recordBase) refinePricingLocked(in *PricingInfo) {
	b.pricing = b.pricing.merge(in)
}

// changed returns a channel closed on the next state change. The watchdog's
// passive listener re-arms it after every wake-up.
func (b *recordBase) changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	b.watchers = append(b.watchers, ch)
	return ch
}

// notifyLocked wakes all watchers. Must be called with b.mu held, and only
// after the state change has been persisted: observers reacting to a
// notification must see consistent persisted state.
func (b *recordBase) notifyLocked() {
	for _, ch := range b.watchers {
		close(ch)
	}
	b.watchers = nil
}

// setBreadcrumbLocked writes a tx id breadcrumb once. A later different
// value is ignored; the first observed id wins.
func setBreadcrumbLocked(field *string, txID string) bool {
	if *field != "" || txID == "" {
		return false
	}
	*field = txID
	return true
}

// CommitTxID returns the destination-chain commit transaction id.
func (b *recordBase) CommitTxID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commitTxID
}

// ClaimTxID returns the settlement transaction id.
func (b *recordBase) ClaimTxID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claimTxID
}

// RefundTxID returns the refund transaction id.
func (b *recordBase) RefundTxID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refundTxID
}
