package swap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atlasswap/atlas/internal/contracts/escrow"
	"github.com/atlasswap/atlas/internal/contracts/vault"
	"github.com/atlasswap/atlas/internal/storage"
	"github.com/atlasswap/atlas/pkg/helpers"
	"github.com/atlasswap/atlas/pkg/logging"
)

// EscrowEventSource provides pushed escrow contract events. Subscribing with
// no claim-hash filter covers swaps created after the subscription, at the
// cost of discarding events for swaps we do not track.
type EscrowEventSource interface {
	WatchCommitted(ctx context.Context, claimHashes [][32]byte) (<-chan *escrow.CommittedEvent, error)
	WatchClaimed(ctx context.Context, claimHashes [][32]byte) (<-chan *escrow.ClaimedEvent, error)
	WatchRefunded(ctx context.Context, claimHashes [][32]byte) (<-chan *escrow.RefundedEvent, error)
}

// VaultEventSource provides pushed vault settlement events per vault owner.
type VaultEventSource interface {
	WatchWithdrawals(ctx context.Context, owner common.Address) (<-chan *vault.Event, error)
}

// Engine owns the set of live swap records and drives their reconciliation:
// the wall-clock tick loop, periodic chain syncs, pushed contract events,
// and crash resumption from storage. User actions (Commit, Claim, Refund,
// SubmitPSBT) go directly to the records; the engine keeps them honest in
// the background.
type Engine struct {
	store      *storage.Storage
	escrowDeps EscrowDeps
	vaultDeps  VaultDeps

	// Event sources are optional: without them the engine falls back to
	// polling alone.
	escrowEvents EscrowEventSource
	vaultEvents  VaultEventSource

	log *logging.Logger

	// blockNudges, when set, triggers an immediate sync pass on every new
	// Bitcoin block instead of waiting out the tick interval.
	blockNudges <-chan struct{}

	mu            sync.Mutex
	records       map[string]Record
	lastSync      map[string]time.Time
	watchedOwners map[common.Address]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a swap engine. The event sources may be nil.
func NewEngine(store *storage.Storage, escrowDeps EscrowDeps, vaultDeps VaultDeps,
	escrowEvents EscrowEventSource, vaultEvents VaultEventSource, log *logging.Logger) *Engine {

	return &Engine{
		store:         store,
		escrowDeps:    escrowDeps,
		vaultDeps:     vaultDeps,
		escrowEvents:  escrowEvents,
		vaultEvents:   vaultEvents,
		log:           log,
		records:       map[string]Record{},
		lastSync:      map[string]time.Time{},
		watchedOwners: map[common.Address]bool{},
	}
}

// NudgeOnBlocks makes new-block notifications trigger immediate sync passes.
// Must be called before Start.
func (e *Engine) NudgeOnBlocks(ch <-chan struct{}) {
	e.blockNudges = ch
}

// Start resumes persisted swaps and launches the reconciliation loops.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.resume(); err != nil {
		return err
	}

	e.wg.Add(2)
	go e.tickLoop()
	go e.syncLoop()

	if e.escrowEvents != nil {
		if err := e.watchEscrowEvents(); err != nil {
			e.log.Warn("Escrow event subscription failed, polling only", "error", err)
		}
	}

	e.log.Info("Swap engine started", "active", len(e.records))
	return nil
}

// Stop cancels the loops and waits for them to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.log.Info("Swap engine stopped")
}

// Track registers a record with the engine. For vault swaps this also
// arranges settlement event delivery for the vault's owner.
func (e *Engine) Track(rec Record) {
	e.mu.Lock()
	e.records[rec.ID()] = rec
	e.mu.Unlock()

	if vs, ok := rec.(*VaultSwap); ok && e.vaultEvents != nil {
		e.ensureVaultWatch(vs.Quote().VaultOwner)
	}
}

// Get returns a tracked record by id.
func (e *Engine) Get(id string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	return rec, ok
}

// List returns all tracked records.
func (e *Engine) List() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, rec)
	}
	return out
}

// resume reloads every initiated, non-terminal swap from storage and
// re-attaches escrow claim secrets.
func (e *Engine) resume() error {
	stored, err := e.store.GetActiveSwaps()
	if err != nil {
		return err
	}

	for _, sr := range stored {
		rec, err := Deserialize(sr, e.escrowDeps, e.vaultDeps)
		if err != nil {
			e.log.Error("Failed to resume swap, skipping", "swap", sr.ID, "error", err)
			continue
		}

		if es, ok := rec.(*EscrowSwap); ok {
			if sec, err := e.store.GetSecret(es.ClaimHashHex()); err == nil {
				raw, err := helpers.HexToBytes(sec.Secret)
				if err != nil || len(raw) != 32 {
					e.log.Error("Stored secret is malformed", "swap", es.ID())
				} else {
					var secret [32]byte
					copy(secret[:], raw)
					if err := es.WithSecret(secret); err != nil {
						e.log.Error("Stored secret does not match claim hash", "swap", es.ID())
					}
				}
			} else if !errors.Is(err, storage.ErrSecretNotFound) {
				return err
			}
		}

		e.Track(rec)
		e.log.Info("Resumed swap", "swap", rec.ID(), "kind", rec.Kind(), "state", rec.StateName())
	}
	return nil
}

// tickLoop drives the cheap wall-clock transitions and drops records that
// reached a terminal state.
func (e *Engine) tickLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.escrowDeps.Config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			for _, rec := range e.List() {
				if rec.IsTerminal() {
					e.untrack(rec.ID())
					continue
				}
				if err := rec.Tick(now); err != nil {
					e.log.Warn("Tick failed", "swap", rec.ID(), "error", err)
				}
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// syncLoop reconciles records against chain truth. Swaps that timed out
// without resolution keep being checked for a late payment, but only every
// ExpiredPaymentCheckInterval rather than every pass.
func (e *Engine) syncLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.escrowDeps.Config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			e.syncPass(now)
		case <-e.blockNudges:
			e.syncPass(time.Now())
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) syncPass(now time.Time) {
	cfg := e.escrowDeps.Config
	for _, rec := range e.List() {
		if rec.IsTerminal() {
			continue
		}
		if rec.StateName() == string(EscrowExpired) {
			e.mu.Lock()
			last := e.lastSync[rec.ID()]
			e.mu.Unlock()
			if now.Sub(last) < cfg.ExpiredPaymentCheckInterval {
				continue
			}
		}

		ctx, cancel := context.WithTimeout(e.ctx, cfg.PollInterval)
		err := rec.SyncState(ctx)
		cancel()
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.log.Debug("Sync failed, will retry", "swap", rec.ID(), "error", err)
			continue
		}

		e.mu.Lock()
		e.lastSync[rec.ID()] = now
		e.mu.Unlock()
	}
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.records, id)
	delete(e.lastSync, id)
	e.mu.Unlock()
}

// watchEscrowEvents subscribes unfiltered to the escrow contract's event
// streams and dispatches matching events to tracked records.
func (e *Engine) watchEscrowEvents() error {
	committed, err := e.escrowEvents.WatchCommitted(e.ctx, nil)
	if err != nil {
		return err
	}
	claimed, err := e.escrowEvents.WatchClaimed(e.ctx, nil)
	if err != nil {
		return err
	}
	refunded, err := e.escrowEvents.WatchRefunded(e.ctx, nil)
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case ev, ok := <-committed:
				if !ok {
					return
				}
				e.dispatchEscrowEvent(ev.ClaimHash, &EscrowEvent{
					Kind: EventCommitted, TxID: ev.TxHash.Hex(),
				})
			case ev, ok := <-claimed:
				if !ok {
					return
				}
				e.dispatchEscrowEvent(ev.ClaimHash, &EscrowEvent{
					Kind: EventClaimed, TxID: ev.TxHash.Hex(), Secret: ev.Secret,
				})
			case ev, ok := <-refunded:
				if !ok {
					return
				}
				e.dispatchEscrowEvent(ev.ClaimHash, &EscrowEvent{
					Kind: EventRefunded, TxID: ev.TxHash.Hex(),
				})
			case <-e.ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (e *Engine) dispatchEscrowEvent(claimHash [32]byte, ev *EscrowEvent) {
	for _, rec := range e.List() {
		es, ok := rec.(*EscrowSwap)
		if !ok || es.Data().ClaimHash != claimHash {
			continue
		}
		if err := es.ApplyEvent(ev); err != nil {
			e.log.Warn("Failed to apply escrow event", "swap", es.ID(), "error", err)
		}
		return
	}
}

// ensureVaultWatch starts one settlement event subscription per vault owner.
func (e *Engine) ensureVaultWatch(owner common.Address) {
	e.mu.Lock()
	if e.watchedOwners[owner] || e.ctx == nil {
		e.mu.Unlock()
		return
	}
	e.watchedOwners[owner] = true
	e.mu.Unlock()

	events, err := e.vaultEvents.WatchWithdrawals(e.ctx, owner)
	if err != nil {
		e.log.Warn("Vault event subscription failed, polling only",
			"owner", owner.Hex(), "error", err)
		e.mu.Lock()
		delete(e.watchedOwners, owner)
		e.mu.Unlock()
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				e.dispatchVaultEvent(ev)
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) dispatchVaultEvent(ev *vault.Event) {
	for _, rec := range e.List() {
		vs, ok := rec.(*VaultSwap)
		if !ok || vs.BtcTxID() != ev.BtcTxID {
			continue
		}
		if err := vs.ApplyEvent(ev); err != nil {
			e.log.Warn("Failed to apply vault event", "swap", vs.ID(), "error", err)
		}
		return
	}
}

// PruneUninitiated deletes stale swaps that never put funds at risk.
func (e *Engine) PruneUninitiated(olderThan time.Duration) (int64, error) {
	return e.store.PruneUninitiated(time.Now().Add(-olderThan))
}
