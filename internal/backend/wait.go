package backend

import (
	"context"
	"errors"
	"time"
)

// ConfirmationUpdate is delivered to the caller on every poll iteration while
// waiting for a transaction to confirm.
type ConfirmationUpdate struct {
	TxID          string
	Confirmations int64
	Target        int64
	// ETA is a rough estimate of the remaining wait, assuming 10 minute
	// blocks. Zero when already confirmed.
	ETA time.Duration
}

// WaitForTransaction polls the backend until txID reaches the target
// confirmation count, invoking onUpdate (if non-nil) with progress after each
// poll. Transient provider errors are retried on the next tick; only context
// cancellation aborts the wait.
func WaitForTransaction(ctx context.Context, b Backend, txID string, target int64,
	interval time.Duration, onUpdate func(ConfirmationUpdate)) (*Transaction, error) {

	if target < 1 {
		target = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tx, err := b.GetTransaction(ctx, txID)
		switch {
		case err == nil:
			if onUpdate != nil {
				onUpdate(confirmationUpdate(tx, target))
			}
			if tx.Confirmations >= target {
				return tx, nil
			}
		case errors.Is(err, ErrTxNotFound):
			// Not broadcast or not indexed yet; keep waiting.
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			// Transient provider error; retried on next tick.
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForAddressTx polls the backend until a transaction paying to address
// appears (optionally beyond lastSeenTxID), then returns it.
func WaitForAddressTx(ctx context.Context, b Backend, address, lastSeenTxID string,
	interval time.Duration) (*Transaction, error) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		txs, err := b.GetAddressTxs(ctx, address, lastSeenTxID)
		if err == nil && len(txs) > 0 {
			return &txs[0], nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func confirmationUpdate(tx *Transaction, target int64) ConfirmationUpdate {
	remaining := target - tx.Confirmations
	var eta time.Duration
	if remaining > 0 {
		eta = time.Duration(remaining) * 10 * time.Minute
	}
	return ConfirmationUpdate{
		TxID:          tx.TxID,
		Confirmations: tx.Confirmations,
		Target:        target,
		ETA:           eta,
	}
}
