package swap

import (
	"context"
	"sync"
	"time"

	"github.com/atlasswap/atlas/pkg/logging"
)

// The watchdog is the blocking primitive behind every WaitForX call. It
// races two tasks over a shared derived context:
//
//   - a passive listener on the record's state-change notifications,
//   - an active poll loop against chain/contract/intermediary state.
//
// Whichever observes a terminal or disambiguating result first cancels the
// other, and the loser is always awaited before waitFor returns so no poll
// timer leaks. A zero timeout means wait indefinitely (until ctx cancels);
// an elapsed timeout returns (false, nil) — "not yet" — rather than an
// error.

// pollFunc checks external truth once. done=true stops the race. Errors are
// transient by contract: they are logged and retried on the next tick.
type pollFunc func(ctx context.Context) (done bool, err error)

// checkFunc evaluates the local record state after a change notification.
type checkFunc func() bool

func waitFor(ctx context.Context, rec *recordBase, log *logging.Logger,
	interval, timeout time.Duration, check checkFunc, poll pollFunc) (bool, error) {

	if check() {
		return true, nil
	}

	raceCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		raceCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		raceCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var (
		wg   sync.WaitGroup
		once sync.Once
		won  bool
	)
	resolve := func() {
		once.Do(func() {
			won = true
			cancel()
		})
	}

	// Passive listener: wake on every state change, re-check, re-arm.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			ch := rec.changed()
			if check() {
				resolve()
				return
			}
			select {
			case <-ch:
			case <-raceCtx.Done():
				return
			}
		}
	}()

	// Active poller.
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			done, err := poll(raceCtx)
			if err != nil {
				if raceCtx.Err() != nil {
					return
				}
				log.Debug("Poll iteration failed, retrying", "error", err)
			} else if done {
				resolve()
				return
			}

			select {
			case <-ticker.C:
			case <-raceCtx.Done():
				return
			}
		}
	}()

	wg.Wait()

	if won {
		return true, nil
	}
	// Caller-supplied context cancellation is a hard stop; our own timeout
	// is a soft "not yet".
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, nil
}
