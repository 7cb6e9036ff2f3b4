package swap

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlasswap/atlas/pkg/logging"
)

func testRecordBase(t *testing.T) *recordBase {
	t.Helper()
	base := newRecordBase("test-swap", time.Now().Add(time.Hour),
		newMemStore(), logging.Default())
	return &base
}

func TestWaitForImmediateCheck(t *testing.T) {
	rec := testRecordBase(t)

	ok, err := waitFor(context.Background(), rec, logging.Default(),
		time.Hour, time.Hour,
		func() bool { return true },
		func(ctx context.Context) (bool, error) { return false, nil })
	if err != nil || !ok {
		t.Fatalf("waitFor = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestWaitForPollResolution(t *testing.T) {
	rec := testRecordBase(t)

	var polls atomic.Int32
	ok, err := waitFor(context.Background(), rec, logging.Default(),
		time.Millisecond, time.Second,
		func() bool { return false },
		func(ctx context.Context) (bool, error) {
			return polls.Add(1) >= 3, nil
		})
	if err != nil || !ok {
		t.Fatalf("waitFor = (%v, %v), want (true, nil)", ok, err)
	}
	if polls.Load() < 3 {
		t.Errorf("poller ran %d times, want at least 3", polls.Load())
	}
}

func TestWaitForPollSwallowsTransientErrors(t *testing.T) {
	rec := testRecordBase(t)

	var polls atomic.Int32
	ok, err := waitFor(context.Background(), rec, logging.Default(),
		time.Millisecond, time.Second,
		func() bool { return false },
		func(ctx context.Context) (bool, error) {
			if polls.Add(1) < 3 {
				return false, errors.New("rpc hiccup")
			}
			return true, nil
		})
	if err != nil || !ok {
		t.Fatalf("waitFor = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestWaitForNotificationResolution(t *testing.T) {
	rec := testRecordBase(t)

	var flipped atomic.Bool
	go func() {
		time.Sleep(10 * time.Millisecond)
		rec.mu.Lock()
		flipped.Store(true)
		rec.notifyLocked()
		rec.mu.Unlock()
	}()

	ok, err := waitFor(context.Background(), rec, logging.Default(),
		time.Hour, time.Second, // poller never fires again after the first call
		flipped.Load,
		func(ctx context.Context) (bool, error) { return false, nil })
	if err != nil || !ok {
		t.Fatalf("waitFor = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestWaitForTimeoutIsNotYet(t *testing.T) {
	rec := testRecordBase(t)

	start := time.Now()
	ok, err := waitFor(context.Background(), rec, logging.Default(),
		time.Millisecond, 20*time.Millisecond,
		func() bool { return false },
		func(ctx context.Context) (bool, error) { return false, nil })
	if ok || err != nil {
		t.Fatalf("waitFor = (%v, %v), want (false, nil) on timeout", ok, err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestWaitForCallerCancellation(t *testing.T) {
	rec := testRecordBase(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	ok, err := waitFor(ctx, rec, logging.Default(),
		time.Millisecond, time.Minute,
		func() bool { return false },
		func(ctx context.Context) (bool, error) { return false, nil })
	if ok {
		t.Fatal("waitFor resolved despite cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
