package swap

import "time"

// Expiry checks are pure functions of (expiry, now) so every caller — tick,
// commit, refund, quote verification — agrees on what "expired" means.

// isExpired reports whether the hard quote deadline has passed.
func isExpired(expiry, now time.Time) bool {
	return !now.Before(expiry)
}

// isSoftExpired reports whether now is inside the soft-expiry window before
// the hard deadline. Soft expiry warns without invalidating work already in
// flight.
func isSoftExpired(expiry, now time.Time, softWindow time.Duration) bool {
	if isExpired(expiry, now) {
		return false
	}
	return !now.Before(expiry.Add(-softWindow))
}

// commitWindowOK reports whether enough time remains before expiry for a
// newly committed swap to settle. Committing with less than minSendWindow
// remaining risks funding a swap that cannot complete.
func commitWindowOK(expiry, now time.Time, minSendWindow time.Duration) bool {
	return expiry.Sub(now) >= minSendWindow
}
