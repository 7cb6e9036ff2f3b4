package swap

import (
	"errors"
	"fmt"
)

// Swap errors
var (
	// ErrQuoteExpired is terminal: the quote's hard deadline passed and no
	// further progress is possible.
	ErrQuoteExpired = errors.New("quote expired")

	// ErrQuoteSoftExpired means the quote is inside the soft-expiry window.
	// Operations already in flight may still complete; new initiation is
	// refused.
	ErrQuoteSoftExpired = errors.New("quote soft-expired")

	// ErrCommitWindowClosed means too little time remains before expiry to
	// settle a newly committed swap safely.
	ErrCommitWindowClosed = errors.New("commit window closed")

	// ErrTimedOut is the generic retryable failure surfaced for commit
	// problems whose true cause is not actionable by the caller beyond
	// re-quoting. Destination-chain signature rejections map here.
	ErrTimedOut = errors.New("swap timed out")

	// ErrAlreadyInitiated guards against double on-chain initiation when a
	// local action is retried.
	ErrAlreadyInitiated = errors.New("swap already initiated")

	// ErrNotRefundable is returned by Refund outside the REFUNDABLE state.
	ErrNotRefundable = errors.New("swap not refundable")
)

// InvalidStateError is returned by user-facing actions called in a state
// that does not permit them. The message names both so callers can present
// something actionable.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Op, e.State)
}

// EconomicError is a violated funds-safety check: trace depth exceeded,
// vault balance insufficient, fee-share mismatch, UTXO already spent. Always
// non-recoverable for the quote attempt that triggered it and never silently
// ignored.
type EconomicError struct {
	Reason string
}

func (e *EconomicError) Error() string {
	return "economic invariant violated: " + e.Reason
}

func economicErrorf(format string, args ...interface{}) *EconomicError {
	return &EconomicError{Reason: fmt.Sprintf(format, args...)}
}

// IsEconomic reports whether err is an economic-invariant violation.
func IsEconomic(err error) bool {
	var ee *EconomicError
	return errors.As(err, &ee)
}
