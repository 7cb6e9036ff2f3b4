package swap

// =============================================================================
// Escrow states
// =============================================================================

// EscrowState is the lifecycle state of an escrow-backed swap. States are
// persisted by name; the integer rank exists only for the partial order used
// by reconciliation.
type EscrowState string

const (
	EscrowFailed           EscrowState = "FAILED"
	EscrowRefunded         EscrowState = "REFUNDED"
	EscrowExpired          EscrowState = "EXPIRED"
	EscrowQuoteExpired     EscrowState = "QUOTE_EXPIRED"
	EscrowQuoteSoftExpired EscrowState = "QUOTE_SOFT_EXPIRED"
	EscrowCreated          EscrowState = "CREATED"
	EscrowCommitted        EscrowState = "COMMITTED"
	EscrowBtcTxConfirmed   EscrowState = "BTC_TX_CONFIRMED"
	EscrowClaimed          EscrowState = "CLAIMED"
	EscrowRefundable       EscrowState = "REFUNDABLE"
)

// rank places states on the reconciliation partial order. Force-set logic
// refuses to move a swap to a lower-ranked state: a weaker remote status can
// never downgrade a stronger local one.
func (s EscrowState) rank() int {
	switch s {
	case EscrowFailed, EscrowRefunded:
		return 0
	case EscrowExpired:
		return 1
	case EscrowQuoteExpired:
		return 2
	case EscrowQuoteSoftExpired:
		return 3
	case EscrowCreated:
		return 4
	case EscrowCommitted:
		return 5
	case EscrowBtcTxConfirmed:
		return 6
	case EscrowClaimed:
		return 7
	case EscrowRefundable:
		return 8 // side branch; guarded by terminal checks, not rank
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s EscrowState) IsTerminal() bool {
	switch s {
	case EscrowClaimed, EscrowRefunded, EscrowFailed, EscrowQuoteExpired:
		return true
	}
	return false
}

// IsSuccess reports whether the swap settled in the user's favor.
func (s EscrowState) IsSuccess() bool {
	return s == EscrowClaimed
}

// escrowTransitions lists the legal explicit transitions. Reconciliation
// force-sets may additionally skip intermediates when backed by an
// authoritative chain read.
var escrowTransitions = map[EscrowState][]EscrowState{
	EscrowCreated:          {EscrowCommitted, EscrowQuoteSoftExpired, EscrowQuoteExpired, EscrowFailed},
	EscrowQuoteSoftExpired: {EscrowCommitted, EscrowQuoteExpired, EscrowFailed},
	EscrowCommitted:        {EscrowBtcTxConfirmed, EscrowClaimed, EscrowExpired, EscrowRefundable, EscrowFailed},
	EscrowBtcTxConfirmed:   {EscrowClaimed, EscrowExpired, EscrowRefundable, EscrowFailed},
	EscrowExpired:          {EscrowRefundable, EscrowClaimed, EscrowFailed},
	EscrowRefundable:       {EscrowRefunded, EscrowClaimed, EscrowFailed},
}

func (s EscrowState) canTransitionTo(next EscrowState) bool {
	for _, allowed := range escrowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// =============================================================================
// Vault states
// =============================================================================

// VaultState is the lifecycle state of an SPV-vault withdrawal swap.
type VaultState string

const (
	VaultClosed           VaultState = "CLOSED"
	VaultFailed           VaultState = "FAILED"
	VaultDeclined         VaultState = "DECLINED"
	VaultQuoteExpired     VaultState = "QUOTE_EXPIRED"
	VaultQuoteSoftExpired VaultState = "QUOTE_SOFT_EXPIRED"
	VaultCreated          VaultState = "CREATED"
	VaultSigned           VaultState = "SIGNED"
	VaultPosted           VaultState = "POSTED"
	VaultBroadcasted      VaultState = "BROADCASTED"
	VaultFronted          VaultState = "FRONTED"
	VaultBtcTxConfirmed   VaultState = "BTC_TX_CONFIRMED"
	VaultClaimed          VaultState = "CLAIMED"
)

func (s VaultState) rank() int {
	switch s {
	case VaultClosed:
		return 0
	case VaultFailed:
		return 1
	case VaultDeclined:
		return 2
	case VaultQuoteExpired:
		return 3
	case VaultQuoteSoftExpired:
		return 4
	case VaultCreated:
		return 5
	case VaultSigned:
		return 6
	case VaultPosted:
		return 7
	case VaultBroadcasted:
		return 8
	case VaultFronted, VaultBtcTxConfirmed:
		return 9 // parallel branches: fronting and confirmation can race
	case VaultClaimed:
		return 10
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s VaultState) IsTerminal() bool {
	switch s {
	case VaultClaimed, VaultClosed, VaultFailed, VaultDeclined, VaultQuoteExpired:
		return true
	}
	return false
}

// IsSuccess reports whether the swap settled in the user's favor.
func (s VaultState) IsSuccess() bool {
	return s == VaultClaimed
}

var vaultTransitions = map[VaultState][]VaultState{
	VaultCreated:          {VaultSigned, VaultQuoteSoftExpired, VaultQuoteExpired, VaultFailed},
	VaultQuoteSoftExpired: {VaultQuoteExpired, VaultFailed},
	VaultSigned:           {VaultPosted, VaultDeclined, VaultQuoteExpired, VaultFailed},
	VaultPosted:           {VaultBroadcasted, VaultQuoteExpired, VaultFailed},
	VaultBroadcasted:      {VaultFronted, VaultBtcTxConfirmed, VaultFailed},
	VaultFronted:          {VaultBtcTxConfirmed, VaultClaimed, VaultClosed, VaultFailed},
	VaultBtcTxConfirmed:   {VaultFronted, VaultClaimed, VaultClosed, VaultFailed},
}

func (s VaultState) canTransitionTo(next VaultState) bool {
	for _, allowed := range vaultTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
