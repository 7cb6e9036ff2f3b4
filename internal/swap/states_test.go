package swap

import "testing"

func TestEscrowTransitions(t *testing.T) {
	tests := []struct {
		name string
		from EscrowState
		to   EscrowState
		want bool
	}{
		{"created to committed", EscrowCreated, EscrowCommitted, true},
		{"created to soft expired", EscrowCreated, EscrowQuoteSoftExpired, true},
		{"created to quote expired", EscrowCreated, EscrowQuoteExpired, true},
		{"soft expired can still commit", EscrowQuoteSoftExpired, EscrowCommitted, true},
		{"committed to confirmed", EscrowCommitted, EscrowBtcTxConfirmed, true},
		{"committed to expired", EscrowCommitted, EscrowExpired, true},
		{"confirmed to claimed", EscrowBtcTxConfirmed, EscrowClaimed, true},
		{"expired to refundable", EscrowExpired, EscrowRefundable, true},
		{"expired to claimed late payment", EscrowExpired, EscrowClaimed, true},
		{"refundable to refunded", EscrowRefundable, EscrowRefunded, true},
		{"refundable to claimed race", EscrowRefundable, EscrowClaimed, true},

		{"created skips to claimed", EscrowCreated, EscrowClaimed, false},
		{"created to refunded", EscrowCreated, EscrowRefunded, false},
		{"committed back to created", EscrowCommitted, EscrowCreated, false},
		{"claimed to anything", EscrowClaimed, EscrowRefunded, false},
		{"refunded to claimed", EscrowRefunded, EscrowClaimed, false},
		{"quote expired to committed", EscrowQuoteExpired, EscrowCommitted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.canTransitionTo(tt.to); got != tt.want {
				t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestEscrowTerminalStatesHaveNoExits(t *testing.T) {
	all := []EscrowState{
		EscrowFailed, EscrowRefunded, EscrowExpired, EscrowQuoteExpired,
		EscrowQuoteSoftExpired, EscrowCreated, EscrowCommitted,
		EscrowBtcTxConfirmed, EscrowClaimed, EscrowRefundable,
	}
	for _, s := range all {
		if !s.IsTerminal() {
			continue
		}
		for _, next := range all {
			if s.canTransitionTo(next) {
				t.Errorf("terminal state %s allows transition to %s", s, next)
			}
		}
	}
}

func TestEscrowRankOrdering(t *testing.T) {
	// The in-flight progression must be strictly increasing so force-set
	// logic can refuse regressions.
	order := []EscrowState{
		EscrowCreated, EscrowCommitted, EscrowBtcTxConfirmed, EscrowClaimed,
	}
	for i := 1; i < len(order); i++ {
		if order[i].rank() <= order[i-1].rank() {
			t.Errorf("rank(%s) = %d not above rank(%s) = %d",
				order[i], order[i].rank(), order[i-1], order[i-1].rank())
		}
	}

	if EscrowState("BOGUS").rank() != -1 {
		t.Error("unknown state should rank -1")
	}
}

func TestVaultTransitions(t *testing.T) {
	tests := []struct {
		name string
		from VaultState
		to   VaultState
		want bool
	}{
		{"created to signed", VaultCreated, VaultSigned, true},
		{"signed to posted", VaultSigned, VaultPosted, true},
		{"signed declined", VaultSigned, VaultDeclined, true},
		{"posted to broadcasted", VaultPosted, VaultBroadcasted, true},
		{"broadcasted to fronted", VaultBroadcasted, VaultFronted, true},
		{"broadcasted to confirmed", VaultBroadcasted, VaultBtcTxConfirmed, true},
		{"fronted to confirmed", VaultFronted, VaultBtcTxConfirmed, true},
		{"confirmed to fronted", VaultBtcTxConfirmed, VaultFronted, true},
		{"fronted to claimed", VaultFronted, VaultClaimed, true},
		{"confirmed to closed", VaultBtcTxConfirmed, VaultClosed, true},

		{"created skips to posted", VaultCreated, VaultPosted, false},
		{"soft expired cannot sign", VaultQuoteSoftExpired, VaultSigned, false},
		{"declined to posted", VaultDeclined, VaultPosted, false},
		{"claimed to closed", VaultClaimed, VaultClosed, false},
		{"broadcasted quote expiry too late", VaultBroadcasted, VaultQuoteExpired, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.canTransitionTo(tt.to); got != tt.want {
				t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestVaultTerminalAndSuccess(t *testing.T) {
	terminals := []VaultState{
		VaultClaimed, VaultClosed, VaultFailed, VaultDeclined, VaultQuoteExpired,
	}
	for _, s := range terminals {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []VaultState{VaultCreated, VaultSigned, VaultPosted, VaultBroadcasted, VaultFronted, VaultBtcTxConfirmed} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}

	if !VaultClaimed.IsSuccess() || VaultClosed.IsSuccess() {
		t.Error("only CLAIMED is a success state")
	}
	if !EscrowClaimed.IsSuccess() || EscrowRefunded.IsSuccess() {
		t.Error("only CLAIMED is a success state")
	}
}

func TestVaultFrontedAndConfirmedShareRank(t *testing.T) {
	// Fronting and Bitcoin confirmation race; neither may be treated as a
	// regression of the other.
	if VaultFronted.rank() != VaultBtcTxConfirmed.rank() {
		t.Errorf("FRONTED rank %d != BTC_TX_CONFIRMED rank %d",
			VaultFronted.rank(), VaultBtcTxConfirmed.rank())
	}
}
