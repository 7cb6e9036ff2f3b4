package swap

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/atlasswap/atlas/internal/backend"
)

// The vault withdrawal tracer lets the client accept a quote that references
// a vault UTXO several withdrawals "ahead of" the last UTXO its own chain
// view has confirmed. It walks the chain of vault-spending transactions
// backward from the LP-declared UTXO to the contract-confirmed one, then
// replays the pending withdrawals against the vault's balances. Both guards
// are funds-safety checks: the depth bound stops a griefing LP from forcing
// unbounded client work, and the balance replay stops accepting a quote the
// vault cannot actually cover.

// TraceWithdrawals walks backward from the LP-declared current vault UTXO to
// the last on-chain-confirmed UTXO, returning the pending withdrawal
// descriptors in chain order (oldest first). A trace that would need more
// than maxDelta hops is rejected with an economic error, never truncated.
func TraceWithdrawals(ctx context.Context, b backend.Backend,
	current, confirmed backend.OutPoint, maxDelta int) ([]*Withdrawal, error) {

	if current == confirmed {
		return nil, nil
	}

	var pending []*Withdrawal
	cursor := current

	for hop := 0; ; hop++ {
		if hop >= maxDelta {
			return nil, economicErrorf("vault trace exceeds %d transactions", maxDelta)
		}
		if cursor.Vout != 0 {
			return nil, economicErrorf("vault utxo %s:%d is not a continuation output",
				cursor.TxID, cursor.Vout)
		}

		raw, err := b.GetRawTransaction(ctx, cursor.TxID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch vault transaction %s: %w", cursor.TxID, err)
		}

		w, err := ParseWithdrawalBytes(raw)
		if err != nil {
			return nil, economicErrorf("vault spend %s is not a valid withdrawal: %v", cursor.TxID, err)
		}

		// Script continuity: this withdrawal must re-lock under the same
		// script the next (later) withdrawal spends from.
		if len(pending) > 0 && !bytes.Equal(pending[0].VaultScript, w.VaultScript) {
			return nil, economicErrorf("vault script discontinuity at %s", cursor.TxID)
		}

		pending = append([]*Withdrawal{w}, pending...)

		if w.PriorUtxo == confirmed {
			return pending, nil
		}
		cursor = w.PriorUtxo
	}
}

// replayWithdrawals applies pending withdrawals to the vault's raw token
// balances, rejecting the chain as soon as any hop overdraws either token.
// Returns the balances remaining after all pending withdrawals settle.
func replayWithdrawals(balances [2]*big.Int, pending []*Withdrawal) ([2]*big.Int, error) {
	remaining := [2]*big.Int{
		new(big.Int).Set(balances[0]),
		new(big.Int).Set(balances[1]),
	}

	for _, w := range pending {
		for token := 0; token < 2; token++ {
			owed := new(big.Int).SetUint64(w.totalOwed(token))
			if remaining[token].Cmp(owed) < 0 {
				return remaining, economicErrorf(
					"withdrawal %s overdraws token %d: owes %s, vault has %s",
					w.TxID, token, owed, remaining[token])
			}
			remaining[token].Sub(remaining[token], owed)
		}
	}

	return remaining, nil
}
