package swap

import (
	"context"
	"math/big"
	"testing"

	"github.com/atlasswap/atlas/internal/backend"
)

const confirmedVaultTxID = "00000000000000000000000000000000000000000000000000000000000000c0"

// buildWithdrawalChain creates n chained withdrawals spending forward from
// the confirmed vault UTXO, registers them with the fake backend, and returns
// the descriptors oldest first.
func buildWithdrawalChain(t *testing.T, btc *fakeBitcoin, n int, amounts [2]uint64) []*Withdrawal {
	t.Helper()

	prior := backend.OutPoint{TxID: confirmedVaultTxID, Vout: 0}
	var chain []*Withdrawal
	for i := 0; i < n; i++ {
		tx := makeWithdrawalTx(t, prior, testVaultScript, testRecipient,
			amounts, 100, 50, testPayoutScript, 10_000)
		txID := btc.addRawTx(tx)

		w, err := ParseWithdrawal(tx)
		if err != nil {
			t.Fatalf("chain link %d does not parse: %v", i, err)
		}
		chain = append(chain, w)
		prior = backend.OutPoint{TxID: txID, Vout: 0}
	}
	return chain
}

func TestTraceWithdrawals(t *testing.T) {
	btc := newFakeBitcoin()
	confirmed := backend.OutPoint{TxID: confirmedVaultTxID, Vout: 0}
	chain := buildWithdrawalChain(t, btc, 3, [2]uint64{1000, 0})
	current := chain[len(chain)-1].NewUtxo

	pending, err := TraceWithdrawals(context.Background(), btc, current, confirmed, 5)
	if err != nil {
		t.Fatalf("TraceWithdrawals failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending withdrawals, want 3", len(pending))
	}
	// Oldest first, each link spending the previous one's continuation.
	for i, w := range pending {
		if w.TxID != chain[i].TxID {
			t.Errorf("pending[%d] = %s, want %s", i, w.TxID, chain[i].TxID)
		}
	}
	if pending[0].PriorUtxo != confirmed {
		t.Errorf("oldest withdrawal spends %v, want %v", pending[0].PriorUtxo, confirmed)
	}
}

func TestTraceWithdrawalsNoGap(t *testing.T) {
	btc := newFakeBitcoin()
	confirmed := backend.OutPoint{TxID: confirmedVaultTxID, Vout: 0}

	pending, err := TraceWithdrawals(context.Background(), btc, confirmed, confirmed, 5)
	if err != nil {
		t.Fatalf("TraceWithdrawals failed: %v", err)
	}
	if pending != nil {
		t.Errorf("expected no pending withdrawals, got %d", len(pending))
	}
}

func TestTraceWithdrawalsDepthBound(t *testing.T) {
	btc := newFakeBitcoin()
	confirmed := backend.OutPoint{TxID: confirmedVaultTxID, Vout: 0}
	chain := buildWithdrawalChain(t, btc, 4, [2]uint64{1, 0})
	current := chain[len(chain)-1].NewUtxo

	_, err := TraceWithdrawals(context.Background(), btc, current, confirmed, 3)
	if !IsEconomic(err) {
		t.Fatalf("expected economic error at depth bound, got %v", err)
	}
}

func TestTraceWithdrawalsRejectsNonContinuation(t *testing.T) {
	btc := newFakeBitcoin()
	confirmed := backend.OutPoint{TxID: confirmedVaultTxID, Vout: 0}

	// A vault UTXO on anything but vout 0 cannot be a continuation output.
	current := backend.OutPoint{TxID: confirmedVaultTxID, Vout: 2}
	_, err := TraceWithdrawals(context.Background(), btc, current, confirmed, 5)
	if !IsEconomic(err) {
		t.Fatalf("expected economic error for non-continuation vout, got %v", err)
	}
}

func TestTraceWithdrawalsScriptDiscontinuity(t *testing.T) {
	btc := newFakeBitcoin()
	confirmed := backend.OutPoint{TxID: confirmedVaultTxID, Vout: 0}

	// First withdrawal re-locks under a different script than the second
	// one spends from.
	otherScript := append([]byte(nil), testVaultScript...)
	otherScript[len(otherScript)-1] ^= 0xFF

	tx1 := makeWithdrawalTx(t, confirmed, otherScript, testRecipient,
		[2]uint64{1, 0}, 0, 0, testPayoutScript, 1)
	txID1 := btc.addRawTx(tx1)

	tx2 := makeWithdrawalTx(t, backend.OutPoint{TxID: txID1, Vout: 0},
		testVaultScript, testRecipient, [2]uint64{1, 0}, 0, 0, testPayoutScript, 1)
	btc.addRawTx(tx2)

	current := backend.OutPoint{TxID: tx2.TxHash().String(), Vout: 0}
	_, err := TraceWithdrawals(context.Background(), btc, current, confirmed, 5)
	if !IsEconomic(err) {
		t.Fatalf("expected economic error for script discontinuity, got %v", err)
	}
}

func TestReplayWithdrawals(t *testing.T) {
	w := func(a0, a1 uint64) *Withdrawal {
		return &Withdrawal{RawAmounts: [2]uint64{a0, a1}, CallerFeeShare: 1000}
	}

	t.Run("remaining balances", func(t *testing.T) {
		balances := [2]*big.Int{big.NewInt(500_000), big.NewInt(100)}
		remaining, err := replayWithdrawals(balances, []*Withdrawal{
			w(100_000, 0), // owes 101000 with 1% caller share
			w(200_000, 50),
		})
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		// 500000 - 101000 - 202000 = 197000; 100 - 51 = 49.
		if remaining[0].Int64() != 197_000 {
			t.Errorf("token 0 remaining = %s, want 197000", remaining[0])
		}
		if remaining[1].Int64() != 49 {
			t.Errorf("token 1 remaining = %s, want 49", remaining[1])
		}
		// Inputs untouched.
		if balances[0].Int64() != 500_000 {
			t.Error("replay mutated the input balances")
		}
	})

	t.Run("overdraw rejected", func(t *testing.T) {
		balances := [2]*big.Int{big.NewInt(150_000), big.NewInt(0)}
		_, err := replayWithdrawals(balances, []*Withdrawal{
			w(100_000, 0),
			w(100_000, 0),
		})
		if !IsEconomic(err) {
			t.Fatalf("expected economic error on overdraw, got %v", err)
		}
	})
}
