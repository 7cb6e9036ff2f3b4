package swap

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/atlasswap/atlas/internal/backend"
	"github.com/atlasswap/atlas/internal/chain"
	"github.com/atlasswap/atlas/internal/contracts/vault"
	"github.com/atlasswap/atlas/internal/intermediary"
	"github.com/atlasswap/atlas/internal/wallet"
	"github.com/atlasswap/atlas/pkg/logging"
)

// BIP-173 example address; the quote's LP payout leg in tests.
const testPayoutAddress = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"

// fakeVaultContract is an in-memory VaultContract.
type fakeVaultContract struct {
	mu sync.Mutex

	vault    *vault.Vault
	vaultErr error

	wstate *vault.WithdrawalState

	claimErr error
	nonce    uint64
}

func (f *fakeVaultContract) GetVault(context.Context, common.Address, *big.Int) (*vault.Vault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vault, f.vaultErr
}

func (f *fakeVaultContract) GetWithdrawalState(context.Context, string) (*vault.WithdrawalState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wstate == nil {
		return &vault.WithdrawalState{Kind: vault.StateNotFound}, nil
	}
	return f.wstate, nil
}

func (f *fakeVaultContract) Claim(context.Context, *ecdsa.PrivateKey, string, []byte, [][32]byte, *big.Int) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	f.nonce++
	return types.NewTx(&types.LegacyTx{Nonce: f.nonce}), nil
}

type vaultFixture struct {
	swap     *VaultSwap
	quote    *VaultQuote
	contract *fakeVaultContract
	btc      *fakeBitcoin
	lp       *fakeIntermediary
	store    *memStore

	payoutScript []byte
}

// newVaultFixture builds a CREATED vault swap. The quoted UTXO is itself a
// withdrawal continuation output registered with the fake backend, so the
// re-lock check in validation is exercised.
func newVaultFixture(t *testing.T, quoteExpiry time.Time) *vaultFixture {
	t.Helper()

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	payoutScript, err := wallet.AddressToScript(testPayoutAddress, chain.Testnet)
	if err != nil {
		t.Fatalf("payout script: %v", err)
	}

	btc := newFakeBitcoin()
	priorTx := makeWithdrawalTx(t,
		backend.OutPoint{TxID: confirmedVaultTxID, Vout: 0},
		testVaultScript, testRecipient, [2]uint64{1000, 0}, 100, 50, payoutScript, 10_000)
	priorTxID := btc.addRawTx(priorTx)

	mult := big.NewInt(12_500)
	contract := &fakeVaultContract{
		vault: &vault.Vault{
			UtxoTxID: confirmedVaultTxID,
			UtxoVout: 0,
			Balances: [2]vault.TokenBalance{
				{Amount: big.NewInt(1_000_000), Multiplier: mult},
				{Amount: big.NewInt(0), Multiplier: mult},
			},
		},
	}
	lp := &fakeIntermediary{spvResult: &intermediary.SpvInitResult{Accepted: true}}
	store := newMemStore()

	quote := &VaultQuote{
		QuoteID:          "vq-test",
		VaultID:          1,
		Recipient:        testRecipient,
		RawAmounts:       [2]uint64{1000, 0},
		OutputTotals:     [2]uint64{12_500_000, 0},
		CallerFeeShare:   100,
		FrontingFeeShare: 50,
		PayoutAddress:    testPayoutAddress,
		PayoutAmount:     10_000,
		CurrentUtxo:      backend.OutPoint{TxID: priorTxID, Vout: 0},
		Expiry:           quoteExpiry,
	}

	deps := VaultDeps{
		Contract: contract,
		Bitcoin:  btc,
		LP:       lp,
		Key:      key,
		Network:  chain.Testnet,
		Store:    store,
		Log:      logging.Default(),
		Config:   testSwapConfig(),
	}

	s, err := NewVaultSwap(quote, deps)
	if err != nil {
		t.Fatalf("NewVaultSwap: %v", err)
	}

	return &vaultFixture{
		swap:         s,
		quote:        quote,
		contract:     contract,
		btc:          btc,
		lp:           lp,
		store:        store,
		payoutScript: payoutScript,
	}
}

// signedWithdrawalTx builds the transaction the user would sign for the
// fixture's quote.
func (fx *vaultFixture) signedWithdrawalTx(t *testing.T) *wire.MsgTx {
	t.Helper()
	q := fx.quote
	return makeWithdrawalTx(t, q.CurrentUtxo, testVaultScript, q.Recipient,
		q.RawAmounts, q.CallerFeeShare, q.FrontingFeeShare, fx.payoutScript, q.PayoutAmount)
}

// finalizedPacket wraps a transaction in a PSBT with every input finalized,
// the shape SubmitPSBT expects from the signing wallet.
func finalizedPacket(t *testing.T, tx *wire.MsgTx) *psbt.Packet {
	t.Helper()
	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		t.Fatalf("psbt from tx: %v", err)
	}
	for i := range packet.Inputs {
		// One empty witness item; enough to count as finalized.
		packet.Inputs[i].FinalScriptWitness = []byte{0x01, 0x01, 0x00}
	}
	return packet
}

func TestVerifyVaultQuote(t *testing.T) {
	t.Run("accepts a covered quote behind pending withdrawals", func(t *testing.T) {
		fx := newVaultFixture(t, time.Now().Add(time.Hour))

		err := VerifyVaultQuote(context.Background(), fx.btc, fx.contract, fx.quote, 5)
		if err != nil {
			t.Fatalf("VerifyVaultQuote rejected a good quote: %v", err)
		}
	})

	t.Run("rejects scaling mismatch", func(t *testing.T) {
		fx := newVaultFixture(t, time.Now().Add(time.Hour))
		// Off by one unit after multiplier scaling.
		fx.quote.OutputTotals[0] = 12_499_999

		err := VerifyVaultQuote(context.Background(), fx.btc, fx.contract, fx.quote, 5)
		if !IsEconomic(err) {
			t.Fatalf("expected economic error for scaling mismatch, got %v", err)
		}
	})

	t.Run("rejects quote the vault cannot cover", func(t *testing.T) {
		fx := newVaultFixture(t, time.Now().Add(time.Hour))
		// The pending withdrawal owes 1002; leave less than the quote's 1002
		// behind it.
		fx.contract.vault.Balances[0].Amount = big.NewInt(1500)

		err := VerifyVaultQuote(context.Background(), fx.btc, fx.contract, fx.quote, 5)
		if !IsEconomic(err) {
			t.Fatalf("expected economic error for uncovered quote, got %v", err)
		}
	})
}

func TestVaultDepsVerifyQuote(t *testing.T) {
	fx := newVaultFixture(t, time.Now().Add(time.Hour))

	deps := fx.swap.deps
	deps.MaxTraceDepth = 5
	if err := deps.VerifyQuote(context.Background(), fx.quote); err != nil {
		t.Fatalf("VerifyQuote rejected a good quote: %v", err)
	}

	// The configured bound caps the pending-withdrawal trace; the fixture's
	// quote sits one unconfirmed hop past the contract-confirmed UTXO.
	deps.MaxTraceDepth = 0
	if err := deps.VerifyQuote(context.Background(), fx.quote); !IsEconomic(err) {
		t.Fatalf("expected economic error past the trace bound, got %v", err)
	}
}

func TestVaultSubmitPSBT(t *testing.T) {
	fx := newVaultFixture(t, time.Now().Add(time.Hour))
	tx := fx.signedWithdrawalTx(t)

	if err := fx.swap.SubmitPSBT(context.Background(), finalizedPacket(t, tx)); err != nil {
		t.Fatalf("SubmitPSBT failed: %v", err)
	}

	if got := fx.swap.State(); got != VaultPosted {
		t.Errorf("state = %s, want %s", got, VaultPosted)
	}
	if fx.swap.BtcTxID() != tx.TxHash().String() {
		t.Errorf("btc txid = %q, want %q", fx.swap.BtcTxID(), tx.TxHash())
	}
	if !fx.swap.Initiated() {
		t.Error("initiated latch not set")
	}
	if fx.lp.spvCalls != 1 || fx.lp.lastPSBT == "" {
		t.Errorf("intermediary got %d submissions", fx.lp.spvCalls)
	}

	rec := fx.store.get(fx.swap.ID())
	if rec == nil {
		t.Fatal("swap not persisted")
	}
	if rec.BtcTxID != tx.TxHash().String() {
		t.Errorf("persisted btc txid = %q", rec.BtcTxID)
	}
}

func TestVaultSubmitPSBTRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(fx *vaultFixture)
	}{
		{"wrong recipient", func(fx *vaultFixture) {
			fx.quote.Recipient = common.HexToAddress("0x2222222222222222222222222222222222222222")
		}},
		{"wrong amounts", func(fx *vaultFixture) {
			fx.quote.RawAmounts[0] = 999
		}},
		{"wrong fee shares", func(fx *vaultFixture) {
			fx.quote.CallerFeeShare = 200
		}},
		{"wrong prior utxo", func(fx *vaultFixture) {
			fx.quote.CurrentUtxo.Vout = 1
		}},
		{"wrong payout amount", func(fx *vaultFixture) {
			fx.quote.PayoutAmount = 9_999
		}},
		{"quoted utxo already spent", func(fx *vaultFixture) {
			fx.btc.setOutspend(fx.quote.CurrentUtxo,
				&backend.Outspend{Spent: true, SpendingTxID: "someone-else"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newVaultFixture(t, time.Now().Add(time.Hour))
			tx := fx.signedWithdrawalTx(t)
			tt.mutate(fx)

			err := fx.swap.SubmitPSBT(context.Background(), finalizedPacket(t, tx))
			if !IsEconomic(err) {
				t.Fatalf("expected economic error, got %v", err)
			}
			if got := fx.swap.State(); got != VaultCreated {
				t.Errorf("rejected submission moved state to %s", got)
			}
			if fx.swap.Initiated() {
				t.Error("rejected submission set the initiated latch")
			}
		})
	}
}

func TestVaultSubmitPSBTExpiredQuote(t *testing.T) {
	fx := newVaultFixture(t, time.Now().Add(-time.Minute))
	tx := fx.signedWithdrawalTx(t)

	err := fx.swap.SubmitPSBT(context.Background(), finalizedPacket(t, tx))
	if !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("SubmitPSBT err = %v, want ErrQuoteExpired", err)
	}
}

func TestVaultSubmitPSBTDeclined(t *testing.T) {
	fx := newVaultFixture(t, time.Now().Add(time.Hour))
	fx.lp.spvResult = &intermediary.SpvInitResult{Accepted: false, Reason: "stale quote"}

	err := fx.swap.SubmitPSBT(context.Background(), finalizedPacket(t, fx.signedWithdrawalTx(t)))
	if err == nil {
		t.Fatal("declined submission must surface an error")
	}
	if got := fx.swap.State(); got != VaultDeclined {
		t.Errorf("state = %s, want %s", got, VaultDeclined)
	}
}

func TestVaultRepostAfterTransientFailure(t *testing.T) {
	fx := newVaultFixture(t, time.Now().Add(time.Hour))
	fx.lp.spvErr = errors.New("lp unreachable")

	err := fx.swap.SubmitPSBT(context.Background(), finalizedPacket(t, fx.signedWithdrawalTx(t)))
	if err == nil {
		t.Fatal("expected the transient failure to surface")
	}
	if got := fx.swap.State(); got != VaultSigned {
		t.Fatalf("state = %s, want %s so the submission can be retried", got, VaultSigned)
	}

	fx.lp.mu.Lock()
	fx.lp.spvErr = nil
	fx.lp.mu.Unlock()

	if err := fx.swap.RepostPSBT(context.Background()); err != nil {
		t.Fatalf("RepostPSBT failed: %v", err)
	}
	if got := fx.swap.State(); got != VaultPosted {
		t.Errorf("state = %s, want %s", got, VaultPosted)
	}
}

func TestVaultSyncStateDoubleSpend(t *testing.T) {
	setup := func(t *testing.T, state VaultState) *vaultFixture {
		fx := newVaultFixture(t, time.Now().Add(time.Hour))
		fx.swap.mu.Lock()
		fx.swap.state = state
		fx.swap.btcTxID = "our-withdrawal"
		fx.swap.mu.Unlock()
		return fx
	}

	t.Run("own spend advances to broadcasted", func(t *testing.T) {
		fx := setup(t, VaultPosted)
		fx.btc.setOutspend(fx.quote.CurrentUtxo,
			&backend.Outspend{Spent: true, SpendingTxID: "our-withdrawal"})

		if err := fx.swap.SyncState(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := fx.swap.State(); got != VaultBroadcasted {
			t.Errorf("state = %s, want %s", got, VaultBroadcasted)
		}
	})

	t.Run("competing spend before broadcast voids the quote", func(t *testing.T) {
		fx := setup(t, VaultSigned)
		fx.btc.setOutspend(fx.quote.CurrentUtxo,
			&backend.Outspend{Spent: true, SpendingTxID: "competitor"})

		if err := fx.swap.SyncState(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := fx.swap.State(); got != VaultQuoteExpired {
			t.Errorf("state = %s, want %s", got, VaultQuoteExpired)
		}
	})

	t.Run("competing spend after broadcast is a failure", func(t *testing.T) {
		fx := setup(t, VaultBroadcasted)
		fx.btc.setOutspend(fx.quote.CurrentUtxo,
			&backend.Outspend{Spent: true, SpendingTxID: "competitor"})

		if err := fx.swap.SyncState(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := fx.swap.State(); got != VaultFailed {
			t.Errorf("state = %s, want %s", got, VaultFailed)
		}
	})
}

func TestVaultSettlement(t *testing.T) {
	fx := newVaultFixture(t, time.Now().Add(time.Hour))
	s := fx.swap
	s.mu.Lock()
	s.state = VaultBroadcasted
	s.btcTxID = "our-withdrawal"
	s.mu.Unlock()

	fronted := common.HexToHash("0x0f")
	fx.contract.wstate = &vault.WithdrawalState{Kind: vault.StateFronted, TxHash: fronted}
	if err := s.SyncState(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != VaultFronted || s.FrontTxID() != fronted.Hex() {
		t.Fatalf("after fronting: state=%s front=%q", s.State(), s.FrontTxID())
	}

	// Settlement events arrive at least once; replays are no-ops.
	claimed := common.HexToHash("0x0c")
	ev := &vault.Event{Kind: vault.StateClaimed, BtcTxID: "our-withdrawal", TxHash: claimed}
	for i := 0; i < 2; i++ {
		if err := s.ApplyEvent(ev); err != nil {
			t.Fatal(err)
		}
	}
	if s.State() != VaultClaimed || s.ClaimTxID() != claimed.Hex() {
		t.Fatalf("after claim: state=%s claim=%q", s.State(), s.ClaimTxID())
	}

	// Events for other withdrawals are ignored entirely.
	if err := s.ApplyEvent(&vault.Event{Kind: vault.StateClosed, BtcTxID: "not-ours"}); err != nil {
		t.Fatal(err)
	}
	if s.State() != VaultClaimed {
		t.Errorf("foreign event changed state to %s", s.State())
	}
}

func TestVaultManualClaim(t *testing.T) {
	fx := newVaultFixture(t, time.Now().Add(time.Hour))
	s := fx.swap

	txID := "00000000000000000000000000000000000000000000000000000000000000dd"
	blockHash := "00000000000000000000000000000000000000000000000000000000000000bb"
	s.mu.Lock()
	s.state = VaultBtcTxConfirmed
	s.btcTxID = txID
	s.btcConfirmedAt = time.Now().Add(-10 * time.Minute)
	s.mu.Unlock()

	// Grace window (one hour) still open.
	if err := s.Claim(context.Background()); err == nil {
		t.Fatal("claim inside the grace window must be refused")
	}

	s.mu.Lock()
	s.btcConfirmedAt = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	fx.btc.setTx(&backend.Transaction{TxID: txID, Confirmed: true, BlockHash: blockHash})
	fx.btc.mu.Lock()
	fx.btc.headers[blockHash] = make([]byte, 80)
	fx.btc.proofs[txID] = &backend.MerkleProof{
		BlockHeight: 100,
		Merkle: []string{
			"00000000000000000000000000000000000000000000000000000000000000e1",
			"00000000000000000000000000000000000000000000000000000000000000e2",
		},
		Pos: 3,
	}
	fx.btc.mu.Unlock()

	if err := s.Claim(context.Background()); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if got := s.State(); got != VaultClaimed {
		t.Errorf("state = %s, want %s", got, VaultClaimed)
	}
	if s.ClaimTxID() == "" {
		t.Error("claim txid breadcrumb not set")
	}
}

func TestVaultClaimPersistFailure(t *testing.T) {
	fx := newVaultFixture(t, time.Now().Add(time.Hour))
	s := fx.swap

	txID := "00000000000000000000000000000000000000000000000000000000000000dd"
	blockHash := "00000000000000000000000000000000000000000000000000000000000000bb"
	s.mu.Lock()
	s.state = VaultBtcTxConfirmed
	s.btcTxID = txID
	s.btcConfirmedAt = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	fx.btc.setTx(&backend.Transaction{TxID: txID, Confirmed: true, BlockHash: blockHash})
	fx.btc.mu.Lock()
	fx.btc.headers[blockHash] = make([]byte, 80)
	fx.btc.proofs[txID] = &backend.MerkleProof{
		BlockHeight: 100,
		Merkle: []string{
			"00000000000000000000000000000000000000000000000000000000000000e1",
		},
		Pos: 1,
	}
	fx.btc.mu.Unlock()

	// The claim breadcrumb must roll back together with the state: a stored
	// claim txid implies a stored CLAIMED state.
	fx.store.saveErr = errors.New("disk full")
	if err := s.Claim(context.Background()); err == nil {
		t.Fatal("claim with failing persistence must surface the error")
	}
	if got := s.State(); got != VaultBtcTxConfirmed {
		t.Errorf("state = %s, want rollback to %s", got, VaultBtcTxConfirmed)
	}
	if s.ClaimTxID() != "" {
		t.Errorf("claim breadcrumb %q survived the rollback", s.ClaimTxID())
	}

	fx.store.saveErr = nil
	if err := s.Claim(context.Background()); err != nil {
		t.Fatalf("retry after persistence recovered: %v", err)
	}
	if got := s.State(); got != VaultClaimed {
		t.Errorf("state = %s, want %s", got, VaultClaimed)
	}
	if s.ClaimTxID() == "" {
		t.Error("claim txid breadcrumb not set after retry")
	}
}

// TestVaultReconcileInterleavings shuffles reconciliation inputs that all
// imply forward progress and checks that, whatever order they land in, the
// state climbs the rank order monotonically, never leaves a terminal state,
// and settles on CLAIMED.
func TestVaultReconcileInterleavings(t *testing.T) {
	fronted := common.HexToHash("0x0f")
	claimed := common.HexToHash("0x0c")

	ops := []struct {
		name  string
		apply func(s *VaultSwap) error
	}{
		{"tick", func(s *VaultSwap) error { return s.Tick(time.Now()) }},
		{"sync", func(s *VaultSwap) error { return s.SyncState(context.Background()) }},
		{"fronted event", func(s *VaultSwap) error {
			return s.ApplyEvent(&vault.Event{Kind: vault.StateFronted, BtcTxID: "our-withdrawal", TxHash: fronted})
		}},
		{"claimed event", func(s *VaultSwap) error {
			return s.ApplyEvent(&vault.Event{Kind: vault.StateClaimed, BtcTxID: "our-withdrawal", TxHash: claimed})
		}},
		{"replayed fronted event", func(s *VaultSwap) error {
			return s.ApplyEvent(&vault.Event{Kind: vault.StateFronted, BtcTxID: "our-withdrawal", TxHash: fronted})
		}},
		{"second sync", func(s *VaultSwap) error { return s.SyncState(context.Background()) }},
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 100; round++ {
		fx := newVaultFixture(t, time.Now().Add(time.Hour))
		s := fx.swap
		s.mu.Lock()
		s.state = VaultPosted
		s.btcTxID = "our-withdrawal"
		s.mu.Unlock()
		fx.contract.wstate = &vault.WithdrawalState{Kind: vault.StateClaimed, TxHash: claimed}

		prev := s.State()
		for _, i := range rng.Perm(len(ops)) {
			op := ops[i]
			if err := op.apply(s); err != nil {
				t.Fatalf("round %d: %s: %v", round, op.name, err)
			}
			cur := s.State()
			if cur.rank() < prev.rank() {
				t.Fatalf("round %d: %s regressed %s to %s", round, op.name, prev, cur)
			}
			if prev.IsTerminal() && cur != prev {
				t.Fatalf("round %d: %s left terminal state %s for %s", round, op.name, prev, cur)
			}
			prev = cur
		}
		if prev != VaultClaimed {
			t.Fatalf("round %d: settled swap ended in %s", round, prev)
		}
	}
}

func TestVaultTick(t *testing.T) {
	now := time.Now()

	t.Run("created expires", func(t *testing.T) {
		fx := newVaultFixture(t, now.Add(time.Hour))
		if err := fx.swap.Tick(now.Add(57 * time.Minute)); err != nil {
			t.Fatal(err)
		}
		if fx.swap.State() != VaultQuoteSoftExpired {
			t.Fatalf("state = %s, want %s", fx.swap.State(), VaultQuoteSoftExpired)
		}
		if err := fx.swap.Tick(now.Add(2 * time.Hour)); err != nil {
			t.Fatal(err)
		}
		if fx.swap.State() != VaultQuoteExpired {
			t.Fatalf("state = %s, want %s", fx.swap.State(), VaultQuoteExpired)
		}
	})

	t.Run("posted expires before broadcast", func(t *testing.T) {
		fx := newVaultFixture(t, now.Add(time.Hour))
		fx.swap.mu.Lock()
		fx.swap.state = VaultPosted
		fx.swap.mu.Unlock()

		if err := fx.swap.Tick(now.Add(2 * time.Hour)); err != nil {
			t.Fatal(err)
		}
		if fx.swap.State() != VaultQuoteExpired {
			t.Fatalf("state = %s, want %s", fx.swap.State(), VaultQuoteExpired)
		}
	})

	t.Run("broadcast outlives the quote", func(t *testing.T) {
		fx := newVaultFixture(t, now.Add(time.Hour))
		fx.swap.mu.Lock()
		fx.swap.state = VaultBroadcasted
		fx.swap.mu.Unlock()

		if err := fx.swap.Tick(now.Add(24 * time.Hour)); err != nil {
			t.Fatal(err)
		}
		if fx.swap.State() != VaultBroadcasted {
			t.Fatalf("state = %s, want unchanged %s", fx.swap.State(), VaultBroadcasted)
		}
	})
}
