package swap

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/atlasswap/atlas/internal/backend"
	"github.com/atlasswap/atlas/internal/storage"
)

// fakeBitcoin is an in-memory Bitcoin chain view for tests.
type fakeBitcoin struct {
	mu        sync.Mutex
	rawTxs    map[string][]byte
	txs       map[string]*backend.Transaction
	outspends map[backend.OutPoint]*backend.Outspend
	headers   map[string][]byte
	proofs    map[string]*backend.MerkleProof
	height    int64
	broadcast []string
}

func newFakeBitcoin() *fakeBitcoin {
	return &fakeBitcoin{
		rawTxs:    make(map[string][]byte),
		txs:       make(map[string]*backend.Transaction),
		outspends: make(map[backend.OutPoint]*backend.Outspend),
		headers:   make(map[string][]byte),
		proofs:    make(map[string]*backend.MerkleProof),
	}
}

// addRawTx registers a wire transaction so GetRawTransaction can serve it.
func (f *fakeBitcoin) addRawTx(tx *wire.MsgTx) string {
	w := new(bytesWriter)
	if err := tx.Serialize(w); err != nil {
		panic(err)
	}
	txID := tx.TxHash().String()
	f.mu.Lock()
	f.rawTxs[txID] = w.b
	f.mu.Unlock()
	return txID
}

func (f *fakeBitcoin) setTx(tx *backend.Transaction) {
	f.mu.Lock()
	f.txs[tx.TxID] = tx
	f.mu.Unlock()
}

func (f *fakeBitcoin) setOutspend(op backend.OutPoint, out *backend.Outspend) {
	f.mu.Lock()
	f.outspends[op] = out
	f.mu.Unlock()
}

func (f *fakeBitcoin) Type() backend.Type            { return backend.TypeMempool }
func (f *fakeBitcoin) Connect(context.Context) error { return nil }
func (f *fakeBitcoin) Close() error                  { return nil }

func (f *fakeBitcoin) GetTransaction(_ context.Context, txID string) (*backend.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txID]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeBitcoin) GetRawTransaction(_ context.Context, txID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.rawTxs[txID]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return raw, nil
}

func (f *fakeBitcoin) GetOutspend(_ context.Context, op backend.OutPoint) (*backend.Outspend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if out, ok := f.outspends[op]; ok {
		return out, nil
	}
	return &backend.Outspend{Spent: false}, nil
}

func (f *fakeBitcoin) GetAddressTxs(context.Context, string, string) ([]backend.Transaction, error) {
	return nil, nil
}

func (f *fakeBitcoin) BroadcastTransaction(_ context.Context, rawTxHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, rawTxHex)
	return fmt.Sprintf("broadcast-%d", len(f.broadcast)), nil
}

func (f *fakeBitcoin) GetBlockHeight(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeBitcoin) GetBlockHeader(_ context.Context, blockHash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hdr, ok := f.headers[blockHash]
	if !ok {
		return nil, fmt.Errorf("unknown block %s", blockHash)
	}
	return hdr, nil
}

func (f *fakeBitcoin) GetMerkleProof(_ context.Context, txID string) (*backend.MerkleProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	proof, ok := f.proofs[txID]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return proof, nil
}

func (f *fakeBitcoin) GetFeeEstimates(context.Context) (*backend.FeeEstimate, error) {
	return &backend.FeeEstimate{HalfHourFee: 10}, nil
}

var _ backend.Backend = (*fakeBitcoin)(nil)

// memStore keeps swap records in memory, satisfying the persistence the
// record base needs without touching SQLite.
type memStore struct {
	mu      sync.Mutex
	records map[string]*storage.SwapRecord
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*storage.SwapRecord)}
}

func (m *memStore) SaveSwap(rec *storage.SwapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *rec
	m.records[rec.ID] = &cp
	m.saves++
	return nil
}

func (m *memStore) get(id string) *storage.SwapRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}
