package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string) *MempoolBackend {
	return &MempoolBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect tests the connection to the API.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.tipHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	m.connected = true
	return nil
}

// Close closes the connection.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// GetTransaction returns a transaction by id.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		return nil, err
	}

	tx := result.convert()

	// The API reports block_height but not confirmations directly.
	if tx.Confirmed && tx.BlockHeight > 0 {
		tip, err := m.GetBlockHeight(ctx)
		if err == nil && tip >= tx.BlockHeight {
			tx.Confirmations = tip - tx.BlockHeight + 1
		}
	}

	return tx, nil
}

// GetRawTransaction returns raw transaction bytes (the API serves hex).
func (m *MempoolBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+"/tx/"+txID+"/hex", nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// GetOutspend reports the spend status of a single output.
func (m *MempoolBackend) GetOutspend(ctx context.Context, op OutPoint) (*Outspend, error) {
	var result struct {
		Spent  bool   `json:"spent"`
		TxID   string `json:"txid"`
		Vin    uint32 `json:"vin"`
		Status struct {
			Confirmed bool `json:"confirmed"`
		} `json:"status"`
	}

	path := fmt.Sprintf("/tx/%s/outspend/%d", op.TxID, op.Vout)
	if err := m.get(ctx, path, &result); err != nil {
		return nil, err
	}

	return &Outspend{
		Spent:        result.Spent,
		SpendingTxID: result.TxID,
		SpendingVin:  result.Vin,
		Confirmed:    result.Status.Confirmed,
	}, nil
}

// GetAddressTxs returns transactions for an address, newest first.
func (m *MempoolBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	endpoint := "/address/" + address + "/txs"
	if lastSeenTxID != "" {
		endpoint += "/chain/" + lastSeenTxID
	}

	var result []mempoolTx
	if err := m.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}

	txs := make([]Transaction, len(result))
	for i := range result {
		txs[i] = *result[i].convert()
	}
	return txs, nil
}

// BroadcastTransaction broadcasts a raw transaction.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, string(body))
	}

	// Response body is the txid.
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current chain tip height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	return m.tipHeight(ctx)
}

// GetBlockHeader returns the raw block header (the API serves hex).
func (m *MempoolBackend) GetBlockHeader(ctx context.Context, blockHash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+"/block/"+blockHash+"/header", nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(body)))
}

// GetMerkleProof returns the SPV inclusion proof for a confirmed transaction.
func (m *MempoolBackend) GetMerkleProof(ctx context.Context, txID string) (*MerkleProof, error) {
	var result MerkleProof
	if err := m.get(ctx, "/tx/"+txID+"/merkle-proof", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetFeeEstimates returns fee estimates for standard confirmation targets.
func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  uint64(result["fastestFee"]),
		HalfHourFee: uint64(result["halfHourFee"]),
		HourFee:     uint64(result["hourFee"]),
		EconomyFee:  uint64(result["economyFee"]),
		MinimumFee:  uint64(result["minimumFee"]),
	}, nil
}

func (m *MempoolBackend) tipHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var height int64
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// get performs a GET request and decodes the JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Cache-busting headers avoid stale CDN responses.
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrTxNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// mempoolTx is the mempool.space transaction wire format.
type mempoolTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID     string   `json:"txid"`
		Vout     uint32   `json:"vout"`
		Witness  []string `json:"witness"`
		Sequence uint32   `json:"sequence"`
		Prevout  *struct {
			ScriptPubKey     string `json:"scriptpubkey"`
			ScriptPubKeyType string `json:"scriptpubkey_type"`
			ScriptPubKeyAddr string `json:"scriptpubkey_address"`
			Value            uint64 `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyType string `json:"scriptpubkey_type"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

func (mt *mempoolTx) convert() *Transaction {
	tx := &Transaction{
		TxID:        mt.TxID,
		Version:     mt.Version,
		Size:        mt.Size,
		Weight:      mt.Weight,
		LockTime:    mt.LockTime,
		Fee:         mt.Fee,
		Confirmed:   mt.Status.Confirmed,
		BlockHash:   mt.Status.BlockHash,
		BlockHeight: mt.Status.BlockHeight,
		BlockTime:   mt.Status.BlockTime,
		Inputs:      make([]TxInput, len(mt.Vin)),
		Outputs:     make([]TxOutput, len(mt.Vout)),
	}

	for j, vin := range mt.Vin {
		input := TxInput{
			TxID:     vin.TxID,
			Vout:     vin.Vout,
			Witness:  vin.Witness,
			Sequence: vin.Sequence,
		}
		if vin.Prevout != nil {
			input.PrevOut = &TxOutput{
				ScriptPubKey:     vin.Prevout.ScriptPubKey,
				ScriptPubKeyType: vin.Prevout.ScriptPubKeyType,
				ScriptPubKeyAddr: vin.Prevout.ScriptPubKeyAddr,
				Value:            vin.Prevout.Value,
			}
		}
		tx.Inputs[j] = input
	}

	for j, vout := range mt.Vout {
		tx.Outputs[j] = TxOutput{
			ScriptPubKey:     vout.ScriptPubKey,
			ScriptPubKeyType: vout.ScriptPubKeyType,
			ScriptPubKeyAddr: vout.ScriptPubKeyAddr,
			Value:            vout.Value,
		}
	}

	return tx
}

// Ensure MempoolBackend implements Backend
var _ Backend = (*MempoolBackend)(nil)
