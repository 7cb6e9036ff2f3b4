package backend

import (
	"context"
)

// EsploraBackend implements Backend using the Esplora API (blockstream.info).
// The API surface is near-identical to mempool.space, so it extends
// MempoolBackend and overrides the endpoints that differ.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string) *EsploraBackend {
	return &EsploraBackend{
		MempoolBackend: NewMempoolBackend(baseURL),
	}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// GetFeeEstimates returns fee estimates. Esplora keys its map by
// confirmation target rather than by named tier.
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  uint64(result["1"]),
		HalfHourFee: uint64(result["3"]),
		HourFee:     uint64(result["6"]),
		EconomyFee:  uint64(result["144"]),
		MinimumFee:  1,
	}, nil
}

// Ensure EsploraBackend implements Backend
var _ Backend = (*EsploraBackend)(nil)
