// Package intermediary implements the HTTP client for LP (liquidity
// provider) APIs: fetching quotes, posting signed PSBTs, and requesting
// cooperative refund authorizations. The swap engine only depends on the
// fields defined here; the wire format is owned by the LP.
package intermediary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Error is a structured intermediary failure. Recoverable errors (timeouts,
// 5xx) should not abort a multi-LP quote race; non-recoverable ones
// (malformed or hostile responses) should.
type Error struct {
	Op          string
	Status      int
	Msg         string
	Recoverable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("intermediary %s failed (status %d): %s", e.Op, e.Status, e.Msg)
}

// IsRecoverable reports whether err is a recoverable intermediary error.
func IsRecoverable(err error) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Recoverable
	}
	return false
}

// RefundAuthStatus is the LP's answer to a cooperative refund request.
type RefundAuthStatus string

const (
	RefundAuthPending  RefundAuthStatus = "pending"   // payment still in flight
	RefundAuthPaid     RefundAuthStatus = "paid"      // LP claims it already paid
	RefundAuthData     RefundAuthStatus = "refund"    // refund authorized, signature attached
	RefundAuthExpired  RefundAuthStatus = "expired"   // too late for cooperative refund
	RefundAuthNotFound RefundAuthStatus = "not_found" // LP does not know the swap
)

// RefundAuthorization is the response payload for a refund request.
type RefundAuthorization struct {
	Status    RefundAuthStatus `json:"status"`
	Signature string           `json:"signature,omitempty"` // hex
	// TxID is set when Status is paid: the destination-chain payment tx.
	TxID string `json:"txid,omitempty"`
}

// SpvInitResult is the LP's decision on a submitted PSBT.
type SpvInitResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	// QuoteID echoes the quote the submission was for.
	QuoteID string `json:"quote_id"`
}

// Client talks to a single LP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an LP client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// URL returns the LP base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// GetRefundAuthorization asks the LP to authorize a cooperative refund for
// the escrow identified by claimHash (hex). The sequence binds the signature
// to this specific refund attempt.
func (c *Client) GetRefundAuthorization(ctx context.Context, claimHash string, sequence uint64) (*RefundAuthorization, error) {
	path := fmt.Sprintf("/api/v1/refund/%s?sequence=%d", claimHash, sequence)

	var result RefundAuthorization
	if err := c.get(ctx, "refund_authorization", path, &result); err != nil {
		return nil, err
	}

	switch result.Status {
	case RefundAuthPending, RefundAuthPaid, RefundAuthData, RefundAuthExpired, RefundAuthNotFound:
		return &result, nil
	default:
		return nil, &Error{
			Op:          "refund_authorization",
			Msg:         fmt.Sprintf("unknown status %q", result.Status),
			Recoverable: false,
		}
	}
}

// InitSpvFromBTC posts a signed vault-withdrawal PSBT to the LP.
func (c *Client) InitSpvFromBTC(ctx context.Context, quoteID string, psbtBase64 string) (*SpvInitResult, error) {
	body := map[string]string{
		"quote_id": quoteID,
		"psbt":     psbtBase64,
	}

	var result SpvInitResult
	if err := c.post(ctx, "init_spv", "/api/v1/spv/init", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) get(ctx context.Context, op, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return &Error{Op: op, Msg: err.Error(), Recoverable: false}
	}
	return c.do(op, req, result)
}

func (c *Client) post(ctx context.Context, op, path string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: op, Msg: err.Error(), Recoverable: false}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: op, Msg: err.Error(), Recoverable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, result)
}

func (c *Client) do(op string, req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failures are always worth retrying elsewhere.
		return &Error{Op: op, Msg: err.Error(), Recoverable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &Error{Op: op, Status: resp.StatusCode, Msg: "server error", Recoverable: true}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Op: op, Status: resp.StatusCode, Msg: string(body), Recoverable: false}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Msg: "malformed response: " + err.Error(), Recoverable: false}
	}
	return nil
}
