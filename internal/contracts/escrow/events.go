package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// CommittedEvent is emitted when an escrow is created on chain.
type CommittedEvent struct {
	ClaimHash [32]byte
	Offerer   common.Address
	Amount    *big.Int
	TxHash    common.Hash
	BlockNum  uint64
}

// ClaimedEvent is emitted when an escrow is paid out. It carries the revealed
// secret, which is what makes cross-chain settlement possible.
type ClaimedEvent struct {
	ClaimHash [32]byte
	Secret    [32]byte
	TxHash    common.Hash
	BlockNum  uint64
}

// RefundedEvent is emitted when an escrow is refunded to the offerer.
type RefundedEvent struct {
	ClaimHash [32]byte
	Offerer   common.Address
	TxHash    common.Hash
	BlockNum  uint64
}

type committedLog struct {
	ClaimHash [32]byte
	Offerer   common.Address
	Amount    *big.Int
}

type claimedLog struct {
	ClaimHash [32]byte
	Secret    [32]byte
}

type refundedLog struct {
	ClaimHash [32]byte
	Offerer   common.Address
}

// WatchCommitted subscribes to Committed events for the given claim hashes.
func (c *Client) WatchCommitted(ctx context.Context, claimHashes [][32]byte) (<-chan *CommittedEvent, error) {
	logs, sub, err := c.bound.WatchLogs(&bind.WatchOpts{Context: ctx}, "Committed", toQuery(claimHashes), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to watch Committed: %w", err)
	}

	out := make(chan *CommittedEvent, 10)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case lg := <-logs:
				var ev committedLog
				if err := c.bound.UnpackLog(&ev, "Committed", lg); err != nil {
					continue
				}
				out <- &CommittedEvent{
					ClaimHash: ev.ClaimHash,
					Offerer:   ev.Offerer,
					Amount:    ev.Amount,
					TxHash:    lg.TxHash,
					BlockNum:  lg.BlockNumber,
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchClaimed subscribes to Claimed events for the given claim hashes.
// The returned channel is closed when ctx is cancelled.
func (c *Client) WatchClaimed(ctx context.Context, claimHashes [][32]byte) (<-chan *ClaimedEvent, error) {
	logs, sub, err := c.bound.WatchLogs(&bind.WatchOpts{Context: ctx}, "Claimed", toQuery(claimHashes))
	if err != nil {
		return nil, fmt.Errorf("failed to watch Claimed: %w", err)
	}

	out := make(chan *ClaimedEvent, 10)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case lg := <-logs:
				var ev claimedLog
				if err := c.bound.UnpackLog(&ev, "Claimed", lg); err != nil {
					continue
				}
				out <- &ClaimedEvent{
					ClaimHash: ev.ClaimHash,
					Secret:    ev.Secret,
					TxHash:    lg.TxHash,
					BlockNum:  lg.BlockNumber,
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchRefunded subscribes to Refunded events for the given claim hashes.
func (c *Client) WatchRefunded(ctx context.Context, claimHashes [][32]byte) (<-chan *RefundedEvent, error) {
	logs, sub, err := c.bound.WatchLogs(&bind.WatchOpts{Context: ctx}, "Refunded", toQuery(claimHashes), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to watch Refunded: %w", err)
	}

	out := make(chan *RefundedEvent, 10)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case lg := <-logs:
				var ev refundedLog
				if err := c.bound.UnpackLog(&ev, "Refunded", lg); err != nil {
					continue
				}
				out <- &RefundedEvent{
					ClaimHash: ev.ClaimHash,
					Offerer:   ev.Offerer,
					TxHash:    lg.TxHash,
					BlockNum:  lg.BlockNumber,
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// FilterClaimed queries historical Claimed events in a block range. Used to
// recover the secret when the live subscription missed the event.
func (c *Client) FilterClaimed(ctx context.Context, fromBlock, toBlock uint64, claimHashes [][32]byte) ([]*ClaimedEvent, error) {
	opts := &bind.FilterOpts{Start: fromBlock, End: &toBlock, Context: ctx}
	logs, sub, err := c.bound.FilterLogs(opts, "Claimed", toQuery(claimHashes))
	if err != nil {
		return nil, fmt.Errorf("failed to filter Claimed: %w", err)
	}
	defer sub.Unsubscribe()

	var events []*ClaimedEvent
	for lg := range logs {
		var ev claimedLog
		if err := c.bound.UnpackLog(&ev, "Claimed", lg); err != nil {
			continue
		}
		events = append(events, &ClaimedEvent{
			ClaimHash: ev.ClaimHash,
			Secret:    ev.Secret,
			TxHash:    lg.TxHash,
			BlockNum:  lg.BlockNumber,
		})
	}
	return events, nil
}

// GetSecretFromClaim extracts the revealed secret from a claim transaction's
// receipt. Useful when the claim was observed only as a txid.
func (c *Client) GetSecretFromClaim(ctx context.Context, txHash common.Hash) ([32]byte, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to get receipt: %w", err)
	}

	for _, lg := range receipt.Logs {
		if lg.Address != c.contractAddress {
			continue
		}
		var ev claimedLog
		if err := c.bound.UnpackLog(&ev, "Claimed", *lg); err != nil {
			continue
		}
		return ev.Secret, nil
	}
	return [32]byte{}, fmt.Errorf("no Claimed event found in transaction %s", txHash)
}

func toQuery(claimHashes [][32]byte) []interface{} {
	if len(claimHashes) == 0 {
		return nil
	}
	q := make([]interface{}, len(claimHashes))
	for i, h := range claimHashes {
		q[i] = h
	}
	return q
}
