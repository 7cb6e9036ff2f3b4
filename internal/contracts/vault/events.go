package vault

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Event is a settlement event for one vault withdrawal.
type Event struct {
	Kind     StateKind // StateFronted, StateClaimed or StateClosed
	BtcTxID  string    // big-endian display txid
	Owner    common.Address
	TxHash   common.Hash
	BlockNum uint64
}

type withdrawalLog struct {
	BtcTxHash [32]byte
	Owner     common.Address
	Recipient common.Address
}

// WatchWithdrawals subscribes to Fronted, Claimed and Closed events for a
// vault owner and multiplexes them onto one channel, ordered per event type
// by the underlying subscription. The channel closes when ctx is cancelled.
func (c *Client) WatchWithdrawals(ctx context.Context, owner common.Address) (<-chan *Event, error) {
	out := make(chan *Event, 16)

	names := []struct {
		name string
		kind StateKind
	}{
		{"Fronted", StateFronted},
		{"Claimed", StateClaimed},
		{"Closed", StateClosed},
	}

	for _, n := range names {
		logs, sub, err := c.bound.WatchLogs(&bind.WatchOpts{Context: ctx}, n.name,
			nil, []interface{}{owner})
		if err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", n.name, err)
		}

		kind := n.kind
		name := n.name
		go func() {
			defer sub.Unsubscribe()
			for {
				select {
				case lg := <-logs:
					var ev withdrawalLog
					if err := c.bound.UnpackLog(&ev, name, lg); err != nil {
						continue
					}
					out <- &Event{
						Kind:     kind,
						BtcTxID:  reverseHex(ev.BtcTxHash),
						Owner:    ev.Owner,
						TxHash:   lg.TxHash,
						BlockNum: lg.BlockNumber,
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	return out, nil
}
