package backend

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atlasswap/atlas/pkg/logging"
)

// BlockTracker maintains a websocket subscription to a mempool.space
// instance and notifies registered listeners whenever a new block arrives.
// The swap watchdog uses these nudges to re-poll immediately instead of
// waiting out its full poll interval.
type BlockTracker struct {
	wsURL string
	log   *logging.Logger

	mu        sync.Mutex
	listeners []chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBlockTracker creates a tracker for the given mempool.space REST base
// URL. The websocket endpoint is derived from it.
func NewBlockTracker(baseURL string, log *logging.Logger) *BlockTracker {
	wsURL := strings.TrimSuffix(baseURL, "/api")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/api/v1/ws"

	ctx, cancel := context.WithCancel(context.Background())
	return &BlockTracker{
		wsURL:  wsURL,
		log:    log.Component("block-tracker"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Subscribe registers a listener channel. The channel receives a signal
// (non-blocking send) on every new block.
func (t *BlockTracker) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.listeners = append(t.listeners, ch)
	t.mu.Unlock()
	return ch
}

// Start runs the websocket read loop until Stop is called. Connection
// failures are retried with a fixed backoff.
func (t *BlockTracker) Start() {
	go func() {
		defer close(t.done)
		for {
			if t.ctx.Err() != nil {
				return
			}
			if err := t.run(); err != nil && t.ctx.Err() == nil {
				t.log.Debug("websocket disconnected, reconnecting", "error", err)
			}
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(10 * time.Second):
			}
		}
	}()
}

// Stop terminates the tracker and waits for the read loop to exit.
func (t *BlockTracker) Stop() {
	t.cancel()
	<-t.done
}

func (t *BlockTracker) run() error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(t.ctx, t.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Ask the server for block events only.
	want := map[string]interface{}{"action": "want", "data": []string{"blocks"}}
	if err := conn.WriteJSON(want); err != nil {
		return err
	}

	// Close the connection when the tracker is stopped so ReadMessage
	// unblocks.
	go func() {
		<-t.ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var payload struct {
			Block *struct {
				Height int64 `json:"height"`
			} `json:"block"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil {
			continue
		}
		if payload.Block == nil {
			continue
		}

		t.log.Debug("new block", "height", payload.Block.Height)
		t.notify()
	}
}

func (t *BlockTracker) notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
