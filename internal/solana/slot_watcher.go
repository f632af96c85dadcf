package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrWatcherClosed is returned when subscribing on a closed or already
// subscribed SlotWatcher.
var ErrWatcherClosed = errors.New("slot watcher closed")

// WatcherConfig configures a SlotWatcher.
type WatcherConfig struct {
	DialTimeout      time.Duration
	SubscribeTimeout time.Duration
	// ReadTimeout is the longest silence tolerated before the connection
	// is considered dead. Pongs extend it.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	// ReconnectMin and ReconnectMax bound the doubling wait between
	// reconnect attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// Buffer is the notification channel capacity. A full channel drops
	// notifications; followers fill gaps from the next head.
	Buffer int
	Logger *zap.Logger
}

// DefaultWatcherConfig returns the default SlotWatcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		DialTimeout:      10 * time.Second,
		SubscribeTimeout: 30 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		ReconnectMin:     time.Second,
		ReconnectMax:     30 * time.Second,
		Buffer:           1024,
	}
}

// SlotWatcher follows the chain head over a websocket slotSubscribe.
// Dropped connections are re-dialed and re-subscribed behind the same
// channel. One subscription per watcher.
type SlotWatcher struct {
	endpoint string
	cfg      WatcherConfig
	logger   *zap.Logger
	nextID   atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

var _ WSClient = (*SlotWatcher)(nil)

// NewSlotWatcher creates a watcher for endpoint. Nothing is dialed until
// SubscribeSlots. A nil cfg uses DefaultWatcherConfig.
func NewSlotWatcher(endpoint string, cfg *WatcherConfig) *SlotWatcher {
	c := DefaultWatcherConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.Buffer <= 0 {
		c.Buffer = 1
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlotWatcher{endpoint: endpoint, cfg: c, logger: logger}
}

// SubscribeSlots dials the endpoint and confirms the subscription before
// returning, so a bad endpoint fails here rather than on the channel.
func (w *SlotWatcher) SubscribeSlots(ctx context.Context) (<-chan SlotNotification, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.cancel != nil {
		return nil, ErrWatcherClosed
	}

	conn, err := w.dialAndSubscribe(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	out := make(chan SlotNotification, w.cfg.Buffer)

	w.wg.Add(1)
	go w.run(runCtx, conn, out)
	return out, nil
}

// Close stops the stream and waits for the channel to be closed.
func (w *SlotWatcher) Close() error {
	w.mu.Lock()
	w.closed = true
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	return nil
}

func (w *SlotWatcher) dialAndSubscribe(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	id := w.nextID.Add(1)
	deadline := time.Now().Add(w.cfg.SubscribeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(wsRequest{JSONRPC: "2.0", ID: id, Method: "slotSubscribe"}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write slotSubscribe: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		env, err := readEnvelope(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("await subscription: %w", err)
		}
		if env == nil || env.ID != id {
			continue
		}
		if env.Error != nil {
			conn.Close()
			return nil, fmt.Errorf("slotSubscribe: %w", env.Error)
		}
		if env.Result != nil {
			return conn, nil
		}
	}
}

func (w *SlotWatcher) run(ctx context.Context, conn *websocket.Conn, out chan<- SlotNotification) {
	defer w.wg.Done()
	defer close(out)

	for conn != nil {
		err := w.stream(ctx, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("slot stream interrupted", zap.Error(err))
		conn = w.reconnect(ctx)
	}
}

// stream forwards notifications from conn until it fails or ctx is done.
func (w *SlotWatcher) stream(ctx context.Context, conn *websocket.Conn, out chan<- SlotNotification) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go w.ping(conn, pingDone)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		env, err := readEnvelope(conn)
		if err != nil {
			return err
		}
		if env == nil || env.Method != "slotNotification" || env.Params == nil {
			continue
		}

		n := SlotNotification{
			Slot:   env.Params.Result.Slot,
			Parent: env.Params.Result.Parent,
			Root:   env.Params.Result.Root,
		}
		select {
		case out <- n:
		default:
			w.logger.Debug("subscriber lagging, slot dropped", zap.Uint64("slot", n.Slot))
		}
	}
}

func (w *SlotWatcher) ping(conn *websocket.Conn, done <-chan struct{}) {
	if w.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.DialTimeout))
		}
	}
}

// reconnect dials until it succeeds or ctx is done, in which case it
// returns nil.
func (w *SlotWatcher) reconnect(ctx context.Context) *websocket.Conn {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.ReconnectMin
	b.MaxInterval = w.cfg.ReconnectMax

	for {
		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		conn, err := w.dialAndSubscribe(ctx)
		if err == nil {
			w.logger.Info("slot stream resubscribed")
			return conn
		}
		w.logger.Warn("reconnect failed", zap.Duration("waited", wait), zap.Error(err))
	}
}

// readEnvelope reads one message. Unparseable messages yield nil, nil.
func readEnvelope(conn *websocket.Conn) (*wsEnvelope, error) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env wsEnvelope
	if json.Unmarshal(msg, &env) != nil {
		return nil, nil
	}
	return &env, nil
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// wsEnvelope covers subscribe responses, notifications and errors.
// Subscription ids may be 0, so Result is a pointer.
type wsEnvelope struct {
	ID     uint64                `json:"id"`
	Result *int64                `json:"result"`
	Method string                `json:"method"`
	Params *wsNotificationParams `json:"params"`
	Error  *rpcError             `json:"error"`
}

type wsNotificationParams struct {
	Subscription int64 `json:"subscription"`
	Result       struct {
		Parent uint64 `json:"parent"`
		Root   uint64 `json:"root"`
		Slot   uint64 `json:"slot"`
	} `json:"result"`
}
