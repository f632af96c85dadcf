package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// slotServer confirms slotSubscribe with subscription 0 and pushes
// batches[n] on the n-th connection. Every connection but the last is
// dropped after its batch.
func slotServer(t *testing.T, batches ...[]uint64) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(conns.Add(1)) - 1
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(msg, &req); err != nil || req.Method != "slotSubscribe" {
			t.Errorf("unexpected request %s", msg)
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = c.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": 0})

		if n < len(batches) {
			for _, s := range batches[n] {
				_ = c.WriteJSON(map[string]interface{}{
					"jsonrpc": "2.0",
					"method":  "slotNotification",
					"params": map[string]interface{}{
						"subscription": 0,
						"result":       map[string]interface{}{"parent": s - 1, "root": s / 2, "slot": s},
					},
				})
			}
		}
		if n < len(batches)-1 {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastWatcherConfig() *WatcherConfig {
	cfg := DefaultWatcherConfig()
	cfg.ReconnectMin = 5 * time.Millisecond
	cfg.ReconnectMax = 20 * time.Millisecond
	cfg.SubscribeTimeout = 2 * time.Second
	return &cfg
}

func collect(t *testing.T, ch <-chan SlotNotification, n int) []uint64 {
	t.Helper()
	var got []uint64
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case s, ok := <-ch:
			require.True(t, ok, "channel closed after %v", got)
			got = append(got, s.Slot)
		case <-timeout:
			t.Fatalf("timed out, received %v", got)
		}
	}
	return got
}

func TestSlotWatcher_SubscribeSlots(t *testing.T) {
	srv, _ := slotServer(t, []uint64{1000, 1001, 1002})
	w := NewSlotWatcher(wsURL(srv), fastWatcherConfig())
	defer w.Close()

	ch, err := w.SubscribeSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1000, 1001, 1002}, collect(t, ch, 3))
}

func TestSlotWatcher_ResubscribesAfterDrop(t *testing.T) {
	srv, conns := slotServer(t, []uint64{10, 11}, []uint64{12, 13})
	w := NewSlotWatcher(wsURL(srv), fastWatcherConfig())
	defer w.Close()

	ch, err := w.SubscribeSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 11, 12, 13}, collect(t, ch, 4))
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}

func TestSlotWatcher_CloseClosesChannel(t *testing.T) {
	srv, _ := slotServer(t, nil)
	w := NewSlotWatcher(wsURL(srv), fastWatcherConfig())

	ch, err := w.SubscribeSlots(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}

	_, err = w.SubscribeSlots(context.Background())
	assert.ErrorIs(t, err, ErrWatcherClosed)
}

func TestSlotWatcher_ContextEndsStream(t *testing.T) {
	srv, _ := slotServer(t, nil)
	w := NewSlotWatcher(wsURL(srv), fastWatcherConfig())
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := w.SubscribeSlots(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSlotWatcher_DialFailure(t *testing.T) {
	w := NewSlotWatcher("ws://127.0.0.1:1", fastWatcherConfig())
	_, err := w.SubscribeSlots(context.Background())
	assert.Error(t, err)
}

type headSource struct {
	heads []uint64
	i     int
}

func (h *headSource) GetBlock(context.Context, uint64) (*Block, error) { return nil, ErrBlockNotFound }

func (h *headSource) GetSlot(context.Context) (uint64, error) {
	if h.i >= len(h.heads) {
		return h.heads[len(h.heads)-1], nil
	}
	s := h.heads[h.i]
	h.i++
	return s, nil
}

func TestPollSlots_EmitsIncreasingOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := PollSlots(ctx, &headSource{heads: []uint64{10, 10, 9, 12}}, time.Millisecond, nil)
	assert.Equal(t, []uint64{10, 12}, collect(t, ch, 2))
}
