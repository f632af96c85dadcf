package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-trade-ledger/internal/retry"
)

func rpcServer(t *testing.T, handler func(req rpcRequest) map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		for k, v := range handler(req) {
			resp[k] = v
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestHTTPClient_GetBlock(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) map[string]interface{} {
		assert.Equal(t, "getBlock", req.Method)
		return map[string]interface{}{
			"result": map[string]interface{}{
				"blockTime": int64(1700000000),
				"transactions": []map[string]interface{}{
					{
						"transaction": map[string]interface{}{
							"signatures": []string{"sig1"},
							"message": map[string]interface{}{
								"accountKeys": []string{"signer", "pool"},
								"instructions": []map[string]interface{}{
									{"programIdIndex": 1, "accounts": []int{0}, "data": "3Bxs4h24hBtQy9rw"},
								},
							},
						},
						"meta": map[string]interface{}{
							"err":          nil,
							"preBalances":  []uint64{10, 20, 30},
							"postBalances": []uint64{5, 25, 30},
							"innerInstructions": []map[string]interface{}{
								{"index": 0, "instructions": []map[string]interface{}{
									{"programIdIndex": 2, "accounts": []int{0, 1}, "data": "3Bxs4h24hBtQy9rw"},
								}},
							},
							"preTokenBalances": []map[string]interface{}{},
							"postTokenBalances": []map[string]interface{}{
								{"accountIndex": 1, "mint": "mintA", "owner": "o", "uiTokenAmount": map[string]interface{}{"amount": "100", "decimals": 6}},
							},
							"loadedAddresses": map[string]interface{}{
								"writable": []string{"loadedW"},
								"readonly": []string{},
							},
						},
					},
				},
			},
		}
	})
	defer server.Close()

	block, err := NewHTTPClient(server.URL).GetBlock(context.Background(), 12345)
	require.NoError(t, err)

	assert.Equal(t, uint64(12345), block.Slot)
	require.NotNil(t, block.BlockTime)
	assert.Equal(t, int64(1700000000), *block.BlockTime)
	require.Len(t, block.Transactions, 1)

	tx := block.Transactions[0]
	assert.Equal(t, []string{"signer", "pool", "loadedW"}, tx.AccountKeys, "loaded addresses appended")
	assert.Equal(t, "signer", tx.Signer())
	require.Len(t, tx.InnerInstructions, 1)
	assert.Len(t, tx.InnerInstructions[0].Instructions, 1)
	assert.Equal(t, uint8(6), tx.PostTokenBalances[0].UITokenAmount.Decimals)
	assert.False(t, tx.Failed())
}

func TestHTTPClient_GetBlock_NotAvailable(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]interface{}
	}{
		{"skipped", map[string]interface{}{"error": map[string]interface{}{"code": -32007, "message": "Slot 5 was skipped"}}},
		{"not available", map[string]interface{}{"error": map[string]interface{}{"code": -32004, "message": "Block not available for slot 5"}}},
		{"null result", map[string]interface{}{"result": nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := rpcServer(t, func(rpcRequest) map[string]interface{} { return tt.resp })
			defer server.Close()

			_, err := NewHTTPClient(server.URL).GetBlock(context.Background(), 5)
			assert.ErrorIs(t, err, ErrBlockNotFound)
		})
	}
}

func TestHTTPClient_NodeErrorIsTransient(t *testing.T) {
	server := rpcServer(t, func(rpcRequest) map[string]interface{} {
		return map[string]interface{}{
			"error": map[string]interface{}{"code": -32005, "message": "node is behind"},
		}
	})
	defer server.Close()

	_, err := NewHTTPClient(server.URL).GetSlot(context.Background())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestHTTPClient_GetSlot(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) map[string]interface{} {
		assert.Equal(t, "getSlot", req.Method)
		if assert.Len(t, req.Params, 1) {
			assert.Equal(t, map[string]interface{}{"commitment": "finalized"}, req.Params[0])
		}
		return map[string]interface{}{"result": uint64(317233807)}
	})
	defer server.Close()

	slot, err := NewHTTPClient(server.URL, WithCommitment("finalized")).GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(317233807), slot)
}

func TestHTTPClient_GetAccountInfo(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) map[string]interface{} {
		if req.Params[0] == "missing" {
			return map[string]interface{}{"result": map[string]interface{}{"value": nil}}
		}
		return map[string]interface{}{
			"result": map[string]interface{}{
				"value": map[string]interface{}{
					"lamports":   uint64(2039280),
					"owner":      "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
					"data":       []string{"AAAA", "base64"},
					"executable": false,
					"rentEpoch":  uint64(361),
				},
			},
		}
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	ctx := context.Background()

	info, err := client.GetAccountInfo(ctx, "vault")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "AAAA", info.Data)
	assert.Equal(t, uint64(2039280), info.Lamports)

	info, err = client.GetAccountInfo(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestHTTPClient_GetBlockTime(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) map[string]interface{} {
		assert.Equal(t, "getBlockTime", req.Method)
		return map[string]interface{}{"result": int64(1700000123)}
	})
	defer server.Close()

	ts, err := NewHTTPClient(server.URL).GetBlockTime(context.Background(), 9)
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, int64(1700000123), *ts)
}

func TestHTTPClient_RetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req rpcRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": 42})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetry(retry.Exponential(4, time.Millisecond)))

	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), slot)
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPClient_GivesUpAfterPolicy(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetry(retry.Fixed(2, time.Millisecond)))

	_, err := client.GetBlock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPClient_NodeErrorsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := rpcServer(t, func(req rpcRequest) map[string]interface{} {
		hits.Add(1)
		return map[string]interface{}{
			"error": map[string]interface{}{"code": -32009, "message": "Slot 3 was skipped, or missing in long-term storage"},
		}
	})
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetry(retry.Fixed(5, time.Millisecond)))

	_, err := client.GetBlock(context.Background(), 3)
	assert.ErrorIs(t, err, ErrBlockNotFound)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPClient_MalformedResult(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) map[string]interface{} {
		return map[string]interface{}{"result": "not-a-slot"}
	})
	defer server.Close()

	_, err := NewHTTPClient(server.URL).GetSlot(context.Background())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRetryAfter(t *testing.T) {
	d, ok := retryAfter(fmt.Errorf("%w: %w", ErrTransient, &statusError{code: 429, after: 3 * time.Second}))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	_, ok = retryAfter(&statusError{code: 502})
	assert.False(t, ok)
	_, ok = retryAfter(errors.New("eof"))
	assert.False(t, ok)
}

type fakeTimer map[uint64]int64

func (f fakeTimer) GetBlockTime(_ context.Context, slot uint64) (*int64, error) {
	ts, ok := f[slot]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return &ts, nil
}

func TestSlotAtTime(t *testing.T) {
	timer := fakeTimer{}
	for s := uint64(100); s <= 200; s++ {
		if s%7 == 0 {
			continue // skipped slots
		}
		timer[s] = int64(1000 + (s-100)/2)
	}
	ctx := context.Background()

	tests := []struct {
		name   string
		target int64
		want   uint64
	}{
		{"before range", 900, 100},
		{"exact first", 1000, 100},
		{"middle", 1020, 141},
		{"after range", 2000, 201},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SlotAtTime(ctx, timer, tt.target, 100, 200)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSlotAtTime_LongSkippedRun(t *testing.T) {
	timer := fakeTimer{}
	for s := uint64(100); s <= 140; s++ {
		timer[s] = int64(1000 + s - 100)
	}
	timer[200] = 5000

	_, err := SlotAtTime(context.Background(), timer, 4000, 100, 200)
	assert.ErrorIs(t, err, ErrSkippedRun)
}

func TestSlotAtTime_SkippedTail(t *testing.T) {
	timer := fakeTimer{}
	for s := uint64(100); s <= 140; s++ {
		timer[s] = int64(1000 + s - 100)
	}

	got, err := SlotAtTime(context.Background(), timer, 1045, 100, 150)
	require.NoError(t, err)
	assert.Equal(t, uint64(151), got, "no slot at or after target")
}
