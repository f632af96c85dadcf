package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-trade-ledger/internal/artifact"
	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/extractor"
	"dex-trade-ledger/internal/retry"
	"dex-trade-ledger/internal/solana"
	"dex-trade-ledger/internal/solana/stub"
)

// orderedSource records the order of GetBlock calls.
type orderedSource struct {
	*stub.RPCClient
	mu    sync.Mutex
	order []uint64
}

func (s *orderedSource) GetBlock(ctx context.Context, slot uint64) (*solana.Block, error) {
	s.mu.Lock()
	s.order = append(s.order, slot)
	s.mu.Unlock()
	return s.RPCClient.GetBlock(ctx, slot)
}

func newIndexer(t *testing.T, src solana.BlockSource, concurrency int) (*Indexer, artifact.Layout) {
	t.Helper()
	layout := artifact.Layout{Base: t.TempDir()}
	return NewIndexer(IndexerOptions{
		Blocks:      src,
		Extractor:   extractor.New(extractor.Options{}),
		Layout:      layout,
		Concurrency: concurrency,
		Retry:       retry.Fixed(3, time.Millisecond),
	}), layout
}

func TestIndexRange_DescendingAndSkipsMissingBlocks(t *testing.T) {
	src := &orderedSource{RPCClient: stub.NewRPCClient()}
	for _, slot := range []uint64{10, 11, 13} {
		src.AddBlock(swapBlock(t, slot))
	}
	ix, layout := newIndexer(t, src, 1)

	res, err := ix.IndexRange(context.Background(), 10, 13)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Verified)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []uint64{13, 12, 11, 10}, src.order)

	// Not found is not retried.
	assert.Equal(t, 1, src.BlockCalls(12))

	files, err := layout.ListRaw(testDate)
	require.NoError(t, err)
	require.Len(t, files, 3)
	for _, f := range files {
		assert.Equal(t, domain.EncodingAvro, f.Encoding)
		assert.True(t, VerifySlot(f.Path))
	}
}

func TestIndexRange_RetriesTransientFailures(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.AddBlock(swapBlock(t, 10))
	rpc.SetFailures(10, 2)
	rpc.SetFailures(11, 5)
	rpc.AddBlock(swapBlock(t, 11))
	ix, _ := newIndexer(t, rpc, 2)

	res, err := ix.IndexRange(context.Background(), 10, 11)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Verified)
	assert.Equal(t, []uint64{11}, res.FailedSlots())
	assert.Equal(t, uint(3), res.Failed[0].Attempts)
	assert.ErrorIs(t, res.Failed[0], solana.ErrTransient)
}

func TestIndexSlot_MissingBlockTime(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.AddBlock(&solana.Block{Slot: 5})
	ix, _ := newIndexer(t, rpc, 1)

	err := ix.IndexSlot(context.Background(), 5)
	assert.ErrorIs(t, err, ErrSlotFailed)
}

func TestFollow_IndexesEachNewSlot(t *testing.T) {
	rpc := stub.NewRPCClient()
	for slot := uint64(20); slot <= 22; slot++ {
		rpc.AddBlock(swapBlock(t, slot))
	}
	ix, layout := newIndexer(t, rpc, 4)

	heads := make(chan solana.SlotNotification, 4)
	heads <- solana.SlotNotification{Slot: 20}
	heads <- solana.SlotNotification{Slot: 22}
	heads <- solana.SlotNotification{Slot: 21}
	close(heads)

	require.NoError(t, ix.Follow(context.Background(), heads))

	for slot := uint64(20); slot <= 22; slot++ {
		assert.Equal(t, 1, rpc.BlockCalls(slot), "slot %d", slot)
		assert.True(t, artifact.Exists(layout.RawPath(testDate, slot, domain.EncodingAvro)))
	}
	assert.Zero(t, rpc.BlockCalls(19))
}

func TestFollow_StopsOnCancel(t *testing.T) {
	ix, _ := newIndexer(t, stub.NewRPCClient(), 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ix.Follow(ctx, make(chan solana.SlotNotification)) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}
