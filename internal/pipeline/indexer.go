package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dex-trade-ledger/internal/artifact"
	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/extractor"
	"dex-trade-ledger/internal/observability"
	"dex-trade-ledger/internal/retry"
	"dex-trade-ledger/internal/solana"
)

// DefaultIndexerConcurrency is the permit count of an Indexer.
const DefaultIndexerConcurrency = 25

// IndexerOptions contains configuration for creating an Indexer.
type IndexerOptions struct {
	Blocks      solana.BlockSource
	Extractor   *extractor.Extractor
	Layout      artifact.Layout
	Encoding    domain.Encoding
	Concurrency int
	// Retry applies to transient fetch failures. Default 3 attempts, 500ms apart.
	Retry  retry.Policy
	Logger *zap.Logger
}

// Indexer writes raw slot artifacts for slot ranges, filed under the UTC
// date of each block.
type Indexer struct {
	blocks      solana.BlockSource
	extractor   *extractor.Extractor
	layout      artifact.Layout
	encoding    domain.Encoding
	concurrency int64
	policy      retry.Policy
	logger      *zap.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(opts IndexerOptions) *Indexer {
	encoding := opts.Encoding
	if !encoding.IsValid() {
		encoding = domain.EncodingAvro
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultIndexerConcurrency
	}
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Fixed(DefaultAttempts, DefaultRetryDelay)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		blocks:      opts.Blocks,
		extractor:   opts.Extractor,
		layout:      opts.Layout,
		encoding:    encoding,
		concurrency: int64(concurrency),
		policy:      policy,
		logger:      logger,
	}
}

// IndexRange indexes [from, to] from the highest slot down. Slots the node
// has no block for are counted as skipped.
func (x *Indexer) IndexRange(ctx context.Context, from, to uint64) (*RunResult, error) {
	slots := span(from, to)
	for i, j := 0, len(slots)-1; i < j; i, j = i+1, j-1 {
		slots[i], slots[j] = slots[j], slots[i]
	}

	res, err := runPool(ctx, x.logger, slots, x.concurrency, x.indexSlot, observability.RecordSlotFailed)
	if res != nil {
		x.logger.Info("indexed range",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("written", res.Verified),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", len(res.Failed)),
			zap.Duration("duration", res.Duration),
		)
	}
	return res, err
}

// IndexSlot fetches one slot and writes its raw artifact.
func (x *Indexer) IndexSlot(ctx context.Context, slot uint64) error {
	err := x.indexSlot(ctx, slot)
	if errors.Is(err, errSkipped) {
		return nil
	}
	return err
}

func (x *Indexer) indexSlot(ctx context.Context, slot uint64) error {
	done := observability.SlotStarted()
	defer done()

	var attempts uint
	block, err := retry.Do(ctx, x.policy, func(attempt uint) (*solana.Block, error) {
		attempts = attempt
		b, err := x.blocks.GetBlock(ctx, slot)
		if errors.Is(err, solana.ErrBlockNotFound) {
			return nil, retry.Permanent(err)
		}
		return b, err
	}, nil)
	if errors.Is(err, solana.ErrBlockNotFound) {
		x.logger.Debug("no block", zap.Uint64("slot", slot))
		return errSkipped
	}
	if err != nil {
		return &SlotFailedError{Slot: slot, Attempts: attempts, Err: &fetchError{err: err}}
	}
	if block.BlockTime == nil {
		return &SlotFailedError{Slot: slot, Attempts: attempts, Err: fmt.Errorf("block %d has no block time", slot)}
	}

	trades, err := x.extractor.ExtractBlock(ctx, block)
	if err != nil {
		return fmt.Errorf("extract slot %d: %w", slot, err)
	}
	path := x.layout.RawPath(extractor.BlockDate(*block.BlockTime), slot, x.encoding)
	if err := artifact.WriteRaw(path, x.encoding, trades); err != nil {
		return fmt.Errorf("write slot %d: %w", slot, err)
	}
	observability.UpdateHighestSlot(slot)

	x.logger.Debug("indexed slot",
		zap.Uint64("slot", slot),
		zap.Int("trades", len(trades)),
		zap.String("path", path),
	)
	return nil
}

// Follow indexes new slots as heads arrive. The first head is indexed on
// its own; each later head indexes every slot after the previous head.
// It returns nil when heads is closed and ctx.Err() when ctx is done.
func (x *Indexer) Follow(ctx context.Context, heads <-chan solana.SlotNotification) error {
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-heads:
			if !ok {
				return nil
			}
			if n.Slot <= last {
				continue
			}
			from := last + 1
			if last == 0 {
				from = n.Slot
			}
			if _, err := x.IndexRange(ctx, from, n.Slot); err != nil {
				return err
			}
			last = n.Slot
		}
	}
}
