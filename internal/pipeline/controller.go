// Package pipeline drives slots from the block source to verified raw
// artifacts and priced processed artifacts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"dex-trade-ledger/internal/artifact"
	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/extractor"
	"dex-trade-ledger/internal/observability"
	"dex-trade-ledger/internal/pricing"
	"dex-trade-ledger/internal/retry"
	"dex-trade-ledger/internal/solana"
	"dex-trade-ledger/internal/storage"
)

// Controller defaults.
const (
	DefaultConcurrency         = 20
	DefaultBackfillConcurrency = 10
	DefaultAttempts            = 3
	DefaultRetryDelay          = 500 * time.Millisecond
	DefaultVerifyDelay         = 2 * time.Second
)

// Enricher resolves token metadata. *metadata.Cache satisfies it.
type Enricher interface {
	GetOrFetch(ctx context.Context, address string) (*domain.TokenMeta, error)
}

// ControllerOptions contains configuration for creating a Controller.
type ControllerOptions struct {
	Blocks    solana.BlockSource
	Extractor *extractor.Extractor
	Layout    artifact.Layout
	// Date is the UTC processing date (YYYY-MM-DD) the slots belong to.
	Date   string
	Prices *pricing.Series

	// Metadata and Sink are optional.
	Metadata Enricher
	Sink     storage.ProcessedTradeSink

	// RawEncoding is used for freshly fetched slots. Default avro.
	RawEncoding         domain.Encoding
	Concurrency         int
	BackfillConcurrency int
	Attempts            uint
	RetryDelay          time.Duration
	// VerifyDelay is the wait after an attempt whose artifact failed
	// verification.
	VerifyDelay time.Duration
	Logger      *zap.Logger
}

// Controller runs the per-slot state machine under a bounded permit pool.
type Controller struct {
	blocks    solana.BlockSource
	extractor *extractor.Extractor
	layout    artifact.Layout
	date      string
	prices    *pricing.Series
	metadata  Enricher
	sink      storage.ProcessedTradeSink

	encoding            domain.Encoding
	concurrency         int64
	backfillConcurrency int64
	policy              retry.Policy
	logger              *zap.Logger
}

// NewController creates a Controller, applying defaults for zero options.
func NewController(opts ControllerOptions) *Controller {
	encoding := opts.RawEncoding
	if !encoding.IsValid() {
		encoding = domain.EncodingAvro
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	backfill := opts.BackfillConcurrency
	if backfill <= 0 {
		backfill = DefaultBackfillConcurrency
	}
	attempts := opts.Attempts
	if attempts == 0 {
		attempts = DefaultAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	verifyDelay := opts.VerifyDelay
	if verifyDelay <= 0 {
		verifyDelay = DefaultVerifyDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := retry.Fixed(attempts, retryDelay)
	policy.DelayFor = func(err error) (time.Duration, bool) {
		var verr *verifyError
		if errors.As(err, &verr) {
			return verifyDelay, true
		}
		return 0, false
	}

	return &Controller{
		blocks:              opts.Blocks,
		extractor:           opts.Extractor,
		layout:              opts.Layout,
		date:                opts.Date,
		prices:              opts.Prices,
		metadata:            opts.Metadata,
		sink:                opts.Sink,
		encoding:            encoding,
		concurrency:         int64(concurrency),
		backfillConcurrency: int64(backfill),
		policy:              policy,
		logger:              logger.With(zap.String("date", opts.Date)),
	}
}

// VerifySlot reports whether the raw artifact at path parses and holds at
// least one record.
func VerifySlot(path string) bool {
	return artifact.Verify(path) == nil
}

// ProcessSlot drives one slot to Verified and writes its processed
// artifact. A slot that cannot be verified returns *SlotFailedError.
func (c *Controller) ProcessSlot(ctx context.Context, slot uint64) error {
	done := observability.SlotStarted()
	defer done()

	path := c.locate(slot)
	var attempts uint
	if path == "" {
		var err error
		path, attempts, err = c.fetchVerified(ctx, slot)
		if err != nil {
			return &SlotFailedError{Slot: slot, Attempts: attempts, Err: err}
		}
	}
	observability.RecordSlotVerified()
	observability.UpdateHighestSlot(slot)

	if err := c.processFile(ctx, slot, path); err != nil {
		return &SlotFailedError{Slot: slot, Attempts: attempts, Err: err}
	}
	return nil
}

// locate returns the path of an existing valid raw artifact for slot, or
// "" if none. When both encodings exist the CSV copy is deleted. An
// invalid artifact is deleted.
func (c *Controller) locate(slot uint64) string {
	csvPath := c.layout.RawPath(c.date, slot, domain.EncodingCSV)
	avroPath := c.layout.RawPath(c.date, slot, domain.EncodingAvro)

	candidate := ""
	switch hasCSV, hasAvro := artifact.Exists(csvPath), artifact.Exists(avroPath); {
	case hasCSV && hasAvro:
		c.remove(csvPath, "duplicate")
		candidate = avroPath
	case hasAvro:
		candidate = avroPath
	case hasCSV:
		candidate = csvPath
	default:
		return ""
	}

	if err := artifact.Verify(candidate); err != nil {
		c.logger.Info("invalid raw artifact",
			zap.Uint64("slot", slot),
			zap.String("path", candidate),
			zap.Error(err),
		)
		c.remove(candidate, "invalid")
		return ""
	}
	return candidate
}

// fetchVerified runs the fetch, extract, write and verify loop.
func (c *Controller) fetchVerified(ctx context.Context, slot uint64) (string, uint, error) {
	var attempts uint
	path := c.layout.RawPath(c.date, slot, c.encoding)

	_, err := retry.Do(ctx, c.policy, func(attempt uint) (struct{}, error) {
		attempts = attempt
		if err := c.fetchAndWrite(ctx, slot, path); err != nil {
			var ferr *fetchError
			if errors.As(err, &ferr) {
				observability.RecordSlotAttempt("fetch_error")
			} else {
				observability.RecordSlotAttempt("process_error")
			}
			return struct{}{}, err
		}
		if err := artifact.Verify(path); err != nil {
			observability.RecordSlotAttempt("verify_failed")
			return struct{}{}, &verifyError{err: err}
		}
		observability.RecordSlotAttempt("ok")
		return struct{}{}, nil
	}, func(err error, wait time.Duration) {
		c.logger.Warn("slot attempt failed",
			zap.Uint64("slot", slot),
			zap.Uint("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return "", attempts, err
	}
	return path, attempts, nil
}

// fetchAndWrite fetches a block, extracts its trades and writes the raw
// artifact at path.
func (c *Controller) fetchAndWrite(ctx context.Context, slot uint64, path string) error {
	block, err := c.blocks.GetBlock(ctx, slot)
	if err != nil {
		return &fetchError{err: err}
	}
	trades, err := c.extractor.ExtractBlock(ctx, block)
	if err != nil {
		return fmt.Errorf("extract slot %d: %w", slot, err)
	}
	if err := artifact.WriteRaw(path, c.encoding, trades); err != nil {
		return fmt.Errorf("write slot %d: %w", slot, err)
	}
	return nil
}

// processFile prices the trades of a verified raw artifact and writes the
// processed artifact. Slots without priced trades write nothing.
func (c *Controller) processFile(ctx context.Context, slot uint64, path string) error {
	trades, err := artifact.ReadRaw(path)
	if err != nil {
		return fmt.Errorf("read raw: %w", err)
	}

	processed := make([]domain.ProcessedTrade, 0, len(trades))
	for _, t := range trades {
		p, ok := pricing.Derive(t, c.prices)
		if !ok {
			observability.RecordUnpriced()
			continue
		}
		processed = append(processed, p)
	}
	if len(processed) == 0 {
		c.logger.Debug("no priced trades", zap.Uint64("slot", slot), zap.Int("trades", len(trades)))
		return nil
	}

	if err := artifact.WriteProcessed(c.layout.ProcessedPath(c.date, slot), processed); err != nil {
		return fmt.Errorf("write processed: %w", err)
	}
	observability.RecordProcessedWritten(len(processed))

	if c.sink != nil {
		if err := c.sink.ReplaceSlot(ctx, slot, processed); err != nil {
			c.logger.Warn("processed trade sink", zap.Uint64("slot", slot), zap.Error(err))
		}
	}
	c.enrich(ctx, slot, processed)
	return nil
}

// enrich resolves metadata for each distinct token. Failures are logged
// and never drop the trade.
func (c *Controller) enrich(ctx context.Context, slot uint64, trades []domain.ProcessedTrade) {
	if c.metadata == nil {
		return
	}
	seen := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		if _, ok := seen[t.Token]; ok {
			continue
		}
		seen[t.Token] = struct{}{}
		if _, err := c.metadata.GetOrFetch(ctx, t.Token); err != nil {
			c.logger.Warn("token metadata",
				zap.Uint64("slot", slot),
				zap.String("token", t.Token),
				zap.Error(err),
			)
		}
	}
}

// Run processes every slot in [from, to].
func (c *Controller) Run(ctx context.Context, from, to uint64) (*RunResult, error) {
	return c.ProcessSlots(ctx, span(from, to))
}

// ProcessSlots processes slots concurrently, at most Concurrency at a
// time. Duplicate slots are scheduled once. Slot failures are collected in
// the result; the returned error is non-nil only when ctx ends the run.
func (c *Controller) ProcessSlots(ctx context.Context, slots []uint64) (*RunResult, error) {
	return runPool(ctx, c.logger, dedupe(slots), c.concurrency, func(ctx context.Context, slot uint64) error {
		return c.ProcessSlot(ctx, slot)
	}, observability.RecordSlotFailed)
}

func (c *Controller) remove(path, reason string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("remove artifact", zap.String("path", path), zap.Error(err))
		return
	}
	observability.RecordArtifactDeleted(reason)
}
