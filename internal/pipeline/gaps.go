package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"dex-trade-ledger/internal/artifact"
	"dex-trade-ledger/internal/observability"
)

// GapReport is the outcome of DetectMissing.
type GapReport struct {
	// From and To bound the searched span. Both are zero when the date has
	// no raw artifacts.
	From, To uint64
	// Missing holds the slots in [From, To] without a valid artifact.
	Missing []uint64
	// Deleted holds the paths of invalid artifacts that were removed.
	Deleted []string
}

// DetectMissing scans the raw artifacts of the controller's date. Every
// artifact that fails verification is deleted. The missing set is every
// slot in the span of the scanned artifacts that has no valid artifact
// left, so an invalid artifact and an absent one are reported alike.
func (c *Controller) DetectMissing() (*GapReport, error) {
	files, err := c.layout.ListRaw(c.date)
	if err != nil {
		return nil, fmt.Errorf("list raw artifacts: %w", err)
	}
	report := &GapReport{}
	if len(files) == 0 {
		return report, nil
	}

	valid := make(map[uint64]struct{}, len(files))
	report.From, report.To = files[0].Slot, files[0].Slot
	for _, f := range files {
		report.From = min(report.From, f.Slot)
		report.To = max(report.To, f.Slot)

		if err := artifact.Verify(f.Path); err != nil {
			c.logger.Info("deleting invalid raw artifact",
				zap.Uint64("slot", f.Slot),
				zap.String("path", f.Path),
				zap.Error(err),
			)
			c.remove(f.Path, "invalid")
			report.Deleted = append(report.Deleted, f.Path)
			continue
		}
		valid[f.Slot] = struct{}{}
	}

	for _, slot := range span(report.From, report.To) {
		if _, ok := valid[slot]; !ok {
			report.Missing = append(report.Missing, slot)
		}
	}
	sort.Strings(report.Deleted)

	c.logger.Info("gap detection",
		zap.Uint64("from", report.From),
		zap.Uint64("to", report.To),
		zap.Int("missing", len(report.Missing)),
		zap.Int("deleted", len(report.Deleted)),
	)
	return report, nil
}

// Backfill fetches, extracts and writes each slot once, without the
// verify and retry loop, under BackfillConcurrency permits.
func (c *Controller) Backfill(ctx context.Context, slots []uint64) (*RunResult, error) {
	start := time.Now()
	res, err := runPool(ctx, c.logger, dedupe(slots), c.backfillConcurrency, func(ctx context.Context, slot uint64) error {
		path := c.layout.RawPath(c.date, slot, c.encoding)
		if err := c.fetchAndWrite(ctx, slot, path); err != nil {
			return err
		}
		observability.RecordSlotBackfilled()
		return nil
	}, observability.RecordSlotFailed)

	if res != nil {
		c.logger.Info("backfill complete",
			zap.Int("backfilled", res.Verified),
			zap.Int("failed", len(res.Failed)),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return res, err
}
