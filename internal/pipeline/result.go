package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// errSkipped marks a unit that had nothing to do.
var errSkipped = errors.New("skipped")

// RunResult summarizes a run over a set of slots.
type RunResult struct {
	Verified int
	Skipped  int
	Failed   []*SlotFailedError
	Duration time.Duration
}

// FailedSlots returns the failed slot numbers in ascending order.
func (r *RunResult) FailedSlots() []uint64 {
	slots := make([]uint64, len(r.Failed))
	for i, f := range r.Failed {
		slots[i] = f.Slot
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// collector accumulates results from concurrent slot units.
type collector struct {
	mu  sync.Mutex
	res RunResult
}

func (c *collector) ok() {
	c.mu.Lock()
	c.res.Verified++
	c.mu.Unlock()
}

func (c *collector) skip() {
	c.mu.Lock()
	c.res.Skipped++
	c.mu.Unlock()
}

func (c *collector) fail(err *SlotFailedError) {
	c.mu.Lock()
	c.res.Failed = append(c.res.Failed, err)
	c.mu.Unlock()
}

func (c *collector) result(start time.Time) *RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.res
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Slot < res.Failed[j].Slot })
	res.Duration = time.Since(start)
	return &res
}

// dedupe returns the distinct slots of in, preserving first occurrence order.
func dedupe(in []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(in))
	out := make([]uint64, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// span returns the inclusive slot range [from, to]. Empty when from > to.
func span(from, to uint64) []uint64 {
	if from > to {
		return nil
	}
	slots := make([]uint64, 0, to-from+1)
	for s := from; ; s++ {
		slots = append(slots, s)
		if s == to {
			break
		}
	}
	return slots
}

// runPool runs unit for each slot holding one of n permits. A permit is
// released when the unit returns, whatever the outcome. Acquisition stops
// when ctx is done; units already started run to completion.
func runPool(ctx context.Context, logger *zap.Logger, slots []uint64, n int64, unit func(context.Context, uint64) error, onFail func()) (*RunResult, error) {
	start := time.Now()
	sem := semaphore.NewWeighted(n)
	var (
		g    errgroup.Group
		coll collector
	)

	var err error
	for _, slot := range slots {
		if err = sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			uerr := unit(ctx, slot)
			if errors.Is(uerr, errSkipped) {
				coll.skip()
				return nil
			}
			if uerr != nil {
				var failed *SlotFailedError
				if !errors.As(uerr, &failed) {
					failed = &SlotFailedError{Slot: slot, Attempts: 1, Err: uerr}
				}
				onFail()
				logger.Error("slot failed",
					zap.Uint64("slot", slot),
					zap.Uint("attempts", failed.Attempts),
					zap.Error(failed.Err),
				)
				coll.fail(failed)
				return nil
			}
			coll.ok()
			return nil
		})
	}
	_ = g.Wait()

	res := coll.result(start)
	if err != nil {
		return res, err
	}
	return res, ctx.Err()
}
