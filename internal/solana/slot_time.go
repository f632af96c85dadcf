package solana

import (
	"context"
	"errors"
	"fmt"
)

// ErrSkippedRun is returned when more than maxSkippedProbe consecutive
// slots have no block time, so the search cannot tell which side of the
// run the target lies on.
var ErrSkippedRun = errors.New("too many consecutive skipped slots")

// maxSkippedProbe bounds how many consecutive skipped slots are probed
// when a binary search midpoint has no block time.
const maxSkippedProbe = 32

// SlotAtTime returns the first slot in [lo, hi] whose block time is at or
// after target (Unix seconds). Skipped slots are stepped over.
// Returns hi+1 if every slot in range is earlier than target.
func SlotAtTime(ctx context.Context, timer BlockTimer, target int64, lo, hi uint64) (uint64, error) {
	if lo > hi {
		return 0, fmt.Errorf("slot at time: empty range [%d, %d]", lo, hi)
	}

	best := hi + 1
	left, right := lo, hi+1
	for left < right {
		mid := left + (right-left)/2

		slot, ts, err := blockTimeNear(ctx, timer, mid, right)
		if err != nil {
			return 0, err
		}

		switch {
		case slot >= right:
			// Everything in [mid, right) is skipped.
			right = mid
		case ts < target:
			left = slot + 1
		default:
			best = slot
			right = mid
		}
	}
	return best, nil
}

// blockTimeNear returns the block time of the first produced slot at or
// after slot, scanning at most maxSkippedProbe slots and never reaching limit.
// A returned slot == limit means every slot up to limit is skipped. Running
// out of probes before limit is ErrSkippedRun.
func blockTimeNear(ctx context.Context, timer BlockTimer, slot, limit uint64) (uint64, int64, error) {
	start := slot
	for i := 0; i < maxSkippedProbe; i++ {
		if slot >= limit {
			return limit, 0, nil
		}
		ts, err := timer.GetBlockTime(ctx, slot)
		switch {
		case err == nil && ts != nil:
			return slot, *ts, nil
		case err == nil, errors.Is(err, ErrBlockNotFound):
			slot++
		default:
			return 0, 0, fmt.Errorf("get block time %d: %w", slot, err)
		}
	}
	if slot >= limit {
		return limit, 0, nil
	}
	return 0, 0, fmt.Errorf("%w: slots %d..%d", ErrSkippedRun, start, slot-1)
}
