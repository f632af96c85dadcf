package solana

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval matches the cadence at which new slots are checked
// when no websocket endpoint is available.
const DefaultPollInterval = 2 * time.Second

// PollSlots emits the chain head every interval until ctx is done.
// Only strictly increasing slots are emitted. The channel is closed on return.
func PollSlots(ctx context.Context, src BlockSource, interval time.Duration, logger *zap.Logger) <-chan SlotNotification {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	out := make(chan SlotNotification, 1)
	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last uint64
		for {
			slot, err := src.GetSlot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("poll latest slot", zap.Error(err))
			} else if slot > last {
				last = slot
				select {
				case out <- SlotNotification{Slot: slot}:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
