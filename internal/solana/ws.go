package solana

import "context"

// WSClient streams chain head notifications.
type WSClient interface {
	// SubscribeSlots streams slot notifications until ctx is done or the
	// client is closed, then closes the channel.
	SubscribeSlots(ctx context.Context) (<-chan SlotNotification, error)

	Close() error
}

// SlotNotification is one slotSubscribe notification.
type SlotNotification struct {
	Slot   uint64
	Parent uint64
	Root   uint64
}
