package memory

import (
	"context"
	"sync"

	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/storage"
)

// ProcessedTradeSink is an in-memory implementation of storage.ProcessedTradeSink.
type ProcessedTradeSink struct {
	mu     sync.RWMutex
	trades []domain.ProcessedTrade
	calls  int
}

// NewProcessedTradeSink creates a new in-memory sink.
func NewProcessedTradeSink() *ProcessedTradeSink {
	return &ProcessedTradeSink{}
}

var _ storage.ProcessedTradeSink = (*ProcessedTradeSink)(nil)

// InsertBulk appends trades.
func (s *ProcessedTradeSink) InsertBulk(_ context.Context, trades []domain.ProcessedTrade) error {
	if len(trades) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.trades = append(s.trades, trades...)
	return nil
}

// ReplaceSlot drops the slot's trades and appends the new ones.
func (s *ProcessedTradeSink) ReplaceSlot(_ context.Context, slot uint64, trades []domain.ProcessedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.trades[:0]
	for _, t := range s.trades {
		if t.BlockSlot != slot {
			kept = append(kept, t)
		}
	}
	s.trades = append(kept, trades...)
	if len(trades) > 0 {
		s.calls++
	}
	return nil
}

// Trades returns a copy of every stored trade, in arrival order.
func (s *ProcessedTradeSink) Trades() []domain.ProcessedTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ProcessedTrade, len(s.trades))
	copy(out, s.trades)
	return out
}

// Calls returns how many non-empty batches were received.
func (s *ProcessedTradeSink) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}
