// Package pricing joins trades against a SOL/USD candle series.
package pricing

import (
	"dex-trade-ledger/internal/domain"
)

// MillisPerSecond is the scale of series with millisecond candle times.
const MillisPerSecond = 1000

// Series is a time-ascending candle sequence for one asset and date.
// It is immutable once loaded and safe for concurrent reads.
type Series struct {
	// Scale converts a Unix second into the unit of the candle times.
	Scale   int64
	Candles []domain.PriceCandle
}

// PriceAt returns the midpoint of the last candle whose close time is at
// or before ts (Unix seconds). It returns 0 when no candle qualifies;
// callers treat 0 as unpriced.
func (s *Series) PriceAt(ts int64) float64 {
	if s == nil {
		return 0
	}
	scale := s.Scale
	if scale <= 0 {
		scale = 1
	}
	target := ts * scale

	var price float64
	for _, c := range s.Candles {
		if c.CloseTime > target {
			break
		}
		price = c.Mid()
	}
	return price
}

// Len returns the number of candles.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Candles)
}
