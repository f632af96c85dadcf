package pricing

import (
	"math"

	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/extractor"
)

// Derive prices a trade in SOL and USD. The traded token is whichever side
// is not wrapped SOL; its price is the absolute ratio of the SOL leg to the
// token leg. Volume keeps the sign of the SOL leg.
//
// The second result is false when the trade cannot be priced: a zero token
// or SOL leg, or no SOL/USD price at the trade's time.
func Derive(trade domain.Trade, sol *Series) (domain.ProcessedTrade, bool) {
	var (
		token       string
		tokenAmount float64
		solAmount   float64
	)
	if trade.BaseMint != extractor.WrappedSOLMint {
		token, tokenAmount, solAmount = trade.BaseMint, trade.BaseAmount, trade.QuoteAmount
	} else {
		token, tokenAmount, solAmount = trade.QuoteMint, trade.QuoteAmount, trade.BaseAmount
	}
	if tokenAmount == 0 || solAmount == 0 {
		return domain.ProcessedTrade{}, false
	}

	solPrice := sol.PriceAt(trade.BlockTime)
	if solPrice == 0 {
		return domain.ProcessedTrade{}, false
	}

	price := math.Abs(solAmount / tokenAmount)
	return domain.ProcessedTrade{
		BlockDate: extractor.BlockDate(trade.BlockTime),
		BlockTime: trade.BlockTime,
		BlockSlot: trade.BlockSlot,
		Token:     token,
		Price:     price,
		USDPrice:  price * solPrice,
		Volume:    solAmount * solPrice,
	}, true
}
