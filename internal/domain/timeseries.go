package domain

// PriceCandle is one fixed-interval price summary.
// Times are expressed in the unit of the series it belongs to.
type PriceCandle struct {
	OpenTime  int64   // candle open time
	CloseTime int64   // candle close time
	Open      float64 // open price
	Close     float64 // close price
}

// Mid returns the midpoint of open and close.
func (c PriceCandle) Mid() float64 {
	return (c.Open + c.Close) / 2
}
