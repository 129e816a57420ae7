package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents one OHLCV candle at a fixed granularity
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// SignalRow is one row of strategy output. Signal is BUY, SELL or empty for no action.
type SignalRow struct {
	Time           time.Time       `json:"time"`
	Signal         string          `json:"signal,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
}

// HasSignal reports whether the row asks for an order
func (r SignalRow) HasSignal() bool {
	return r.Signal != ""
}
