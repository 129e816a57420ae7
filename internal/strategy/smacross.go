package strategy

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/autotrade/internal/models"
)

// SMACross emits BUY when the close crosses above its SMA and SELL when it
// crosses below. Quantity is positionSize dollars divided by the close.
func SMACross(positionSize float64, length int) Func {
	size := decimal.NewFromFloat(positionSize)
	return func(bars []models.Bar) ([]models.SignalRow, error) {
		closes := Closes(bars)
		sma := SMA(closes, length)

		rows := make([]models.SignalRow, len(bars))
		for i, b := range bars {
			rows[i] = models.SignalRow{Time: b.Time, ReferencePrice: b.Close}
			if i == 0 || math.IsNaN(sma[i]) || math.IsNaN(sma[i-1]) || !b.Close.IsPositive() {
				continue
			}
			switch {
			case closes[i-1] < sma[i-1] && closes[i] > sma[i]:
				rows[i].Signal = models.SideBuy
			case closes[i-1] > sma[i-1] && closes[i] < sma[i]:
				rows[i].Signal = models.SideSell
			default:
				continue
			}
			rows[i].Quantity = size.Div(b.Close)
		}
		return rows, nil
	}
}
