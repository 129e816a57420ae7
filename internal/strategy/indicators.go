package strategy

import (
	"math"

	"github.com/trogers1052/autotrade/internal/models"
)

// Closes extracts close prices as float64 for indicator math
func Closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// SMA returns the simple moving average. Values before the window fills are NaN.
func SMA(values []float64, length int) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= length {
			sum -= values[i-length]
		}
		if length <= 0 || i < length-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(length)
	}
	return out
}

// wilder applies Wilder smoothing (EMA with alpha = 1/period, seeded with the first value)
func wilder(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 1 / float64(period)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI returns the Wilder relative strength index. The first value is NaN, and
// values are NaN where average loss is zero.
func RSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if len(closes) == 0 {
		return out
	}
	gains := make([]float64, len(closes)-1)
	losses := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gains[i-1] = d
		} else {
			losses[i-1] = -d
		}
	}
	avgGain := wilder(gains, period)
	avgLoss := wilder(losses, period)

	out[0] = math.NaN()
	for i := range avgGain {
		if avgLoss[i] == 0 {
			out[i+1] = math.NaN()
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[i+1] = 100 - 100/(1+rs)
	}
	return out
}

// ATR returns the Wilder average true range
func ATR(bars []models.Bar, period int) []float64 {
	tr := make([]float64, len(bars))
	for i, b := range bars {
		h, l := b.High.InexactFloat64(), b.Low.InexactFloat64()
		tr[i] = h - l
		if i > 0 {
			pc := bars[i-1].Close.InexactFloat64()
			tr[i] = math.Max(tr[i], math.Max(math.Abs(h-pc), math.Abs(l-pc)))
		}
	}
	return wilder(tr, period)
}
