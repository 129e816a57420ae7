package strategy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/autotrade/internal/models"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func barsFromCloses(closes ...float64) []models.Bar {
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		bars[i] = models.Bar{
			Time:  t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:  d,
			High:  d.Add(decimal.NewFromFloat(0.5)),
			Low:   d.Sub(decimal.NewFromFloat(0.5)),
			Close: d,
		}
	}
	return bars
}

func TestRun_RecoversPanic(t *testing.T) {
	fn := func([]models.Bar) ([]models.SignalRow, error) { panic("index out of range") }

	rows, err := Run(fn, nil)
	assert.Nil(t, rows)
	assert.ErrorIs(t, err, ErrContract)
	assert.Contains(t, err.Error(), "index out of range")
}

func TestRun_WrapsError(t *testing.T) {
	fn := func([]models.Bar) ([]models.SignalRow, error) { return nil, errors.New("not enough bars") }

	_, err := Run(fn, nil)
	assert.ErrorIs(t, err, ErrContract)
}

func TestRun_RejectsMalformedRows(t *testing.T) {
	tests := []struct {
		name string
		rows []models.SignalRow
	}{
		{"unknown signal", []models.SignalRow{{Time: t0, Signal: "HOLD", Quantity: decimal.NewFromInt(1)}}},
		{"zero quantity", []models.SignalRow{{Time: t0, Signal: models.SideBuy}}},
		{"negative quantity", []models.SignalRow{{Time: t0, Signal: models.SideSell, Quantity: decimal.NewFromInt(-3)}}},
		{"out of order", []models.SignalRow{
			{Time: t0.Add(time.Minute)},
			{Time: t0},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := func([]models.Bar) ([]models.SignalRow, error) { return tt.rows, nil }
			_, err := Run(fn, nil)
			assert.ErrorIs(t, err, ErrContract)
		})
	}
}

func TestSignals_FiltersAndOrders(t *testing.T) {
	rows := []models.SignalRow{
		{Time: t0},
		{Time: t0.Add(time.Minute), Signal: models.SideBuy, Quantity: decimal.NewFromInt(1)},
		{Time: t0.Add(2 * time.Minute)},
		{Time: t0.Add(3 * time.Minute), Signal: models.SideSell, Quantity: decimal.NewFromInt(1)},
	}
	got := Signals(rows)
	require.Len(t, got, 2)
	assert.Equal(t, models.SideBuy, got[0].Signal)
	assert.Equal(t, models.SideSell, got[1].Signal)
}

func TestRegistry(t *testing.T) {
	r := Builtins(Params{})
	assert.Equal(t, []string{"smaCross"}, r.Names())

	_, err := r.Lookup("smaCross")
	assert.NoError(t, err)

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestSMACross(t *testing.T) {
	// SMA(3): closes dip below then recover above
	bars := barsFromCloses(10, 10, 10, 9, 8, 12, 13, 7)
	rows, err := Run(SMACross(120, 3), bars)
	require.NoError(t, err)
	require.Len(t, rows, len(bars))

	signals := Signals(rows)
	require.Len(t, signals, 2)

	assert.Equal(t, models.SideBuy, signals[0].Signal)
	assert.Equal(t, bars[5].Time, signals[0].Time)
	assert.True(t, signals[0].Quantity.Equal(decimal.NewFromInt(10)), "120 / 12 = 10")
	assert.True(t, signals[0].ReferencePrice.Equal(decimal.NewFromInt(12)))

	assert.Equal(t, models.SideSell, signals[1].Signal)
	assert.Equal(t, bars[7].Time, signals[1].Time)
}

func TestSMA(t *testing.T) {
	out := SMA([]float64{1, 2, 3, 4}, 2)
	assert.True(t, isNaN(out[0]))
	assert.InDelta(t, 1.5, out[1], 1e-9)
	assert.InDelta(t, 2.5, out[2], 1e-9)
	assert.InDelta(t, 3.5, out[3], 1e-9)
}

func TestRSI(t *testing.T) {
	rising := []float64{1, 2, 3, 4, 5, 6}
	out := RSI(rising, 14)
	assert.True(t, isNaN(out[0]))
	assert.True(t, isNaN(out[5]), "no losses means RSI is undefined")

	mixed := []float64{10, 11, 10, 11, 10, 11}
	out = RSI(mixed, 2)
	for _, v := range out[1:] {
		assert.True(t, v >= 0 && v <= 100, "rsi %f out of range", v)
	}
}

func TestATR(t *testing.T) {
	bars := barsFromCloses(10, 12, 11)
	out := ATR(bars, 14)
	require.Len(t, out, 3)
	assert.InDelta(t, 1.0, out[0], 1e-9)
	// true range of bar 1 is |12.5 - 10| = 2.5
	assert.InDelta(t, 1.0+(2.5-1.0)/14, out[1], 1e-9)
}

func TestLoadParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("smaCross:\n  position_size: 300\n  length: 50\n"), 0o600))

	p, err := LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, 300.0, p.Get("smaCross", "position_size", 150))
	assert.Equal(t, 14.0, p.Get("rsi", "period", 14))

	empty, err := LoadParams("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = LoadParams(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func isNaN(f float64) bool { return f != f }
