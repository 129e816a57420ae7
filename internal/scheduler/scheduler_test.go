package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/autotrade/internal/marketdata"
	"github.com/trogers1052/autotrade/internal/metrics"
	"github.com/trogers1052/autotrade/internal/models"
	"github.com/trogers1052/autotrade/internal/strategy"
	"github.com/trogers1052/autotrade/internal/translator"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// After fires immediately after moving the clock forward by d
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	if d > 0 {
		c.Advance(d)
	}
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// barSource returns five bars ending at the requested boundary
type barSource struct {
	err error

	mu   sync.Mutex
	last marketdata.Request
}

func (s *barSource) Fetch(_ context.Context, req marketdata.Request) ([]models.Bar, error) {
	s.mu.Lock()
	s.last = req
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	step := time.Duration(req.TimeFrame) * time.Minute
	var bars []models.Bar
	for i := 5; i >= 1; i-- {
		c := decimal.NewFromInt(int64(100 + 5 - i))
		bars = append(bars, models.Bar{Time: req.End.Add(-time.Duration(i) * step), Open: c, High: c, Low: c, Close: c, Volume: 100})
	}
	return bars, nil
}

type lister struct {
	mu         sync.Mutex
	strategies []*models.Strategy
}

func (l *lister) ListActiveStrategies(context.Context) ([]*models.Strategy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Strategy
	for _, s := range l.strategies {
		if s.Active {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

type recordingTranslator struct {
	mu    sync.Mutex
	rows  map[string][]models.SignalRow
	onRow func(ctx context.Context, rc *models.RunContext)
}

func (t *recordingTranslator) Translate(ctx context.Context, rc *models.RunContext, row models.SignalRow) translator.Outcome {
	t.mu.Lock()
	if t.rows == nil {
		t.rows = make(map[string][]models.SignalRow)
	}
	t.rows[rc.Strategy.Name] = append(t.rows[rc.Strategy.Name], row)
	t.mu.Unlock()
	if t.onRow != nil {
		t.onRow(ctx, rc)
	}
	return translator.Outcome{Kind: translator.Submitted}
}

func (t *recordingTranslator) count(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows[name])
}

// signalOn emits a BUY on the given bar indexes (negative counts from the end)
func signalOn(idx ...int) strategy.Func {
	return func(bars []models.Bar) ([]models.SignalRow, error) {
		rows := make([]models.SignalRow, len(bars))
		for i, b := range bars {
			rows[i] = models.SignalRow{Time: b.Time, Quantity: decimal.NewFromInt(1), ReferencePrice: b.Close}
		}
		for _, i := range idx {
			if i < 0 {
				i += len(bars)
			}
			rows[i].Signal = models.SideBuy
		}
		return rows, nil
	}
}

func testStrategy(id int, name string) *models.Strategy {
	return &models.Strategy{
		ID: id, Name: name, TimeFrame: 5, Symbol: "SPY",
		OrderType: models.OrderTypeLimit, LookbackDays: 1, Active: true,
	}
}

var boundary = time.Date(2026, 3, 2, 14, 35, 0, 0, time.UTC)

func TestNextTick(t *testing.T) {
	at := func(h, m, s int) time.Time { return time.Date(2026, 3, 2, h, m, s, 0, time.UTC) }
	tests := []struct {
		name  string
		now   time.Time
		tf    int
		delay time.Duration
		want  time.Time
	}{
		{"next five minute boundary", at(14, 32, 10), 5, 0, at(14, 35, 0)},
		{"on boundary moves to the next", at(14, 35, 0), 5, 0, at(14, 40, 0)},
		{"settle delay pending", at(14, 35, 5), 5, 10 * time.Second, at(14, 35, 0)},
		{"settle delay elapsed", at(14, 35, 10), 5, 10 * time.Second, at(14, 40, 0)},
		{"hourly", at(14, 32, 0), 60, 0, at(15, 0, 0)},
		{"four hours uses minute of day", at(14, 32, 0), 240, 0, at(16, 0, 0)},
		{"odd timeframe", at(14, 32, 0), 7, 0, at(14, 35, 0)},
		{"rolls over midnight", at(23, 58, 0), 15, 0, at(0, 0, 0).AddDate(0, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextTick(tt.now, tt.tf, tt.delay, time.UTC)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestNextTick_Location(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	now := time.Date(2026, 3, 2, 14, 32, 0, 0, ny)
	got := NextTick(now.UTC(), 60, 0, ny)
	assert.True(t, got.Equal(time.Date(2026, 3, 2, 15, 0, 0, 0, ny)))
}

func TestMissedTicks(t *testing.T) {
	assert.Equal(t, 0, missedTicks(boundary, boundary.Add(4*time.Minute), 5, 0, time.UTC))
	assert.Equal(t, 2, missedTicks(boundary, boundary.Add(12*time.Minute), 5, 0, time.UTC))
	assert.Equal(t, 1, missedTicks(boundary, boundary.Add(5*time.Minute+10*time.Second), 5, 10*time.Second, time.UTC))
}

func newTestScheduler(src marketdata.Source, tr Translator, cfg Config) *Scheduler {
	return New(Options{Source: src, Translator: tr, Registry: strategy.NewRegistry(), Config: cfg})
}

func TestRunCycle_ForwardsAllSignalsInOrder(t *testing.T) {
	tr := &recordingTranslator{}
	s := newTestScheduler(&barSource{}, tr, Config{})
	st := testStrategy(1, "multi")

	res := s.RunCycle(context.Background(), *st, signalOn(3, 1), boundary)

	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Bars)
	assert.Equal(t, 2, res.Signals)
	rows := tr.rows["multi"]
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Time.Before(rows[1].Time))
}

func TestRunCycle_FetchUsesSchedulerClock(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	src := &barSource{}
	s := newTestScheduler(src, &recordingTranslator{}, Config{Location: ny})
	st := testStrategy(1, "clock")

	res := s.RunCycle(context.Background(), *st, signalOn(), boundary)
	require.NoError(t, res.Err)

	assert.Equal(t, ny, src.last.Location)
	assert.True(t, boundary.Equal(src.last.End))
	assert.Equal(t, 5, src.last.TimeFrame)
}

func TestRunCycle_SignalWindow(t *testing.T) {
	tr := &recordingTranslator{}
	s := newTestScheduler(&barSource{}, tr, Config{SignalWindowBars: 1})
	st := testStrategy(1, "window")

	res := s.RunCycle(context.Background(), *st, signalOn(1, -1), boundary)

	require.NoError(t, res.Err)
	rows := tr.rows["window"]
	require.Len(t, rows, 1)
	assert.Equal(t, boundary.Add(-5*time.Minute), rows[0].Time)
}

func TestRunCycle_StrategyPanicIsContained(t *testing.T) {
	tr := &recordingTranslator{}
	s := newTestScheduler(&barSource{}, tr, Config{})
	st := testStrategy(1, "boom")

	res := s.RunCycle(context.Background(), *st, func([]models.Bar) ([]models.SignalRow, error) {
		panic("index out of range")
	}, boundary)

	assert.ErrorIs(t, res.Err, strategy.ErrContract)
	assert.Zero(t, tr.count("boom"))
}

func TestRunCycle_FetchFailure(t *testing.T) {
	tr := &recordingTranslator{}
	s := newTestScheduler(&barSource{err: marketdata.ErrTransient}, tr, Config{})

	res := s.RunCycle(context.Background(), *testStrategy(1, "x"), signalOn(-1), boundary)

	assert.ErrorIs(t, res.Err, marketdata.ErrTransient)
	assert.Zero(t, tr.count("x"))
}

func TestRunCycle_CancellationStopsBetweenRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var translateCtxErr error
	tr := &recordingTranslator{onRow: func(c context.Context, _ *models.RunContext) {
		cancel()
		translateCtxErr = c.Err()
	}}
	s := newTestScheduler(&barSource{}, tr, Config{})

	res := s.RunCycle(ctx, *testStrategy(1, "stop"), signalOn(0, 1, 2), boundary)

	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, tr.count("stop"))
	assert.NoError(t, translateCtxErr, "a row in progress keeps running after shutdown")
}

func TestRun_IsolatesStrategies(t *testing.T) {
	clock := &fakeClock{now: boundary.Add(time.Second)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &recordingTranslator{}
	tr.onRow = func(context.Context, *models.RunContext) {
		if tr.count("good") >= 3 {
			cancel()
		}
	}

	reg := strategy.NewRegistry()
	reg.Register("good", signalOn(-1))
	reg.Register("bad", func([]models.Bar) ([]models.SignalRow, error) { panic("bad strategy") })

	s := New(Options{
		Strategies: &lister{strategies: []*models.Strategy{
			testStrategy(1, "good"), testStrategy(2, "bad"), testStrategy(3, "missing"),
		}},
		Source:     &barSource{},
		Registry:   reg,
		Translator: tr,
		Config:     Config{ReloadInterval: time.Hour},
		Now:        clock.Now,
		After:      clock.After,
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, tr.count("good"), 3)
	assert.Zero(t, tr.count("bad"))
	assert.Empty(t, s.Running())
}

func TestRun_SkipsOverrunTicks(t *testing.T) {
	clock := &fakeClock{now: boundary.Add(time.Second)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &recordingTranslator{onRow: func(context.Context, *models.RunContext) {
		clock.Advance(12 * time.Minute)
		cancel()
	}}
	reg := strategy.NewRegistry()
	reg.Register("slow", signalOn(-1))
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	s := New(Options{
		Strategies: &lister{strategies: []*models.Strategy{testStrategy(1, "slow")}},
		Source:     &barSource{},
		Registry:   reg,
		Translator: tr,
		Metrics:    m,
		Config:     Config{ReloadInterval: time.Hour},
		Now:        clock.Now,
		After:      clock.After,
	})

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 1, tr.count("slow"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal.WithLabelValues("slow")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TicksSkipped.WithLabelValues("slow")))
}

func TestReload_StartsAndStopsStrategies(t *testing.T) {
	never := func(time.Duration) <-chan time.Time { return make(chan time.Time) }
	l := &lister{strategies: []*models.Strategy{testStrategy(1, "a")}}
	reg := strategy.NewRegistry()
	reg.Register("a", signalOn(-1))
	reg.Register("b", signalOn(-1))

	s := New(Options{Strategies: l, Source: &barSource{}, Registry: reg, Translator: &recordingTranslator{}, After: never})
	ctx := context.Background()

	require.NoError(t, s.Reload(ctx))
	assert.ElementsMatch(t, []int{1}, s.Running())

	l.mu.Lock()
	l.strategies[0].Active = false
	l.strategies = append(l.strategies, testStrategy(2, "b"))
	l.mu.Unlock()

	require.NoError(t, s.Reload(ctx))
	assert.ElementsMatch(t, []int{2}, s.Running())

	s.stopAll()
	s.wg.Wait()
	assert.Empty(t, s.Running())
}

func TestReload_ListError(t *testing.T) {
	s := New(Options{Strategies: failingLister{}, Registry: strategy.NewRegistry()})
	err := s.Run(context.Background())
	assert.Error(t, err)
}

type failingLister struct{}

func (failingLister) ListActiveStrategies(context.Context) ([]*models.Strategy, error) {
	return nil, errors.New("connection refused")
}
