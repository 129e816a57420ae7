// Package scheduler runs each active strategy on its own timeframe.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/trogers1052/autotrade/internal/marketdata"
	"github.com/trogers1052/autotrade/internal/metrics"
	"github.com/trogers1052/autotrade/internal/models"
	"github.com/trogers1052/autotrade/internal/strategy"
	"github.com/trogers1052/autotrade/internal/translator"
)

// StrategyLister supplies the strategies to schedule
type StrategyLister interface {
	ListActiveStrategies(ctx context.Context) ([]*models.Strategy, error)
}

// Translator receives signal rows
type Translator interface {
	Translate(ctx context.Context, rc *models.RunContext, row models.SignalRow) translator.Outcome
}

// Config controls tick timing
type Config struct {
	// SettleDelay waits after a boundary so the closing bar is available
	SettleDelay time.Duration
	// ReloadInterval is how often the strategy table is re-read
	ReloadInterval time.Duration
	// SignalWindowBars forwards only signals on the last N bars. 0 forwards all.
	SignalWindowBars int
	Location         *time.Location
}

// Options wires a Scheduler
type Options struct {
	Strategies StrategyLister
	Source     marketdata.Source
	Registry   *strategy.Registry
	Translator Translator
	Metrics    *metrics.Metrics
	Config     Config
	Now        func() time.Time
	// After is the timer used between ticks
	After func(time.Duration) <-chan time.Time
}

// Scheduler owns one goroutine per active strategy
type Scheduler struct {
	strategies StrategyLister
	source     marketdata.Source
	registry   *strategy.Registry
	translator Translator
	metrics    *metrics.Metrics
	cfg        Config
	now        func() time.Time
	after      func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	runners map[int]*runner
	unknown map[int]bool
	wg      sync.WaitGroup
}

type runner struct {
	strategy models.Strategy
	fn       strategy.Func
	stop     chan struct{}
}

// CycleResult describes one strategy cycle
type CycleResult struct {
	Bars     int
	Signals  int
	Outcomes []translator.Outcome
	Err      error
}

// New creates a Scheduler
func New(opts Options) *Scheduler {
	s := &Scheduler{
		strategies: opts.Strategies,
		source:     opts.Source,
		registry:   opts.Registry,
		translator: opts.Translator,
		metrics:    opts.Metrics,
		cfg:        opts.Config,
		now:        opts.Now,
		after:      opts.After,
		runners:    make(map[int]*runner),
		unknown:    make(map[int]bool),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.after == nil {
		s.after = time.After
	}
	if s.cfg.ReloadInterval <= 0 {
		s.cfg.ReloadInterval = time.Minute
	}
	if s.cfg.Location == nil {
		s.cfg.Location = time.UTC
	}
	return s
}

// Run schedules strategies until ctx is cancelled. It returns after every
// in-progress tick has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load strategies: %w", err)
	}

	ticker := time.NewTicker(s.cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			logrus.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				logrus.WithError(err).Error("Failed to reload strategies")
			}
		}
	}
}

// Reload starts runners for newly active strategies and stops runners for
// strategies that are no longer active
func (s *Scheduler) Reload(ctx context.Context) error {
	active, err := s.strategies.ListActiveStrategies(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int]bool, len(active))
	for _, st := range active {
		seen[st.ID] = true
		if _, running := s.runners[st.ID]; running {
			continue
		}
		fn, err := s.registry.Lookup(st.Name)
		if err != nil {
			if !s.unknown[st.ID] {
				logrus.WithError(err).WithField("strategy", st.Name).Warn("Strategy has no implementation, not scheduling")
				s.unknown[st.ID] = true
			}
			continue
		}
		r := &runner{strategy: *st, fn: fn, stop: make(chan struct{})}
		s.runners[st.ID] = r
		s.wg.Add(1)
		go s.loop(ctx, r)
		logrus.WithFields(logrus.Fields{
			"strategy":   st.Name,
			"symbol":     st.Symbol,
			"time_frame": st.TimeFrame,
		}).Info("Strategy scheduled")
	}

	for id, r := range s.runners {
		if !seen[id] {
			close(r.stop)
			delete(s.runners, id)
			logrus.WithField("strategy", r.strategy.Name).Info("Strategy deactivated, stopping after current tick")
		}
	}
	for id := range s.unknown {
		if !seen[id] {
			delete(s.unknown, id)
		}
	}
	s.metrics.SetActiveStrategies(len(s.runners))
	return nil
}

// Running returns the ids of scheduled strategies
func (s *Scheduler) Running() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.runners {
		close(r.stop)
		delete(s.runners, id)
	}
	s.metrics.SetActiveStrategies(0)
}

func (s *Scheduler) loop(ctx context.Context, r *runner) {
	defer s.wg.Done()
	st := r.strategy
	log := logrus.WithField("strategy", st.Name)

	next := NextTick(s.now(), st.TimeFrame, s.cfg.SettleDelay, s.cfg.Location)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		fireAt := next.Add(s.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-s.after(fireAt.Sub(s.now())):
		}

		start := time.Now()
		res := s.RunCycle(ctx, st, r.fn, next)
		s.metrics.RecordTick(st.Name, time.Since(start))
		if res.Err != nil {
			log.WithError(res.Err).Warn("Cycle failed")
		}

		now := s.now()
		if missed := missedTicks(next, now, st.TimeFrame, s.cfg.SettleDelay, s.cfg.Location); missed > 0 {
			log.Warnf("Tick overran, skipping %d boundaries", missed)
			for i := 0; i < missed; i++ {
				s.metrics.RecordSkippedTick(st.Name)
			}
		}
		next = NextTick(now, st.TimeFrame, s.cfg.SettleDelay, s.cfg.Location)
	}
}

// RunCycle fetches bars, runs the strategy and forwards its signals. Work
// already started finishes even if ctx is cancelled; cancellation only stops
// further rows from being forwarded.
func (s *Scheduler) RunCycle(ctx context.Context, st models.Strategy, fn strategy.Func, boundary time.Time) CycleResult {
	tickCtx := context.WithoutCancel(ctx)
	rc := &models.RunContext{Strategy: st, CycleID: uuid.NewString(), TickTime: boundary}
	log := logrus.WithFields(logrus.Fields{"strategy": st.Name, "cycle": rc.CycleID})

	bars, err := s.source.Fetch(tickCtx, marketdata.Request{
		Symbol:        st.Symbol,
		TimeFrame:     st.TimeFrame,
		LookbackDays:  st.LookbackDays,
		ExtendedHours: st.ExtendedHours,
		End:           boundary,
		Location:      s.cfg.Location,
	})
	if err != nil {
		s.metrics.RecordCycleFailure(st.Name, "fetch")
		return CycleResult{Err: fmt.Errorf("failed to fetch bars: %w", err)}
	}
	if len(bars) == 0 {
		log.Debug("No bars, nothing to do")
		return CycleResult{}
	}

	rows, err := strategy.Run(fn, bars)
	if err != nil {
		s.metrics.RecordCycleFailure(st.Name, "strategy")
		return CycleResult{Bars: len(bars), Err: err}
	}

	signals := windowed(strategy.Signals(rows), bars, s.cfg.SignalWindowBars)
	res := CycleResult{Bars: len(bars), Signals: len(signals)}
	for _, row := range signals {
		if ctx.Err() != nil {
			res.Err = fmt.Errorf("cycle interrupted: %w", ctx.Err())
			break
		}
		res.Outcomes = append(res.Outcomes, s.translator.Translate(tickCtx, rc, row))
	}
	log.WithFields(logrus.Fields{"bars": len(bars), "signals": len(signals)}).Debug("Cycle complete")
	return res
}

// windowed keeps signals on the last n bars
func windowed(signals []models.SignalRow, bars []models.Bar, n int) []models.SignalRow {
	if n <= 0 || len(bars) == 0 {
		return signals
	}
	if n > len(bars) {
		n = len(bars)
	}
	cutoff := bars[len(bars)-n].Time
	var out []models.SignalRow
	for _, row := range signals {
		if !row.Time.Before(cutoff) {
			out = append(out, row)
		}
	}
	return out
}
