// Package memory is an in-process implementation of ledger.Ledger used in
// paper mode and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/models"
)

// Store is an in-memory ledger. A single mutex makes every method atomic.
type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	strategies map[int]*models.Strategy
	positions  map[int]*models.Position
	trades     map[int]*models.Trade
	intents    map[int]*models.OrderIntent
	nextID     map[string]int
}

// New creates an empty in-memory ledger
func New() *Store {
	return &Store{
		now:        time.Now,
		strategies: make(map[int]*models.Strategy),
		positions:  make(map[int]*models.Position),
		trades:     make(map[int]*models.Trade),
		intents:    make(map[int]*models.OrderIntent),
		nextID:     make(map[string]int),
	}
}

// WithClock overrides the clock used for timestamps
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

var _ ledger.Ledger = (*Store)(nil)

func (s *Store) id(table string) int {
	s.nextID[table]++
	return s.nextID[table]
}

// CreateStrategy inserts a new strategy
func (s *Store) CreateStrategy(_ context.Context, st *models.Strategy) error {
	if err := ledger.ValidateStrategy(st); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.strategies {
		if existing.Name == st.Name {
			return fmt.Errorf("%w: strategy %q already exists", ledger.ErrDuplicateKey, st.Name)
		}
	}

	st.ID = s.id("strategies")
	st.CreatedAt = time.Time{}
	ledger.AfterStrategyWrite(st, s.now())
	c := *st
	s.strategies[st.ID] = &c
	return nil
}

// GetStrategy retrieves a strategy by ID
func (s *Store) GetStrategy(_ context.Context, id int) (*models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %d: %w", id, ledger.ErrNotFound)
	}
	c := *st
	return &c, nil
}

// ListStrategies returns every strategy ordered by name
func (s *Store) ListStrategies(_ context.Context) ([]*models.Strategy, error) {
	return s.listStrategies(func(*models.Strategy) bool { return true }), nil
}

// ListActiveStrategies returns the strategies that should be scheduled
func (s *Store) ListActiveStrategies(_ context.Context) ([]*models.Strategy, error) {
	return s.listStrategies(func(st *models.Strategy) bool { return st.Active }), nil
}

func (s *Store) listStrategies(keep func(*models.Strategy) bool) []*models.Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Strategy
	for _, st := range s.strategies {
		if keep(st) {
			c := *st
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// SetStrategyActive flips the active flag
func (s *Store) SetStrategyActive(_ context.Context, id int, active bool) (*models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %d: %w", id, ledger.ErrNotFound)
	}
	st.Active = active
	ledger.AfterStrategyWrite(st, s.now())
	c := *st
	return &c, nil
}

// DeleteStrategy removes a strategy and everything it owns
func (s *Store) DeleteStrategy(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strategies[id]; !ok {
		return fmt.Errorf("strategy %d: %w", id, ledger.ErrNotFound)
	}
	delete(s.strategies, id)
	for pid, p := range s.positions {
		if p.StrategyID == id {
			delete(s.positions, pid)
		}
	}
	for tid, t := range s.trades {
		if t.StrategyID == id {
			delete(s.trades, tid)
		}
	}
	for iid, in := range s.intents {
		if in.StrategyID == id {
			delete(s.intents, iid)
		}
	}
	return nil
}

// GetOpenPosition returns the oldest open position of a strategy
func (s *Store) GetOpenPosition(_ context.Context, strategyID int) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.openPosition(strategyID)
	if p == nil {
		return nil, fmt.Errorf("open position for strategy %d: %w", strategyID, ledger.ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (s *Store) openPosition(strategyID int) *models.Position {
	var oldest *models.Position
	for _, p := range s.positions {
		if p.StrategyID != strategyID {
			continue
		}
		if oldest == nil || p.OpenedAt.Before(oldest.OpenedAt) ||
			(p.OpenedAt.Equal(oldest.OpenedAt) && p.ID < oldest.ID) {
			oldest = p
		}
	}
	return oldest
}

// ListPositions returns all open positions joined with their strategy
func (s *Store) ListPositions(_ context.Context) ([]*models.PositionView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.PositionView
	for _, p := range s.positions {
		v := &models.PositionView{Position: *p}
		if st, ok := s.strategies[p.StrategyID]; ok {
			v.StrategyName = st.Name
			v.Symbol = st.Symbol
		}
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].OpenedAt.After(result[j].OpenedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

// DeletePosition removes a position and nulls the back-reference of its trades
func (s *Store) DeletePosition(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[id]; !ok {
		return fmt.Errorf("position %d: %w", id, ledger.ErrNotFound)
	}
	s.deletePosition(id)
	return nil
}

func (s *Store) deletePosition(id int) {
	delete(s.positions, id)
	for _, t := range s.trades {
		if t.PositionID != nil && *t.PositionID == id {
			t.PositionID = nil
		}
	}
}

// ListTrades returns the most recent trades
func (s *Store) ListTrades(_ context.Context, limit int) ([]*models.TradeView, error) {
	return s.listTrades(func(*models.Trade) bool { return true }, limit), nil
}

// ListTradesByStrategy returns the most recent trades of one strategy
func (s *Store) ListTradesByStrategy(_ context.Context, strategyID int, limit int) ([]*models.TradeView, error) {
	return s.listTrades(func(t *models.Trade) bool { return t.StrategyID == strategyID }, limit), nil
}

// ListTradesByPosition returns the trades that reference a position
func (s *Store) ListTradesByPosition(_ context.Context, positionID int) ([]*models.TradeView, error) {
	return s.listTrades(func(t *models.Trade) bool {
		return t.PositionID != nil && *t.PositionID == positionID
	}, 0), nil
}

func (s *Store) listTrades(keep func(*models.Trade) bool, limit int) []*models.TradeView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.TradeView
	for _, t := range s.trades {
		if !keep(t) {
			continue
		}
		v := &models.TradeView{Trade: *t}
		if t.PositionID != nil {
			pid := *t.PositionID
			v.PositionID = &pid
		}
		if st, ok := s.strategies[t.StrategyID]; ok {
			v.StrategyName = st.Name
			v.Symbol = st.Symbol
		}
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.After(result[j].Date)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
