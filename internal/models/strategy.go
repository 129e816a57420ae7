package models

import "time"

// Order type constants
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Lookback bounds in days of history handed to a strategy each cycle
const (
	MinLookbackDays = 1
	MaxLookbackDays = 10
)

// Strategy represents a configured, schedulable trading strategy.
// TimeFrame and LookbackDays are fixed for the life of the row; changing the
// trading logic means creating a new strategy.
type Strategy struct {
	ID            int       `json:"id"`
	Name          string    `json:"name"`
	TimeFrame     int       `json:"time_frame"`
	Symbol        string    `json:"symbol"`
	OrderType     string    `json:"order_type"`
	LookbackDays  int       `json:"lookback_days"`
	ExtendedHours bool      `json:"extended_hours"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Interval returns the bar size as a duration
func (s *Strategy) Interval() time.Duration {
	return time.Duration(s.TimeFrame) * time.Minute
}

// RunContext is the per-strategy state carried through one scheduler cycle.
// It replaces any ambient registry of live strategy state.
type RunContext struct {
	Strategy Strategy
	CycleID  string
	TickTime time.Time
}
