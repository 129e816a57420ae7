package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position represents an open exposure opened by exactly one strategy.
// An EntryPrice of zero means a market order whose price is not yet resolved.
type Position struct {
	ID         int             `json:"id"`
	StrategyID int             `json:"strategy_id"`
	OrderID    string          `json:"order_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// PriceResolved reports whether the entry price is known
func (p *Position) PriceResolved() bool {
	return !p.EntryPrice.IsZero()
}

// PositionView is a position joined with its strategy for operator queries
type PositionView struct {
	Position
	StrategyName string `json:"strategy_name"`
	Symbol       string `json:"symbol"`
}
