package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade side constants
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Trade is an immutable record of one executed fill. PositionID is nil once the
// position it opened or closed has been removed.
type Trade struct {
	ID         int             `json:"id"`
	StrategyID int             `json:"strategy_id"`
	PositionID *int            `json:"position_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Side       string          `json:"side"`
	Date       time.Time       `json:"date"`
}

// TradeView is a trade joined with its strategy name
type TradeView struct {
	Trade
	StrategyName string `json:"strategy_name"`
	Symbol       string `json:"symbol"`
}
