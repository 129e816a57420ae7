package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger event type constants
const (
	EventPositionOpened        = "POSITION_OPENED"
	EventPositionClosed        = "POSITION_CLOSED"
	EventOrderRejected         = "ORDER_REJECTED"
	EventInconsistency         = "INCONSISTENCY"
	EventFillCanceledRemainder = "FILL_CANCELED_REMAINDER"
)

// Broker order update event type
const EventOrderUpdated = "ORDER_UPDATED"

// LedgerEvent is published whenever the ledger changes or needs operator attention
type LedgerEvent struct {
	EventType  string          `json:"event_type"`
	StrategyID int             `json:"strategy_id"`
	Strategy   string          `json:"strategy,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	IntentID   int             `json:"intent_id,omitempty"`
	Side       string          `json:"side,omitempty"`
	Quantity   decimal.Decimal `json:"quantity,omitempty"`
	Price      decimal.Decimal `json:"price,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// OrderUpdateEvent is a broker order status notification consumed from Kafka
type OrderUpdateEvent struct {
	EventType string    `json:"event_type"`
	Source    string    `json:"source"`
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
