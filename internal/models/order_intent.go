package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Intent status constants
const (
	IntentSubmitted       = "submitted"
	IntentAccepted        = "accepted"
	IntentRejected        = "rejected"
	IntentPending         = "pending"
	IntentPartiallyFilled = "partially_filled"
	IntentFilled          = "filled"
	IntentCanceled        = "canceled"
)

// OrderIntent is the durable record of one order attempt. It is written before
// the broker is called so that a restart finds the idempotency key and
// reconciles instead of resubmitting.
type OrderIntent struct {
	ID             int             `json:"id"`
	StrategyID     int             `json:"strategy_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Side           string          `json:"side"`
	OrderType      string          `json:"order_type"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	ExtendedHours  bool            `json:"extended_hours"`
	SignalTime     time.Time       `json:"signal_time"`
	OrderID        *string         `json:"order_id,omitempty"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	LastError      string          `json:"last_error,omitempty"`
	EscalatedAt    *time.Time      `json:"escalated_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BrokerOrderID returns the broker order id or an empty string
func (o *OrderIntent) BrokerOrderID() string {
	if o.OrderID == nil {
		return ""
	}
	return *o.OrderID
}

// Terminal reports whether the intent can no longer change
func (o *OrderIntent) Terminal() bool {
	return IsTerminalIntentStatus(o.Status)
}

// IsTerminalIntentStatus reports whether status is filled, canceled or rejected
func IsTerminalIntentStatus(status string) bool {
	switch status {
	case IntentFilled, IntentCanceled, IntentRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an intent may move from one status to another.
//
//	submitted -> accepted | rejected
//	accepted  -> pending | partially_filled | filled | canceled
//	pending   -> partially_filled | filled | canceled
//	partially_filled -> partially_filled | filled | canceled
func CanTransition(from, to string) bool {
	switch from {
	case IntentSubmitted:
		return to == IntentAccepted || to == IntentRejected
	case IntentAccepted:
		return to == IntentPending || to == IntentPartiallyFilled || to == IntentFilled || to == IntentCanceled
	case IntentPending:
		return to == IntentPending || to == IntentPartiallyFilled || to == IntentFilled || to == IntentCanceled
	case IntentPartiallyFilled:
		return to == IntentPartiallyFilled || to == IntentFilled || to == IntentCanceled
	default:
		return false
	}
}

var nonTerminalIntentStatuses = []string{IntentSubmitted, IntentAccepted, IntentPending, IntentPartiallyFilled}

// IntentSources returns the statuses from which an intent may move to status
func IntentSources(status string) []string {
	var from []string
	for _, s := range nonTerminalIntentStatuses {
		if CanTransition(s, status) {
			from = append(from, s)
		}
	}
	return from
}

// Fill is the broker-reported execution state of an order at one point in time
type Fill struct {
	FilledQuantity decimal.Decimal
	AvgPrice       decimal.Decimal
	At             time.Time
}
