// Package broker is the boundary to the brokerage order API.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/autotrade/internal/models"
)

var (
	// ErrTransient marks failures where the outcome of the call is unknown or retryable
	ErrTransient = errors.New("transient broker failure")
	// ErrUnknownOrder is returned when the broker has no record of an order id
	ErrUnknownOrder = errors.New("unknown order")
)

// Submission status
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Execution state reported by PollFills
const (
	StatePending         = models.IntentPending
	StatePartiallyFilled = models.IntentPartiallyFilled
	StateFilled          = models.IntentFilled
	StateCanceled        = models.IntentCanceled
)

// Order is what the engine asks the broker to execute
type Order struct {
	// ClientOrderID is the idempotency key of the intent
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	// LimitPrice is zero for market orders
	LimitPrice    decimal.Decimal
	ExtendedHours bool
	// Expiry cancels the order at the broker after this long. Zero means a day order.
	Expiry time.Duration
}

// SubmitResult is the broker's answer to a submission
type SubmitResult struct {
	OrderID string
	Status  string
	Reason  string
}

// FillReport is the execution state of one order
type FillReport struct {
	FilledQuantity decimal.Decimal
	AvgPrice       decimal.Decimal
	State          string
}

// Fill converts the report into the ledger fill type
func (r FillReport) Fill(at time.Time) models.Fill {
	return models.Fill{FilledQuantity: r.FilledQuantity, AvgPrice: r.AvgPrice, At: at}
}

// Gateway submits orders and reports their execution. Submit has side effects
// and is never retried by callers; PollFills is read-only.
type Gateway interface {
	Submit(ctx context.Context, order Order) (*SubmitResult, error)
	PollFills(ctx context.Context, orderID string) (*FillReport, error)
}

// Canceler is implemented by gateways that can withdraw a working order.
// Cancel does not settle anything; the next poll reports the final state.
type Canceler interface {
	Cancel(ctx context.Context, orderID string) error
}
