package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/autotrade/internal/models"
)

// ValidateStrategy checks a strategy definition before it is stored
func ValidateStrategy(s *models.Strategy) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: strategy name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: strategy symbol is required", ErrInvalidInput)
	}
	if s.TimeFrame <= 0 {
		return fmt.Errorf("%w: time_frame must be positive, got %d", ErrInvalidInput, s.TimeFrame)
	}
	if s.OrderType != models.OrderTypeMarket && s.OrderType != models.OrderTypeLimit {
		return fmt.Errorf("%w: order_type must be MARKET or LIMIT, got %q", ErrInvalidInput, s.OrderType)
	}
	if s.LookbackDays < models.MinLookbackDays || s.LookbackDays > models.MaxLookbackDays {
		return fmt.Errorf("%w: lookback_days must be between %d and %d, got %d",
			ErrInvalidInput, models.MinLookbackDays, models.MaxLookbackDays, s.LookbackDays)
	}
	return nil
}

// ValidateIntent checks an order intent before it is stored or sent to the broker
func ValidateIntent(in *models.OrderIntent) error {
	if in.StrategyID <= 0 {
		return fmt.Errorf("%w: intent has no strategy", ErrInvalidInput)
	}
	if in.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	if in.Side != models.SideBuy && in.Side != models.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrInvalidInput, in.Side)
	}
	if !in.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidInput, in.Quantity)
	}
	switch in.OrderType {
	case models.OrderTypeLimit:
		if !in.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order needs a positive price, got %s", ErrInvalidInput, in.LimitPrice)
		}
	case models.OrderTypeMarket:
		if !in.LimitPrice.IsZero() {
			return fmt.Errorf("%w: market order must carry price 0, got %s", ErrInvalidInput, in.LimitPrice)
		}
	default:
		return fmt.Errorf("%w: order_type must be MARKET or LIMIT, got %q", ErrInvalidInput, in.OrderType)
	}
	if in.SignalTime.IsZero() {
		return fmt.Errorf("%w: signal time is required", ErrInvalidInput)
	}
	return nil
}

// ValidateFill checks a broker fill report against the intent it settles
func ValidateFill(in *models.OrderIntent, fill models.Fill) error {
	if fill.FilledQuantity.IsNegative() {
		return fmt.Errorf("%w: filled quantity is negative", ErrInvalidInput)
	}
	if fill.AvgPrice.IsNegative() {
		return fmt.Errorf("%w: fill price is negative", ErrInvalidInput)
	}
	if fill.FilledQuantity.GreaterThan(in.Quantity) {
		return fmt.Errorf("%w: filled %s exceeds ordered %s", ErrInvalidInput, fill.FilledQuantity, in.Quantity)
	}
	return nil
}

// ValidateSettleStatus checks that status is a terminal status that executed something
func ValidateSettleStatus(status string) error {
	if status != models.IntentFilled && status != models.IntentCanceled {
		return fmt.Errorf("%w: cannot settle into status %q", ErrInvalidInput, status)
	}
	return nil
}

// FillPrice is the execution price recorded for a settled intent: the broker
// average when reported, otherwise the submitted limit price.
func FillPrice(in *models.OrderIntent, fill models.Fill) decimal.Decimal {
	if fill.AvgPrice.IsPositive() {
		return fill.AvgPrice
	}
	return in.LimitPrice
}

// AfterStrategyWrite is the post-write hook every backend invokes after a
// strategy row is inserted or changed.
func AfterStrategyWrite(s *models.Strategy, now time.Time) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}
