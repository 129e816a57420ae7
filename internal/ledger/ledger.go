// Package ledger defines the durable store of strategies, open positions,
// trade history and order intents, and the rules every backend enforces.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/trogers1052/autotrade/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when a unique constraint would be violated
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrInvalidInput is returned when a write fails validation
	ErrInvalidInput = errors.New("invalid input")
	// ErrIntentFinalized is returned when an intent is already in a terminal state
	ErrIntentFinalized = errors.New("order intent already finalized")
	// ErrNoOpenPosition is returned when a SELL settles against a strategy with no position
	ErrNoOpenPosition = errors.New("no open position")
	// ErrExceedsPosition is returned when a SELL fill is larger than the open position
	ErrExceedsPosition = errors.New("sell quantity exceeds open position")
)

// Settlement is the result of finalizing an order intent
type Settlement struct {
	Intent   *models.OrderIntent
	Position *models.Position
	Trade    *models.Trade
	// Closed is true when a SELL removed the position
	Closed bool
}

// Ledger is the single source of truth for what the engine believes is true.
// Every method that writes positions or trades for one strategy runs in one
// transaction.
type Ledger interface {
	CreateStrategy(ctx context.Context, s *models.Strategy) error
	GetStrategy(ctx context.Context, id int) (*models.Strategy, error)
	ListStrategies(ctx context.Context) ([]*models.Strategy, error)
	ListActiveStrategies(ctx context.Context) ([]*models.Strategy, error)
	SetStrategyActive(ctx context.Context, id int, active bool) (*models.Strategy, error)
	// DeleteStrategy removes the strategy with its positions, trades and intents
	DeleteStrategy(ctx context.Context, id int) error

	// GetOpenPosition returns the oldest open position of a strategy or ErrNotFound
	GetOpenPosition(ctx context.Context, strategyID int) (*models.Position, error)
	ListPositions(ctx context.Context) ([]*models.PositionView, error)
	// DeletePosition removes a position; trades keep their rows with a null back-reference
	DeletePosition(ctx context.Context, id int) error

	ListTrades(ctx context.Context, limit int) ([]*models.TradeView, error)
	ListTradesByStrategy(ctx context.Context, strategyID int, limit int) ([]*models.TradeView, error)
	ListTradesByPosition(ctx context.Context, positionID int) ([]*models.TradeView, error)

	CreateOrderIntent(ctx context.Context, in *models.OrderIntent) error
	GetOrderIntentByKey(ctx context.Context, key string) (*models.OrderIntent, error)
	GetOrderIntentByOrderID(ctx context.Context, orderID string) (*models.OrderIntent, error)
	// ListInFlightIntents returns the non-terminal intents of one strategy
	ListInFlightIntents(ctx context.Context, strategyID int) ([]*models.OrderIntent, error)
	// ListUnresolvedIntents returns non-terminal intents created before olderThan
	ListUnresolvedIntents(ctx context.Context, olderThan time.Time) ([]*models.OrderIntent, error)
	ListIntents(ctx context.Context, status string, limit int) ([]*models.OrderIntent, error)
	MarkIntentAccepted(ctx context.Context, id int, orderID string) error
	MarkIntentRejected(ctx context.Context, id int, reason string) error
	RecordSubmitError(ctx context.Context, id int, msg string) error
	UpdateIntentProgress(ctx context.Context, id int, status string, fill models.Fill) error
	MarkIntentEscalated(ctx context.Context, id int, at time.Time) error

	// SettleBuy opens a position for the filled quantity, appends the opening
	// trade and moves the intent to status, atomically.
	SettleBuy(ctx context.Context, intentID int, status string, fill models.Fill) (*Settlement, error)
	// SettleSell appends the closing trade and removes (or reduces) the
	// position, atomically.
	SettleSell(ctx context.Context, intentID int, status string, fill models.Fill) (*Settlement, error)
	// SettleNoFill finalizes an intent that executed nothing
	SettleNoFill(ctx context.Context, intentID int, status string) (*models.OrderIntent, error)
}
