package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/models"
)

// CreateOrderIntent stores a new intent in status submitted
func (s *Store) CreateOrderIntent(_ context.Context, in *models.OrderIntent) error {
	if err := ledger.ValidateIntent(in); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strategies[in.StrategyID]; !ok {
		return fmt.Errorf("strategy %d: %w", in.StrategyID, ledger.ErrNotFound)
	}
	for _, existing := range s.intents {
		if existing.IdempotencyKey == in.IdempotencyKey {
			return fmt.Errorf("%w: idempotency key %s", ledger.ErrDuplicateKey, in.IdempotencyKey)
		}
	}

	now := s.now()
	in.ID = s.id("order_intents")
	in.Status = models.IntentSubmitted
	in.CreatedAt = now
	in.UpdatedAt = now
	s.intents[in.ID] = copyIntent(in)
	return nil
}

// GetOrderIntentByKey retrieves an intent by idempotency key
func (s *Store) GetOrderIntentByKey(_ context.Context, key string) (*models.OrderIntent, error) {
	return s.findIntent(func(in *models.OrderIntent) bool { return in.IdempotencyKey == key }, "key "+key)
}

// GetOrderIntentByOrderID retrieves an intent by broker order id
func (s *Store) GetOrderIntentByOrderID(_ context.Context, orderID string) (*models.OrderIntent, error) {
	return s.findIntent(func(in *models.OrderIntent) bool { return in.BrokerOrderID() == orderID }, "order "+orderID)
}

func (s *Store) findIntent(match func(*models.OrderIntent) bool, desc string) (*models.OrderIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, in := range s.intents {
		if match(in) {
			return copyIntent(in), nil
		}
	}
	return nil, fmt.Errorf("order intent %s: %w", desc, ledger.ErrNotFound)
}

// ListInFlightIntents returns the non-terminal intents of a strategy
func (s *Store) ListInFlightIntents(_ context.Context, strategyID int) ([]*models.OrderIntent, error) {
	return s.listIntents(func(in *models.OrderIntent) bool {
		return in.StrategyID == strategyID && !in.Terminal()
	}, 0, false), nil
}

// ListUnresolvedIntents returns non-terminal intents created before olderThan
func (s *Store) ListUnresolvedIntents(_ context.Context, olderThan time.Time) ([]*models.OrderIntent, error) {
	return s.listIntents(func(in *models.OrderIntent) bool {
		return !in.Terminal() && in.CreatedAt.Before(olderThan)
	}, 0, false), nil
}

// ListIntents returns intents, optionally filtered by status
func (s *Store) ListIntents(_ context.Context, status string, limit int) ([]*models.OrderIntent, error) {
	return s.listIntents(func(in *models.OrderIntent) bool {
		return status == "" || in.Status == status
	}, limit, true), nil
}

func (s *Store) listIntents(keep func(*models.OrderIntent) bool, limit int, newestFirst bool) []*models.OrderIntent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.OrderIntent
	for _, in := range s.intents {
		if keep(in) {
			result = append(result, copyIntent(in))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if newestFirst {
			return result[i].ID > result[j].ID
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// MarkIntentAccepted records the broker order id of an accepted submission
func (s *Store) MarkIntentAccepted(_ context.Context, id int, orderID string) error {
	return s.transition(id, models.IntentAccepted, func(in *models.OrderIntent) {
		oid := orderID
		in.OrderID = &oid
		in.LastError = ""
	})
}

// MarkIntentRejected finalizes an intent the broker declined
func (s *Store) MarkIntentRejected(_ context.Context, id int, reason string) error {
	return s.transition(id, models.IntentRejected, func(in *models.OrderIntent) {
		in.LastError = reason
	})
}

// RecordSubmitError keeps the intent submitted and records why the call failed
func (s *Store) RecordSubmitError(_ context.Context, id int, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("order intent %d: %w", id, ledger.ErrNotFound)
	}
	if in.Terminal() {
		return fmt.Errorf("order intent %d: %w", id, ledger.ErrIntentFinalized)
	}
	in.LastError = msg
	in.UpdatedAt = s.now()
	return nil
}

// UpdateIntentProgress records a non-terminal broker state and fill progress
func (s *Store) UpdateIntentProgress(_ context.Context, id int, status string, fill models.Fill) error {
	if models.IsTerminalIntentStatus(status) {
		return fmt.Errorf("%w: progress update cannot be terminal (%s)", ledger.ErrInvalidInput, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("order intent %d: %w", id, ledger.ErrNotFound)
	}
	if in.Terminal() {
		return fmt.Errorf("order intent %d: %w", id, ledger.ErrIntentFinalized)
	}
	if !models.CanTransition(in.Status, status) {
		return fmt.Errorf("%w: order intent %d cannot move from %s to %s", ledger.ErrInvalidInput, id, in.Status, status)
	}
	if err := ledger.ValidateFill(in, fill); err != nil {
		return err
	}
	in.Status = status
	in.FilledQuantity = fill.FilledQuantity
	in.AvgFillPrice = fill.AvgPrice
	in.UpdatedAt = s.now()
	return nil
}

// MarkIntentEscalated records that an operator has been alerted about the intent
func (s *Store) MarkIntentEscalated(_ context.Context, id int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("order intent %d: %w", id, ledger.ErrNotFound)
	}
	ts := at
	in.EscalatedAt = &ts
	in.UpdatedAt = s.now()
	return nil
}

func (s *Store) transition(id int, status string, apply func(in *models.OrderIntent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("order intent %d: %w", id, ledger.ErrNotFound)
	}
	if in.Terminal() {
		return fmt.Errorf("order intent %d: %w", id, ledger.ErrIntentFinalized)
	}
	if !models.CanTransition(in.Status, status) {
		return fmt.Errorf("%w: order intent %d cannot move from %s to %s", ledger.ErrInvalidInput, id, in.Status, status)
	}
	in.Status = status
	apply(in)
	in.UpdatedAt = s.now()
	return nil
}

func copyIntent(in *models.OrderIntent) *models.OrderIntent {
	c := *in
	if in.OrderID != nil {
		oid := *in.OrderID
		c.OrderID = &oid
	}
	if in.EscalatedAt != nil {
		ts := *in.EscalatedAt
		c.EscalatedAt = &ts
	}
	return &c
}
