package memory

import (
	"context"
	"fmt"

	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/models"
)

// settleable returns the stored intent if it can still be finalized as status
func (s *Store) settleable(intentID int, side, status string) (*models.OrderIntent, error) {
	in, ok := s.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("order intent %d: %w", intentID, ledger.ErrNotFound)
	}
	if in.Terminal() {
		return nil, fmt.Errorf("order intent %d: %w", intentID, ledger.ErrIntentFinalized)
	}
	if !models.CanTransition(in.Status, status) {
		return nil, fmt.Errorf("%w: order intent %d cannot move from %s to %s", ledger.ErrInvalidInput, intentID, in.Status, status)
	}
	if side != "" && in.Side != side {
		return nil, fmt.Errorf("%w: intent %d is a %s", ledger.ErrInvalidInput, intentID, in.Side)
	}
	return in, nil
}

func (s *Store) finalize(in *models.OrderIntent, status string, fill models.Fill) {
	in.Status = status
	in.FilledQuantity = fill.FilledQuantity
	in.AvgFillPrice = fill.AvgPrice
	in.UpdatedAt = s.now()
}

// SettleBuy opens a position and appends the opening trade
func (s *Store) SettleBuy(_ context.Context, intentID int, status string, fill models.Fill) (*ledger.Settlement, error) {
	if err := ledger.ValidateSettleStatus(status); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in, err := s.settleable(intentID, models.SideBuy, status)
	if err != nil {
		return nil, err
	}
	if err := ledger.ValidateFill(in, fill); err != nil {
		return nil, err
	}
	if !fill.FilledQuantity.IsPositive() {
		return nil, fmt.Errorf("%w: buy settlement needs a filled quantity", ledger.ErrInvalidInput)
	}
	if p := s.openPosition(in.StrategyID); p != nil {
		return nil, fmt.Errorf("%w: strategy %d already holds position %d", ledger.ErrDuplicateKey, in.StrategyID, p.ID)
	}
	for _, p := range s.positions {
		if p.OrderID == in.BrokerOrderID() {
			return nil, fmt.Errorf("%w: position for order %s", ledger.ErrDuplicateKey, p.OrderID)
		}
	}

	now := s.now()
	price := ledger.FillPrice(in, fill)
	p := &models.Position{
		ID:         s.id("positions"),
		StrategyID: in.StrategyID,
		OrderID:    in.BrokerOrderID(),
		Quantity:   fill.FilledQuantity,
		EntryPrice: price,
		OpenedAt:   now,
	}
	pid := p.ID
	t := &models.Trade{
		ID:         s.id("trades"),
		StrategyID: in.StrategyID,
		PositionID: &pid,
		Quantity:   fill.FilledQuantity,
		Price:      price,
		Side:       models.SideBuy,
		Date:       now,
	}
	s.positions[p.ID] = p
	s.trades[t.ID] = t
	s.finalize(in, status, fill)

	pc, tc := *p, *t
	tpid := pid
	tc.PositionID = &tpid
	return &ledger.Settlement{Intent: copyIntent(in), Position: &pc, Trade: &tc}, nil
}

// SettleSell appends the closing trade and removes or reduces the position
func (s *Store) SettleSell(_ context.Context, intentID int, status string, fill models.Fill) (*ledger.Settlement, error) {
	if err := ledger.ValidateSettleStatus(status); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in, err := s.settleable(intentID, models.SideSell, status)
	if err != nil {
		return nil, err
	}
	if err := ledger.ValidateFill(in, fill); err != nil {
		return nil, err
	}
	if !fill.FilledQuantity.IsPositive() {
		return nil, fmt.Errorf("%w: sell settlement needs a filled quantity", ledger.ErrInvalidInput)
	}
	p := s.openPosition(in.StrategyID)
	if p == nil {
		return nil, fmt.Errorf("strategy %d: %w", in.StrategyID, ledger.ErrNoOpenPosition)
	}
	if fill.FilledQuantity.GreaterThan(p.Quantity) {
		return nil, fmt.Errorf("strategy %d: %w (%s > %s)",
			in.StrategyID, ledger.ErrExceedsPosition, fill.FilledQuantity, p.Quantity)
	}

	now := s.now()
	pid := p.ID
	t := &models.Trade{
		ID:         s.id("trades"),
		StrategyID: in.StrategyID,
		PositionID: &pid,
		Quantity:   fill.FilledQuantity,
		Price:      ledger.FillPrice(in, fill),
		Side:       models.SideSell,
		Date:       now,
	}
	s.trades[t.ID] = t

	remaining := p.Quantity.Sub(fill.FilledQuantity)
	closed := !remaining.IsPositive()
	if closed {
		s.deletePosition(p.ID)
	} else {
		p.Quantity = remaining
	}
	s.finalize(in, status, fill)

	pc, tc := *p, *t
	if t.PositionID != nil {
		tpid := *t.PositionID
		tc.PositionID = &tpid
	}
	return &ledger.Settlement{Intent: copyIntent(in), Position: &pc, Trade: &tc, Closed: closed}, nil
}

// SettleNoFill finalizes an intent that executed nothing
func (s *Store) SettleNoFill(_ context.Context, intentID int, status string) (*models.OrderIntent, error) {
	if err := ledger.ValidateSettleStatus(status); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in, err := s.settleable(intentID, "", status)
	if err != nil {
		return nil, err
	}
	s.finalize(in, status, models.Fill{})
	return copyIntent(in), nil
}
