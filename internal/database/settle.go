package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/models"
)

// lockIntent loads an intent for settlement, locks it and its strategy row,
// and refuses intents that are already terminal or cannot move to status.
func lockIntent(ctx context.Context, tx *sql.Tx, intentID int, side, status string) (*models.OrderIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM order_intents WHERE id = $1 FOR UPDATE`
	in, err := scanIntentRow(tx.QueryRowContext(ctx, query, intentID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order intent %d: %w", intentID, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order intent: %w", err)
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
	if err := lockStrategy(ctx, tx, in.StrategyID); err != nil {
		return nil, err
	}
	return in, nil
}

func finalizeIntent(ctx context.Context, tx *sql.Tx, in *models.OrderIntent, status string, fill models.Fill, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE order_intents
		SET status = $2, filled_quantity = $3, avg_fill_price = $4, updated_at = $5
		WHERE id = $1
	`, in.ID, status, fill.FilledQuantity, fill.AvgPrice, now)
	if err != nil {
		return fmt.Errorf("failed to finalize order intent: %w", err)
	}
	in.Status = status
	in.FilledQuantity = fill.FilledQuantity
	in.AvgFillPrice = fill.AvgPrice
	in.UpdatedAt = now
	return nil
}

// SettleBuy opens a position and appends the opening trade in one transaction
func (db *DB) SettleBuy(ctx context.Context, intentID int, status string, fill models.Fill) (*ledger.Settlement, error) {
	if err := ledger.ValidateSettleStatus(status); err != nil {
		return nil, err
	}

	var res *ledger.Settlement
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		in, err := lockIntent(ctx, tx, intentID, models.SideBuy, status)
		if err != nil {
			return err
		}
		if err := ledger.ValidateFill(in, fill); err != nil {
			return err
		}
		if !fill.FilledQuantity.IsPositive() {
			return fmt.Errorf("%w: buy settlement needs a filled quantity", ledger.ErrInvalidInput)
		}

		now := time.Now()
		price := ledger.FillPrice(in, fill)
		p := &models.Position{
			StrategyID: in.StrategyID,
			OrderID:    in.BrokerOrderID(),
			Quantity:   fill.FilledQuantity,
			EntryPrice: price,
			OpenedAt:   now,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO positions (strategy_id, order_id, quantity, entry_price, opened_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, p.StrategyID, p.OrderID, p.Quantity, p.EntryPrice, p.OpenedAt).Scan(&p.ID)
		if err != nil {
			return translateError(err, "insert position")
		}

		positionID := p.ID
		t := &models.Trade{
			StrategyID: in.StrategyID,
			PositionID: &positionID,
			Quantity:   fill.FilledQuantity,
			Price:      price,
			Side:       models.SideBuy,
			Date:       now,
		}
		if err := insertTrade(ctx, tx, t); err != nil {
			return err
		}

		if err := finalizeIntent(ctx, tx, in, status, fill, now); err != nil {
			return err
		}
		res = &ledger.Settlement{Intent: in, Position: p, Trade: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SettleSell appends the closing trade and removes or reduces the position in one transaction
func (db *DB) SettleSell(ctx context.Context, intentID int, status string, fill models.Fill) (*ledger.Settlement, error) {
	if err := ledger.ValidateSettleStatus(status); err != nil {
		return nil, err
	}

	var res *ledger.Settlement
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		in, err := lockIntent(ctx, tx, intentID, models.SideSell, status)
		if err != nil {
			return err
		}
		if err := ledger.ValidateFill(in, fill); err != nil {
			return err
		}
		if !fill.FilledQuantity.IsPositive() {
			return fmt.Errorf("%w: sell settlement needs a filled quantity", ledger.ErrInvalidInput)
		}

		p, err := getOpenPosition(ctx, tx.QueryRowContext, in.StrategyID)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("strategy %d: %w", in.StrategyID, ledger.ErrNoOpenPosition)
		}
		if err != nil {
			return err
		}
		if fill.FilledQuantity.GreaterThan(p.Quantity) {
			return fmt.Errorf("strategy %d: %w (%s > %s)",
				in.StrategyID, ledger.ErrExceedsPosition, fill.FilledQuantity, p.Quantity)
		}

		now := time.Now()
		positionID := p.ID
		t := &models.Trade{
			StrategyID: in.StrategyID,
			PositionID: &positionID,
			Quantity:   fill.FilledQuantity,
			Price:      ledger.FillPrice(in, fill),
			Side:       models.SideSell,
			Date:       now,
		}
		if err := insertTrade(ctx, tx, t); err != nil {
			return err
		}

		remaining := p.Quantity.Sub(fill.FilledQuantity)
		closed := !remaining.IsPositive()
		if closed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE id = $1`, p.ID); err != nil {
				return fmt.Errorf("failed to delete position: %w", err)
			}
			t.PositionID = nil
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE positions SET quantity = $2 WHERE id = $1`, p.ID, remaining,
			); err != nil {
				return fmt.Errorf("failed to reduce position: %w", err)
			}
			p.Quantity = remaining
		}

		if err := finalizeIntent(ctx, tx, in, status, fill, now); err != nil {
			return err
		}
		res = &ledger.Settlement{Intent: in, Position: p, Trade: t, Closed: closed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SettleNoFill finalizes an intent that executed nothing
func (db *DB) SettleNoFill(ctx context.Context, intentID int, status string) (*models.OrderIntent, error) {
	if err := ledger.ValidateSettleStatus(status); err != nil {
		return nil, err
	}

	var in *models.OrderIntent
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		in, err = lockIntent(ctx, tx, intentID, "", status)
		if err != nil {
			return err
		}
		return finalizeIntent(ctx, tx, in, status, models.Fill{}, time.Now())
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}
