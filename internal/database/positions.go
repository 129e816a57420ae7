package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/models"
)

// GetOpenPosition returns the oldest open position of a strategy
func (db *DB) GetOpenPosition(ctx context.Context, strategyID int) (*models.Position, error) {
	return getOpenPosition(ctx, db.conn.QueryRowContext, strategyID)
}

type queryRowFunc func(ctx context.Context, query string, args ...any) *sql.Row

func getOpenPosition(ctx context.Context, queryRow queryRowFunc, strategyID int) (*models.Position, error) {
	query := `
		SELECT id, strategy_id, order_id, quantity, entry_price, opened_at
		FROM positions
		WHERE strategy_id = $1
		ORDER BY opened_at, id
		LIMIT 1
	`
	var p models.Position
	err := queryRow(ctx, query, strategyID).Scan(
		&p.ID, &p.StrategyID, &p.OrderID, &p.Quantity, &p.EntryPrice, &p.OpenedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("open position for strategy %d: %w", strategyID, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return &p, nil
}

// ListPositions returns all open positions joined with their strategy name
func (db *DB) ListPositions(ctx context.Context) ([]*models.PositionView, error) {
	query := `
		SELECT p.id, p.strategy_id, p.order_id, p.quantity, p.entry_price, p.opened_at,
		       s.name, s.symbol
		FROM positions p
		JOIN strategies s ON s.id = p.strategy_id
		ORDER BY p.opened_at DESC, p.id DESC
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*models.PositionView
	for rows.Next() {
		var v models.PositionView
		if err := rows.Scan(
			&v.ID, &v.StrategyID, &v.OrderID, &v.Quantity, &v.EntryPrice, &v.OpenedAt,
			&v.StrategyName, &v.Symbol,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, &v)
	}
	return positions, rows.Err()
}

// DeletePosition removes a position; trades referencing it keep their rows
func (db *DB) DeletePosition(ctx context.Context, id int) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return rowsAffected(result, "position", id)
}
