package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trogers1052/autotrade/internal/models"
)

const tradeViewQuery = `
		SELECT t.id, t.strategy_id, t.position_id, t.quantity, t.price, t.side, t.date,
		       s.name, s.symbol
		FROM trades t
		JOIN strategies s ON s.id = t.strategy_id
`

// ListTrades returns the most recent trades across all strategies
func (db *DB) ListTrades(ctx context.Context, limit int) ([]*models.TradeView, error) {
	query := tradeViewQuery + `
		ORDER BY t.date DESC, t.id DESC
		LIMIT $1
	`
	return scanTrades(db.conn.QueryContext(ctx, query, nullLimit(limit)))
}

// ListTradesByStrategy returns the most recent trades of one strategy
func (db *DB) ListTradesByStrategy(ctx context.Context, strategyID int, limit int) ([]*models.TradeView, error) {
	query := tradeViewQuery + `
		WHERE t.strategy_id = $1
		ORDER BY t.date DESC, t.id DESC
		LIMIT $2
	`
	return scanTrades(db.conn.QueryContext(ctx, query, strategyID, nullLimit(limit)))
}

// ListTradesByPosition returns the trades that still reference a position
func (db *DB) ListTradesByPosition(ctx context.Context, positionID int) ([]*models.TradeView, error) {
	query := tradeViewQuery + `
		WHERE t.position_id = $1
		ORDER BY t.date DESC, t.id DESC
	`
	return scanTrades(db.conn.QueryContext(ctx, query, positionID))
}

// insertTrade appends a trade inside a settlement transaction
func insertTrade(ctx context.Context, tx *sql.Tx, t *models.Trade) error {
	query := `
		INSERT INTO trades (strategy_id, position_id, quantity, price, side, date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := tx.QueryRowContext(ctx, query,
		t.StrategyID, t.PositionID, t.Quantity, t.Price, t.Side, t.Date,
	).Scan(&t.ID)
	if err != nil {
		return translateError(err, "insert trade")
	}
	return nil
}

// nullLimit turns a non-positive limit into LIMIT ALL
func nullLimit(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

func scanTrades(rows *sql.Rows, err error) ([]*models.TradeView, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*models.TradeView
	for rows.Next() {
		var v models.TradeView
		var positionID sql.NullInt64
		if err := rows.Scan(
			&v.ID, &v.StrategyID, &positionID, &v.Quantity, &v.Price, &v.Side, &v.Date,
			&v.StrategyName, &v.Symbol,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if positionID.Valid {
			id := int(positionID.Int64)
			v.PositionID = &id
		}
		trades = append(trades, &v)
	}
	return trades, rows.Err()
}
