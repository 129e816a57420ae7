package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/models"
)

const strategyColumns = `id, name, time_frame, symbol, order_type, lookback_days,
		       extended_hours, active, created_at, updated_at`

// CreateStrategy inserts a new strategy
func (db *DB) CreateStrategy(ctx context.Context, s *models.Strategy) error {
	if err := ledger.ValidateStrategy(s); err != nil {
		return err
	}

	query := `
		INSERT INTO strategies (
			name, time_frame, symbol, order_type, lookback_days,
			extended_hours, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	s.CreatedAt = time.Time{}
	ledger.AfterStrategyWrite(s, time.Now())

	err := db.conn.QueryRowContext(ctx, query,
		s.Name, s.TimeFrame, s.Symbol, s.OrderType, s.LookbackDays,
		s.ExtendedHours, s.Active, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		return translateError(err, "create strategy")
	}
	return nil
}

// GetStrategy retrieves a strategy by ID
func (db *DB) GetStrategy(ctx context.Context, id int) (*models.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = $1`
	return scanStrategy(db.conn.QueryRowContext(ctx, query, id), id)
}

// ListStrategies returns every strategy ordered by name
func (db *DB) ListStrategies(ctx context.Context) ([]*models.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies ORDER BY name`
	return scanStrategies(db.conn.QueryContext(ctx, query))
}

// ListActiveStrategies returns the strategies that should be scheduled
func (db *DB) ListActiveStrategies(ctx context.Context) ([]*models.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE active = TRUE ORDER BY name`
	return scanStrategies(db.conn.QueryContext(ctx, query))
}

// SetStrategyActive flips the active flag and refreshes updated_at
func (db *DB) SetStrategyActive(ctx context.Context, id int, active bool) (*models.Strategy, error) {
	var s *models.Strategy
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = $1 FOR UPDATE`
		s, err = scanStrategy(tx.QueryRowContext(ctx, query, id), id)
		if err != nil {
			return err
		}

		s.Active = active
		ledger.AfterStrategyWrite(s, time.Now())

		_, err = tx.ExecContext(ctx,
			`UPDATE strategies SET active = $2, updated_at = $3 WHERE id = $1`,
			id, s.Active, s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update strategy: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DeleteStrategy removes a strategy; positions, trades and intents cascade
func (db *DB) DeleteStrategy(ctx context.Context, id int) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM strategies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete strategy: %w", err)
	}
	return rowsAffected(result, "strategy", id)
}

func scanStrategy(row *sql.Row, id int) (*models.Strategy, error) {
	var s models.Strategy
	err := row.Scan(
		&s.ID, &s.Name, &s.TimeFrame, &s.Symbol, &s.OrderType, &s.LookbackDays,
		&s.ExtendedHours, &s.Active, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("strategy %d: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy: %w", err)
	}
	return &s, nil
}

func scanStrategies(rows *sql.Rows, err error) ([]*models.Strategy, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var strategies []*models.Strategy
	for rows.Next() {
		var s models.Strategy
		if err := rows.Scan(
			&s.ID, &s.Name, &s.TimeFrame, &s.Symbol, &s.OrderType, &s.LookbackDays,
			&s.ExtendedHours, &s.Active, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		strategies = append(strategies, &s)
	}
	return strategies, rows.Err()
}
