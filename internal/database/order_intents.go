package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/models"
)

const intentColumns = `id, strategy_id, idempotency_key, side, order_type, quantity, limit_price,
		       extended_hours, signal_time, order_id, status, filled_quantity, avg_fill_price,
		       last_error, escalated_at, created_at, updated_at`

const terminalStatuses = `('filled', 'canceled', 'rejected')`

// statusList renders known status constants as a SQL IN list
func statusList(statuses []string) string {
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + s + "'"
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

// CreateOrderIntent records an intent before the broker is called
func (db *DB) CreateOrderIntent(ctx context.Context, in *models.OrderIntent) error {
	if err := ledger.ValidateIntent(in); err != nil {
		return err
	}

	query := `
		INSERT INTO order_intents (
			strategy_id, idempotency_key, side, order_type, quantity, limit_price,
			extended_hours, signal_time, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	now := time.Now()
	err := db.conn.QueryRowContext(ctx, query,
		in.StrategyID, in.IdempotencyKey, in.Side, in.OrderType, in.Quantity, in.LimitPrice,
		in.ExtendedHours, in.SignalTime, models.IntentSubmitted, now, now,
	).Scan(&in.ID)
	if err != nil {
		return translateError(err, "create order intent")
	}

	in.Status = models.IntentSubmitted
	in.CreatedAt = now
	in.UpdatedAt = now
	return nil
}

// GetOrderIntentByKey retrieves an intent by idempotency key
func (db *DB) GetOrderIntentByKey(ctx context.Context, key string) (*models.OrderIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM order_intents WHERE idempotency_key = $1`
	return scanIntent(db.conn.QueryRowContext(ctx, query, key), "key "+key)
}

// GetOrderIntentByOrderID retrieves an intent by broker order id
func (db *DB) GetOrderIntentByOrderID(ctx context.Context, orderID string) (*models.OrderIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM order_intents WHERE order_id = $1`
	return scanIntent(db.conn.QueryRowContext(ctx, query, orderID), "order "+orderID)
}

// ListInFlightIntents returns the non-terminal intents of one strategy
func (db *DB) ListInFlightIntents(ctx context.Context, strategyID int) ([]*models.OrderIntent, error) {
	query := `SELECT ` + intentColumns + `
		FROM order_intents
		WHERE strategy_id = $1 AND status NOT IN ` + terminalStatuses + `
		ORDER BY id
	`
	return scanIntents(db.conn.QueryContext(ctx, query, strategyID))
}

// ListUnresolvedIntents returns non-terminal intents created before olderThan
func (db *DB) ListUnresolvedIntents(ctx context.Context, olderThan time.Time) ([]*models.OrderIntent, error) {
	query := `SELECT ` + intentColumns + `
		FROM order_intents
		WHERE status NOT IN ` + terminalStatuses + ` AND created_at < $1
		ORDER BY id
	`
	return scanIntents(db.conn.QueryContext(ctx, query, olderThan))
}

// ListIntents returns the newest intents, optionally filtered by status
func (db *DB) ListIntents(ctx context.Context, status string, limit int) ([]*models.OrderIntent, error) {
	query := `SELECT ` + intentColumns + `
		FROM order_intents
		WHERE ($1::text = '' OR status = $1)
		ORDER BY id DESC
		LIMIT $2
	`
	return scanIntents(db.conn.QueryContext(ctx, query, status, nullLimit(limit)))
}

// MarkIntentAccepted records the broker order id of an accepted submission
func (db *DB) MarkIntentAccepted(ctx context.Context, id int, orderID string) error {
	query := `
		UPDATE order_intents
		SET status = $2, order_id = $3, last_error = NULL, updated_at = $4
		WHERE id = $1 AND status IN ` + statusList(models.IntentSources(models.IntentAccepted))
	return db.updateIntent(ctx, id, query, id, models.IntentAccepted, orderID, time.Now())
}

// MarkIntentRejected finalizes an intent the broker declined
func (db *DB) MarkIntentRejected(ctx context.Context, id int, reason string) error {
	query := `
		UPDATE order_intents
		SET status = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status IN ` + statusList(models.IntentSources(models.IntentRejected))
	return db.updateIntent(ctx, id, query, id, models.IntentRejected, reason, time.Now())
}

// RecordSubmitError keeps the intent submitted and records why the call failed
func (db *DB) RecordSubmitError(ctx context.Context, id int, msg string) error {
	query := `
		UPDATE order_intents
		SET last_error = $2, updated_at = $3
		WHERE id = $1 AND status NOT IN ` + terminalStatuses
	return db.updateIntent(ctx, id, query, id, msg, time.Now())
}

// UpdateIntentProgress records a non-terminal broker state and fill progress
func (db *DB) UpdateIntentProgress(ctx context.Context, id int, status string, fill models.Fill) error {
	if models.IsTerminalIntentStatus(status) {
		return fmt.Errorf("%w: progress update cannot be terminal (%s)", ledger.ErrInvalidInput, status)
	}
	if fill.FilledQuantity.IsNegative() || fill.AvgPrice.IsNegative() {
		return fmt.Errorf("%w: negative fill", ledger.ErrInvalidInput)
	}
	from := models.IntentSources(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: unknown intent status %q", ledger.ErrInvalidInput, status)
	}

	query := `
		UPDATE order_intents
		SET status = $2, filled_quantity = $3, avg_fill_price = $4, updated_at = $5
		WHERE id = $1 AND status IN ` + statusList(from) + ` AND $3 <= quantity
	`
	return db.updateIntent(ctx, id, query, id, status, fill.FilledQuantity, fill.AvgPrice, time.Now())
}

// MarkIntentEscalated records that an operator has been alerted about the intent
func (db *DB) MarkIntentEscalated(ctx context.Context, id int, at time.Time) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE order_intents SET escalated_at = $2, updated_at = $3 WHERE id = $1`,
		id, at, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to escalate order intent: %w", err)
	}
	return rowsAffected(result, "order intent", id)
}

// updateIntent runs a guarded update and tells a missing row apart from a finalized one
func (db *DB) updateIntent(ctx context.Context, id int, query string, args ...any) error {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return translateError(err, "update order intent")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = db.conn.QueryRowContext(ctx, `SELECT status FROM order_intents WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("order intent %d: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get order intent: %w", err)
	}
	if models.IsTerminalIntentStatus(status) {
		return fmt.Errorf("order intent %d: %w", id, ledger.ErrIntentFinalized)
	}
	return fmt.Errorf("%w: order intent %d update rejected", ledger.ErrInvalidInput, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntentRow(row scanner) (*models.OrderIntent, error) {
	var in models.OrderIntent
	var orderID, lastError sql.NullString
	var escalatedAt sql.NullTime

	err := row.Scan(
		&in.ID, &in.StrategyID, &in.IdempotencyKey, &in.Side, &in.OrderType, &in.Quantity, &in.LimitPrice,
		&in.ExtendedHours, &in.SignalTime, &orderID, &in.Status, &in.FilledQuantity, &in.AvgFillPrice,
		&lastError, &escalatedAt, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if orderID.Valid {
		in.OrderID = &orderID.String
	}
	if lastError.Valid {
		in.LastError = lastError.String
	}
	if escalatedAt.Valid {
		in.EscalatedAt = &escalatedAt.Time
	}
	return &in, nil
}

func scanIntent(row *sql.Row, desc string) (*models.OrderIntent, error) {
	in, err := scanIntentRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order intent %s: %w", desc, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order intent: %w", err)
	}
	return in, nil
}

func scanIntents(rows *sql.Rows, err error) ([]*models.OrderIntent, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query order intents: %w", err)
	}
	defer rows.Close()

	var intents []*models.OrderIntent
	for rows.Next() {
		in, err := scanIntentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order intent: %w", err)
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}
