// Package database is the PostgreSQL implementation of the ledger.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	schema "github.com/trogers1052/autotrade/db"
	"github.com/trogers1052/autotrade/internal/ledger"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	conn *sql.DB
}

var _ ledger.Ledger = (*DB)(nil)

// New opens a connection pool and verifies it
func New(connStr string) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the connection pool
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate applies the embedded schema migrations
func (db *DB) Migrate() error {
	source, err := iofs.New(schema.Migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db.conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing when fn returns nil
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockStrategy takes the row lock that serializes ledger writes for one strategy
func lockStrategy(ctx context.Context, tx *sql.Tx, strategyID int) error {
	var id int
	err := tx.QueryRowContext(ctx, `SELECT id FROM strategies WHERE id = $1 FOR UPDATE`, strategyID).Scan(&id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("strategy %d: %w", strategyID, ledger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock strategy: %w", err)
	}
	return nil
}

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	checkViolation      = "23514"
)

// translateError maps PostgreSQL constraint violations onto ledger errors
func translateError(err error, what string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%w: %s (%s)", ledger.ErrDuplicateKey, what, pqErr.Constraint)
		case foreignKeyViolation:
			return fmt.Errorf("%s: %w", what, ledger.ErrNotFound)
		case checkViolation:
			return fmt.Errorf("%w: %s (%s)", ledger.ErrInvalidInput, what, pqErr.Constraint)
		}
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

// rowsAffected reports an ErrNotFound error when nothing matched
func rowsAffected(result sql.Result, what string, id int) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ledger.ErrNotFound)
	}
	return nil
}
