package database

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/trogers1052/autotrade/internal/models"
)

// TestDB wraps a test database connection with cleanup
type TestDB struct {
	*DB
	container testcontainers.Container
	connStr   string
	seq       int
}

// SetupTestDB creates a new PostgreSQL container and returns a migrated DB
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	db, err := New(connStr)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	testDB := &TestDB{
		DB:        db,
		container: pgContainer,
		connStr:   connStr,
	}

	if err := testDB.Migrate(); err != nil {
		testDB.Cleanup(t)
		t.Fatalf("failed to run migrations: %v", err)
	}

	return testDB
}

// Cleanup closes the database connection and terminates the container
func (tdb *TestDB) Cleanup(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	if tdb.DB != nil {
		tdb.DB.Close()
	}

	if tdb.container != nil {
		if err := tdb.container.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	}
}

// TruncateAll truncates all tables for test isolation
func (tdb *TestDB) TruncateAll(t *testing.T) {
	t.Helper()

	tables := []string{
		"order_intents",
		"trades",
		"positions",
		"strategies",
	}

	for _, table := range tables {
		_, err := tdb.conn.Exec(fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table))
		if err != nil {
			t.Fatalf("failed to truncate table %s: %v", table, err)
		}
	}
}

// GetRawConn returns the underlying sql.DB for direct queries in tests
func (tdb *TestDB) GetRawConn() *sql.DB {
	return tdb.conn
}

// ConnectionString returns the database connection string
func (tdb *TestDB) ConnectionString() string {
	return tdb.connStr
}

// createStrategy inserts a LIMIT strategy for tests
func (tdb *TestDB) createStrategy(t *testing.T, name string) *models.Strategy {
	t.Helper()
	s := &models.Strategy{
		Name:         name,
		TimeFrame:    5,
		Symbol:       "SPY",
		OrderType:    models.OrderTypeLimit,
		LookbackDays: 3,
		Active:       true,
	}
	require.NoError(t, tdb.CreateStrategy(context.Background(), s))
	return s
}

// fill runs an intent through accepted and filled
func (tdb *TestDB) fill(t *testing.T, strategyID int, side string, qty, price float64) *models.OrderIntent {
	t.Helper()
	ctx := context.Background()

	tdb.seq++
	in := &models.OrderIntent{
		StrategyID:     strategyID,
		IdempotencyKey: fmt.Sprintf("key-%d", tdb.seq),
		Side:           side,
		OrderType:      models.OrderTypeLimit,
		Quantity:       decimal.NewFromFloat(qty),
		LimitPrice:     decimal.NewFromFloat(price),
		SignalTime:     time.Now(),
	}
	require.NoError(t, tdb.CreateOrderIntent(ctx, in))
	require.NoError(t, tdb.MarkIntentAccepted(ctx, in.ID, fmt.Sprintf("order-%d", tdb.seq)))

	f := models.Fill{FilledQuantity: in.Quantity, AvgPrice: in.LimitPrice}
	var err error
	if side == models.SideBuy {
		_, err = tdb.SettleBuy(ctx, in.ID, models.IntentFilled, f)
	} else {
		_, err = tdb.SettleSell(ctx, in.ID, models.IntentFilled, f)
	}
	require.NoError(t, err)
	return in
}
