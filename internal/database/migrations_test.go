package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Cleanup(t)

	t.Run("all tables exist", func(t *testing.T) {
		expectedTables := []string{
			"strategies",
			"positions",
			"trades",
			"order_intents",
		}

		for _, tableName := range expectedTables {
			var exists bool
			err := testDB.GetRawConn().QueryRow(`
				SELECT EXISTS (
					SELECT FROM information_schema.tables
					WHERE table_schema = 'public'
					AND table_name = $1
				)
			`, tableName).Scan(&exists)

			require.NoError(t, err, "failed to check table existence for %s", tableName)
			assert.True(t, exists, "table %s should exist", tableName)
		}
	})

	t.Run("strategies table has correct columns", func(t *testing.T) {
		expectedColumns := map[string]string{
			"id":             "integer",
			"name":           "character varying",
			"time_frame":     "integer",
			"symbol":         "character varying",
			"order_type":     "character varying",
			"lookback_days":  "integer",
			"extended_hours": "boolean",
			"active":         "boolean",
			"created_at":     "timestamp with time zone",
			"updated_at":     "timestamp with time zone",
		}

		for colName, expectedType := range expectedColumns {
			var actualType string
			err := testDB.GetRawConn().QueryRow(`
				SELECT data_type
				FROM information_schema.columns
				WHERE table_name = 'strategies' AND column_name = $1
			`, colName).Scan(&actualType)

			require.NoError(t, err, "column %s should exist in strategies table", colName)
			assert.Equal(t, expectedType, actualType, "column %s should have type %s", colName, expectedType)
		}
	})

	t.Run("check constraints reject bad rows", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.GetRawConn().Exec(`
			INSERT INTO strategies (name, time_frame, symbol, order_type, lookback_days)
			VALUES ('bad', 5, 'SPY', 'LIMIT', 11)
		`)
		assert.Error(t, err, "lookback_days above 10 should be rejected")

		_, err = testDB.GetRawConn().Exec(`
			INSERT INTO strategies (name, time_frame, symbol, order_type, lookback_days)
			VALUES ('bad', 0, 'SPY', 'LIMIT', 3)
		`)
		assert.Error(t, err, "time_frame 0 should be rejected")

		s := testDB.createStrategy(t, "smaCross")
		_, err = testDB.GetRawConn().Exec(`
			INSERT INTO positions (strategy_id, order_id, quantity, entry_price)
			VALUES ($1, 'o-1', -5, 0)
		`, s.ID)
		assert.Error(t, err, "negative quantity should be rejected")
	})

	t.Run("migrations are idempotent", func(t *testing.T) {
		require.NoError(t, testDB.Migrate())
	})
}
