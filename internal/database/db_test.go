package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDB opens a fresh database on a temporary file. The testhelper
// package depends on this one, so the fixture is built by hand here.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_database_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	require.NoError(t, tmpFile.Close())

	db, err := New(Config{Path: tmpPath, Profile: ProfileStandard, Name: "finbook"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	})
	return db
}

func countLedgers(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	err := db.Conn().QueryRow(`SELECT COUNT(*) FROM ledgers`).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	db := newTestDB(t)

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO ledgers (name, cost_method) VALUES ('main', 'fifo')`)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, 1, countLedgers(t, db))
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO ledgers (name, cost_method) VALUES ('main', 'fifo')`); err != nil {
			return err
		}
		return fmt.Errorf("deliberate failure")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction failed")
	assert.Equal(t, 0, countLedgers(t, db))
}

func TestWithTransaction_RecoversFromPanic(t *testing.T) {
	db := newTestDB(t)

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO ledgers (name, cost_method) VALUES ('main', 'fifo')`); err != nil {
			return err
		}
		panic("boom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")
	assert.Equal(t, 0, countLedgers(t, db))
}

func TestWithTransaction_NilConnection(t *testing.T) {
	err := WithTransaction(nil, func(tx *sql.Tx) error { return nil })
	require.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	db := newTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, db.HealthCheck(ctx))
}

func TestWALCheckpointAndVacuum(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Exec(`INSERT INTO ledgers (name, cost_method) VALUES ('main', 'wac')`)
	require.NoError(t, err)

	assert.NoError(t, db.WALCheckpoint(""))
	assert.NoError(t, db.WALCheckpoint("PASSIVE"))
	assert.NoError(t, db.Vacuum())
}
