package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(context.Background(), dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, dbPath, db.Path())

	var result int
	require.NoError(t, db.QueryRow("SELECT 1").Scan(&result))
	assert.Equal(t, 1, result)
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")
	db, err := Open(context.Background(), dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, dbPath, db.Path())
}

func TestOpen_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(context.Background(), dbPath, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(context.Background(), dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
}

func TestOpen_WALMode(t *testing.T) {
	db := openTestDB(t)
	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
}

func TestWithTx_Commit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec("INSERT INTO kv_store (key, value) VALUES (?, ?)", "test_key", "test_value")
		return err
	})
	require.NoError(t, err)

	value, err := db.KVGet(ctx, "test_key")
	require.NoError(t, err)
	assert.Equal(t, "test_value", value)
}

func TestWithTx_Rollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	testErr := errors.New("test error")
	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec("INSERT INTO kv_store (key, value) VALUES (?, ?)", "rollback_key", "v"); err != nil {
			return err
		}
		return testErr
	})
	assert.ErrorIs(t, err, testErr)

	_, err = db.KVGet(ctx, "rollback_key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClose(t *testing.T) {
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	var result int
	assert.Error(t, db.QueryRow("SELECT 1").Scan(&result), "query should fail after close")
}
