package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/storage/migrations"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, err := migrations.Version(db.DB)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, version, 1)

	// Core tables exist
	for _, table := range []string{"sessions", "events"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, path, db.Path())
}

func TestWithTxRollback(t *testing.T) {
	db := openTestDB(t)

	_, err := db.UpsertSession("whatsapp", "dm", "chat-1")
	require.NoError(t, err)

	err = db.WithTx(func(tx *Tx) error {
		if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	// Delete rolled back
	_, err = db.GetSession(SessionKey("whatsapp", "dm", "chat-1"))
	assert.NoError(t, err)
}
