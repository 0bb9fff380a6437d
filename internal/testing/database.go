// Package testing provides database fixtures for package tests.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/conductor/db"
)

// CreateTestDB returns a migrated in-memory database closed on t.Cleanup.
// The pool is pinned to one connection since :memory: is per-connection.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err, "open in-memory database")
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn, zaptest.NewLogger(t).Sugar()), "migrate test database")
	return conn
}

// TestDBPath returns a database file path inside t.TempDir for code that
// opens the database itself.
func TestDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "conductor.db")
}
