// Package db owns the SQLite connection and the embedded schema migrations
// shared by the scheduler, the usage tracker and the result store.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
)

// SQLiteBusyTimeoutMS is how long a writer waits on a locked database.
const SQLiteBusyTimeoutMS = 5000

// connPragmas run on every new connection, in order.
var connPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
	fmt.Sprintf("PRAGMA busy_timeout = %d", SQLiteBusyTimeoutMS),
}

// Open opens a SQLite database at path with WAL, foreign keys and a busy
// timeout. A nil logger falls back to the global one.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	log = logger.AddDBSymbol(log).With("path", path)

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	for _, pragma := range connPragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "%s", pragma)
		}
	}

	log.Debugw("Database opened", "wal_mode", true)
	return conn, nil
}

// OpenWithMigrations opens the database and applies all pending migrations.
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	conn, err := Open(path, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(conn, log); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "migrate %s", path)
	}
	return conn, nil
}
