package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// migration is one embedded file; version is the numeric file prefix
type migration struct {
	version string
	file    string
}

// Migrate applies, in file order, every embedded migration whose version is
// not yet in schema_migrations. Each migration commits on its own.
func Migrate(conn *sql.DB, log *zap.SugaredLogger) error {
	log = logger.AddDBSymbol(log)

	pending, err := pendingMigrations(conn)
	if err != nil {
		return err
	}
	for _, m := range pending {
		log.Infow("Applying migration", "migration", m.file, "version", m.version)
		if err := apply(conn, m); err != nil {
			return err
		}
	}
	log.Debugw("Migrations complete", "applied", len(pending))
	return nil
}

func pendingMigrations(conn *sql.DB) ([]migration, error) {
	all, err := embeddedMigrations()
	if err != nil {
		return nil, err
	}

	applied := make(map[string]bool)
	rows, err := conn.Query("SELECT version FROM schema_migrations")
	if err != nil {
		// schema_migrations itself is created by the first migration
		if len(all) == 0 || all[0].version != "000" {
			return nil, errors.Wrap(err, "read schema_migrations")
		}
	} else {
		defer rows.Close()
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return nil, errors.Wrap(err, "scan schema_migrations")
			}
			applied[v] = true
		}
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "read schema_migrations")
		}
	}

	var pending []migration
	for _, m := range all {
		if !applied[m.version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

func apply(conn *sql.DB, m migration) error {
	body, err := migrations.ReadFile(path.Join(migrationsDir, m.file))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.file)
	}

	tx, err := conn.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin %s", m.file)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.file)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return errors.Wrapf(err, "record %s", m.file)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.file)
}

func embeddedMigrations() ([]migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read embedded migrations")
	}
	var out []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, _ := strings.Cut(name, "_")
		out = append(out, migration{version: version, file: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].file < out[j].file })
	return out, nil
}
