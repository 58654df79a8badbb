// Package db opens portal's SQLite database and applies its embedded schema.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/sym"
)

// SQLiteBusyTimeoutMS is how long a writer waits on a locked database
// before SQLite reports SQLITE_BUSY.
const SQLiteBusyTimeoutMS = 5000

// dsn appends the per-connection pragmas as go-sqlite3 parameters, so every
// connection in the pool gets them and not only the first one.
func dsn(path string) string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d", path, SQLiteBusyTimeoutMS)
}

// Open opens the SQLite database at path. A nil logger opens silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// sql.Open is lazy; surface a bad path here instead of on first query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "connect %s", path)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "read journal mode")
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"symbol", sym.DB,
			"journal_mode", mode,
		)
	}
	return db, nil
}

// OpenWithMigrations opens the database and brings its schema up to date.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "migrate %s", path)
	}

	return db, nil
}

// TableStats is a row count for one portal table
type TableStats struct {
	Table string
	Rows  int64
}

// statsTables are the tables reported by Stats, in display order
var statsTables = []string{
	"portal_jobs",
	"portal_job_runs",
	"portal_job_claims",
	"portal_executions",
	"schema_migrations",
}

// Stats returns row counts for portal's tables
func Stats(db *sql.DB) ([]TableStats, error) {
	stats := make([]TableStats, 0, len(statsTables))
	for _, table := range statsTables {
		var n int64
		// table names come from the fixed list above
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			if IsDatabaseClosed(err) {
				return nil, errors.Mark(err, ErrDatabaseClosed)
			}
			return nil, errors.Wrapf(err, "count %s", table)
		}
		stats = append(stats, TableStats{Table: table, Rows: n})
	}
	return stats, nil
}
