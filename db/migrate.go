package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file, e.g. 003_create_portal_job_claims.sql
type Migration struct {
	Version string // "003"
	Name    string // "create_portal_job_claims"
	file    string
}

// Migrations lists the embedded migrations in the order they apply
func Migrations() ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, ok := strings.Cut(strings.TrimSuffix(entry.Name(), ".sql"), "_")
		if !ok {
			return nil, errors.Newf("migration %s is not named <version>_<name>.sql", entry.Name())
		}
		out = append(out, Migration{Version: version, Name: name, file: entry.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// applied returns the recorded versions. Before 000 has run the table is
// missing and nothing counts as applied.
func applied(db *sql.DB) (map[string]bool, error) {
	var present int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&present)
	if err != nil {
		return nil, errors.Wrap(err, "look up schema_migrations")
	}
	versions := make(map[string]bool)
	if present == 0 {
		return versions, nil
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		versions[v] = true
	}
	return versions, rows.Err()
}

// Pending lists the migrations not yet applied to db
func Pending(db *sql.DB) ([]Migration, error) {
	all, err := Migrations()
	if err != nil {
		return nil, err
	}
	done, err := applied(db)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, m := range all {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Migrate applies every pending migration, each in its own transaction.
// A nil logger migrates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	pending, err := Pending(db)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if err := apply(db, m); err != nil {
			return err
		}
		if logger != nil {
			logger.Infow("Applied migration",
				"version", m.Version,
				"migration", m.Name,
				"symbol", sym.DB)
		}
	}

	if logger != nil && len(pending) > 0 {
		logger.Infow("Database schema up to date",
			"applied", len(pending),
			"symbol", sym.DB)
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	body, err := migrations.ReadFile(path.Join(migrationsDir, m.file))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.file)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin %s", m.file)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.file)
	}
	// 000 creates schema_migrations, so it can record itself here too
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.file)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.file)
	}
	return nil
}
