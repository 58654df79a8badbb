package commands

import (
	"database/sql"

	"github.com/teranos/portal/am"
	"github.com/teranos/portal/db"
	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/logger"
)

// resolveDatabasePath falls back to the configured path when dbPath is empty.
func resolveDatabasePath(dbPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	path, err := am.GetDatabasePath()
	if err != nil {
		return "", errors.Wrap(err, "failed to get database path")
	}
	return path, nil
}

// openDatabase opens and migrates the database, logging through the global logger.
func openDatabase(dbPath string) (*sql.DB, error) {
	dbPath, err := resolveDatabasePath(dbPath)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}
