// Package testing holds fixtures shared by package tests.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teranos/portal/db"
)

// CreateTestDB returns a migrated in-memory database, closed on cleanup.
// The pool is pinned to one connection: every new :memory: connection
// would be a separate empty database.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(":memory:", nil)
	require.NoError(t, err, "open in-memory database")
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.Migrate(conn, nil), "migrate in-memory database")
	return conn
}

// CreateFileDB returns a migrated database file under t.TempDir(), for
// tests where several pooled connections must see the same data.
func CreateFileDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "portal.db"), nil)
	require.NoError(t, err, "open database file")
	t.Cleanup(func() { conn.Close() })
	return conn
}
