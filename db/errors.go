package db

import (
	"strings"

	"github.com/teranos/portal/errors"
)

// ErrDatabaseClosed marks work attempted after the database was closed,
// typically a run finishing while the daemon shuts down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports ErrDatabaseClosed, or a driver error saying the
// same thing. database/sql returns its own unexported error for this, so the
// message is all there is to match.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDatabaseClosed) || strings.Contains(err.Error(), "database is closed")
}
