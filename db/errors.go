package db

import (
	"strings"

	"github.com/teranos/conductor/errors"
)

// ErrDatabaseClosed marks work that reached the database after Close.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err came from a closed handle, either
// marked with ErrDatabaseClosed or as the raw database/sql message.
func IsDatabaseClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDatabaseClosed):
		return true
	default:
		return strings.Contains(err.Error(), "database is closed")
	}
}
