// Package sqlite is the embedded single-node store driver built on
// modernc.org/sqlite (no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aussiebroadwan/tavern/internal/auth/store/drivers/sqlstore"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect stores timestamps as unix milliseconds and recognises sqlite's
// extended constraint codes.
var Dialect = sqlstore.Dialect{
	Name:       "sqlite",
	UnixMillis: true,
	IsUniqueViolation: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	},
}

// NewStore opens the database at dsn. Every statement goes through a single
// connection: sqlite serialises writers anyway, and ":memory:" databases
// only exist per connection.
func NewStore(dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	// Enforce FKs
	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sqlstore.New(db, Dialect, applyMigrations), nil
}
