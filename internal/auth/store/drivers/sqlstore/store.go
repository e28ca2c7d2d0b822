// Package sqlstore implements store.Store over database/sql. The sqlite and
// postgres drivers supply the connection, a Dialect and their migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/store"
)

// Migrator applies the driver's embedded migrations to db.
type Migrator func(db *sql.DB) error

type Store struct {
	db      *sql.DB
	d       Dialect
	q       *Queries
	migrate Migrator
	now     func() time.Time
}

func New(db *sql.DB, d Dialect, migrate Migrator) *Store {
	return &Store{
		db:      db,
		d:       d,
		q:       NewQueries(db, d),
		migrate: migrate,
		now:     time.Now,
	}
}

// DB exposes the pool for drivers and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ApplyMigrations() error {
	if s.migrate == nil {
		return nil
	}
	return s.migrate(s.db)
}

// Tx starts a read/write transaction and returns a Tx-scoped Store.
func (s *Store) Tx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txStore{tx: tx, d: s.d, q: NewQueries(tx, s.d), now: s.now}, nil
}

// WithTx executes fn within a transaction, automatically handling commit/rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}

	// Safe to call even after commit
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) Accounts() store.Accounts           { return &accountsRepo{q: s.q, d: s.d, now: s.now} }
func (s *Store) Sessions() store.Sessions           { return &sessionsRepo{q: s.q, d: s.d} }
func (s *Store) ConsumedCodes() store.ConsumedCodes { return &consumedCodesRepo{q: s.q, d: s.d, now: s.now} }

type txStore struct {
	tx  *sql.Tx
	d   Dialect
	q   *Queries
	now func() time.Time
}

func (t *txStore) Commit() error   { return t.tx.Commit() }
func (t *txStore) Rollback() error { return t.tx.Rollback() }

// Close is a no-op; the outer DB stays open.
func (t *txStore) Close() error { return nil }

// Ping is a no-op, the connection is held by the transaction.
func (t *txStore) Ping(context.Context) error { return nil }

// ApplyMigrations is a no-op; migrations run before any transaction.
func (t *txStore) ApplyMigrations() error { return nil }

func (t *txStore) Tx(context.Context) (store.Tx, error) {
	// Nested tx not supported; could emulate with SAVEPOINT if needed
	return nil, sql.ErrTxDone
}

func (t *txStore) WithTx(context.Context, func(tx store.Tx) error) error {
	return sql.ErrTxDone
}

func (t *txStore) Accounts() store.Accounts           { return &accountsRepo{q: t.q, d: t.d, now: t.now} }
func (t *txStore) Sessions() store.Sessions           { return &sessionsRepo{q: t.q, d: t.d} }
func (t *txStore) ConsumedCodes() store.ConsumedCodes { return &consumedCodesRepo{q: t.q, d: t.d, now: t.now} }

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func mapConflict(d Dialect, err error) error {
	if d.uniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

// requireRow turns a zero-row update into ErrNotFound.
func requireRow(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
