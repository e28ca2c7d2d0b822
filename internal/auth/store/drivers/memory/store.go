// Package memory is an in-process store driver. It backs unit tests and
// single-binary development runs; nothing survives a restart.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
)

// errUnknownAccount mirrors the foreign key the SQL drivers enforce.
var errUnknownAccount = errors.New("memory: session references unknown account")

type codeKey struct {
	accountID string
	codeHash  string
}

type state struct {
	accounts map[string]domain.Account
	sessions map[string]domain.Session
	codes    map[codeKey]time.Time
}

func (s *state) clone() *state {
	return &state{
		accounts: maps.Clone(s.accounts),
		sessions: maps.Clone(s.sessions),
		codes:    maps.Clone(s.codes),
	}
}

// Store guards all data with one mutex. A transaction holds the mutex from
// Tx until Commit or Rollback, so transactions are fully serialised and a
// rollback simply restores the snapshot taken at the start.
type Store struct {
	mu   sync.Mutex
	data *state

	// Now decides whether consumed codes are still live. Defaults to time.Now.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		data: &state{
			accounts: make(map[string]domain.Account),
			sessions: make(map[string]domain.Session),
			codes:    make(map[codeKey]time.Time),
		},
		Now: time.Now,
	}
}

func (s *Store) Accounts() store.Accounts           { return &accountsRepo{repo{st: s}} }
func (s *Store) Sessions() store.Sessions           { return &sessionsRepo{repo{st: s}} }
func (s *Store) ConsumedCodes() store.ConsumedCodes { return &codesRepo{repo{st: s}} }

func (s *Store) ApplyMigrations() error         { return nil }
func (s *Store) Close() error                   { return nil }
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Tx(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{st: s, snapshot: s.data.clone()}, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	t, err := s.Tx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = t.Rollback()
	}()

	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

type tx struct {
	st       *Store
	snapshot *state
	done     bool
}

func (t *tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.st.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.st.data = t.snapshot
	t.st.mu.Unlock()
	return nil
}

func (t *tx) Accounts() store.Accounts           { return &accountsRepo{repo{st: t.st, inTx: true}} }
func (t *tx) Sessions() store.Sessions           { return &sessionsRepo{repo{st: t.st, inTx: true}} }
func (t *tx) ConsumedCodes() store.ConsumedCodes { return &codesRepo{repo{st: t.st, inTx: true}} }

func (t *tx) ApplyMigrations() error     { return nil }
func (t *tx) Close() error               { return nil }
func (t *tx) Ping(context.Context) error { return nil }

func (t *tx) Tx(context.Context) (store.Tx, error) {
	return nil, sql.ErrTxDone
}

func (t *tx) WithTx(context.Context, func(tx store.Tx) error) error {
	return sql.ErrTxDone
}

// repo is shared by the repositories. Inside a transaction the mutex is
// already held by the tx.
type repo struct {
	st   *Store
	inTx bool
}

func (r repo) lock() (*state, func()) {
	if r.inTx {
		return r.st.data, func() {}
	}
	r.st.mu.Lock()
	return r.st.data, r.st.mu.Unlock
}
