package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrStale reports a conditional update whose precondition no longer
	// held, e.g. rotating a session whose refresh hash already moved on.
	ErrStale = errors.New("store: stale write")
)

// Store is the root data access interface. Concrete drivers (sqlite,
// postgres, memory) implement this. Sub-repositories are exposed as methods
// so a Tx hands out the same repos bound to the transaction, and nobody can
// accidentally open a transaction inside another.
type Store interface {
	Accounts() Accounts
	Sessions() Sessions
	ConsumedCodes() ConsumedCodes

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction. It commits when fn returns
	// nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

// Accounts never return soft-deleted rows from lookups. Username and email
// are unique among live accounts; a violation is ErrAlreadyExists.
type Accounts interface {
	// CreateAccount inserts a new account (id is provided by the caller via ULID).
	CreateAccount(ctx context.Context, a domain.Account) error

	GetAccountByID(ctx context.Context, id string) (domain.Account, error)

	// GetAccountByEmail matches the lower-cased email.
	GetAccountByEmail(ctx context.Context, email string) (domain.Account, error)

	GetAccountByUsername(ctx context.Context, username string) (domain.Account, error)

	UpdateDisplayName(ctx context.Context, accountID, displayName string) error

	// UpdatePasswordHash replaces the digest and bumps updated_at.
	UpdatePasswordHash(ctx context.Context, accountID, digest string) error

	MarkVerified(ctx context.Context, accountID string) error

	// UpdateMFASecret stores a pending TOTP secret without enabling MFA.
	UpdateMFASecret(ctx context.Context, accountID, secret string) error

	// EnableMFA flips mfa_enabled on. The secret must already be stored.
	EnableMFA(ctx context.Context, accountID string) error

	// DisableMFA clears both the flag and the secret.
	DisableMFA(ctx context.Context, accountID string) error

	// SoftDeleteAccount sets deleted_at. The row stays for audit, freeing
	// its username and email for reuse.
	SoftDeleteAccount(ctx context.Context, accountID string, at time.Time) error
}

// Sessions stores token fingerprints only. Expiry filtering is the caller's
// job except where a method says otherwise.
type Sessions interface {
	// CreateSession inserts a session. Fingerprint collisions are ErrAlreadyExists.
	CreateSession(ctx context.Context, s domain.Session) error

	GetSessionByID(ctx context.Context, id string) (domain.Session, error)

	GetSessionByAccessHash(ctx context.Context, accessHash string) (domain.Session, error)

	// GetSessionByRefreshHash only matches a session owned by accountID.
	GetSessionByRefreshHash(ctx context.Context, accountID, refreshHash string) (domain.Session, error)

	// RotateSession swaps in next's fingerprints, last-used and expiry in a
	// single conditional write that only applies while the stored refresh
	// hash still equals presentedRefreshHash and the session is live at now.
	// Otherwise it returns ErrStale.
	RotateSession(ctx context.Context, next domain.Session, presentedRefreshHash string, now time.Time) error

	// TouchSession bumps last_used_at.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// DeleteSession is idempotent.
	DeleteSession(ctx context.Context, id string) error

	// DeleteAccountSessions removes every session of the account and
	// returns how many were removed.
	DeleteAccountSessions(ctx context.Context, accountID string) (int64, error)

	// ListAccountSessions returns sessions live at now, newest first.
	ListAccountSessions(ctx context.Context, accountID string, now time.Time) ([]domain.Session, error)

	// DeleteExpiredSessions is housekeeping.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// ConsumedCodes remembers one-time codes that were already accepted.
type ConsumedCodes interface {
	// ConsumeCode records codeHash for the account until expiresAt. A live
	// record for the same pair yields ErrAlreadyExists.
	ConsumeCode(ctx context.Context, accountID, codeHash string, expiresAt time.Time) error

	// DeleteExpiredCodes is housekeeping.
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}
