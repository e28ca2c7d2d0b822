package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs the hand-written statements against a DB or Tx.
type Queries struct {
	db DBTX
	d  Dialect
}

func NewQueries(db DBTX, d Dialect) *Queries {
	return &Queries{db: db, d: d}
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.d.rebind(query), args...)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.d.rebind(query), args...)
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.d.rebind(query), args...)
}

/* accounts */

const accountColumns = `id, username, email, display_name, password_hash, verified,
	mfa_enabled, mfa_secret, created_at, updated_at, deleted_at`

const insertAccount = `INSERT INTO accounts (
	id, username, email, display_name, password_hash, verified,
	mfa_enabled, mfa_secret, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertAccount(ctx context.Context, a domain.Account) error {
	_, err := q.exec(ctx, insertAccount,
		a.ID, a.Username, a.Email, a.DisplayName, a.PasswordHash, a.Verified,
		a.MFAEnabled, nullString(a.MFASecret), q.d.time(a.CreatedAt), q.d.time(a.UpdatedAt),
	)
	return err
}

const getAccountByID = `SELECT ` + accountColumns + ` FROM accounts WHERE id = ? AND deleted_at IS NULL`

func (q *Queries) GetAccountByID(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(q.queryRow(ctx, getAccountByID, id))
}

const getAccountByEmail = `SELECT ` + accountColumns + ` FROM accounts WHERE email = ? AND deleted_at IS NULL`

func (q *Queries) GetAccountByEmail(ctx context.Context, email string) (domain.Account, error) {
	return scanAccount(q.queryRow(ctx, getAccountByEmail, email))
}

const getAccountByUsername = `SELECT ` + accountColumns + ` FROM accounts WHERE username = ? AND deleted_at IS NULL`

func (q *Queries) GetAccountByUsername(ctx context.Context, username string) (domain.Account, error) {
	return scanAccount(q.queryRow(ctx, getAccountByUsername, username))
}

const updateDisplayName = `UPDATE accounts SET display_name = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

func (q *Queries) UpdateDisplayName(ctx context.Context, id, name string, now time.Time) (int64, error) {
	return affected(q.exec(ctx, updateDisplayName, name, q.d.time(now), id))
}

const updatePasswordHash = `UPDATE accounts SET password_hash = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

func (q *Queries) UpdatePasswordHash(ctx context.Context, id, digest string, now time.Time) (int64, error) {
	return affected(q.exec(ctx, updatePasswordHash, digest, q.d.time(now), id))
}

const markVerified = `UPDATE accounts SET verified = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

func (q *Queries) MarkVerified(ctx context.Context, id string, now time.Time) (int64, error) {
	return affected(q.exec(ctx, markVerified, true, q.d.time(now), id))
}

const updateMFASecret = `UPDATE accounts SET mfa_secret = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

func (q *Queries) UpdateMFASecret(ctx context.Context, id, secret string, now time.Time) (int64, error) {
	return affected(q.exec(ctx, updateMFASecret, nullString(secret), q.d.time(now), id))
}

const enableMFA = `UPDATE accounts SET mfa_enabled = ?, updated_at = ?
	WHERE id = ? AND deleted_at IS NULL AND mfa_secret IS NOT NULL`

func (q *Queries) EnableMFA(ctx context.Context, id string, now time.Time) (int64, error) {
	return affected(q.exec(ctx, enableMFA, true, q.d.time(now), id))
}

const disableMFA = `UPDATE accounts SET mfa_enabled = ?, mfa_secret = NULL, updated_at = ?
	WHERE id = ? AND deleted_at IS NULL`

func (q *Queries) DisableMFA(ctx context.Context, id string, now time.Time) (int64, error) {
	return affected(q.exec(ctx, disableMFA, false, q.d.time(now), id))
}

const softDeleteAccount = `UPDATE accounts SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

func (q *Queries) SoftDeleteAccount(ctx context.Context, id string, at time.Time) (int64, error) {
	return affected(q.exec(ctx, softDeleteAccount, q.d.time(at), q.d.time(at), id))
}

func scanAccount(row *sql.Row) (domain.Account, error) {
	var (
		a                           domain.Account
		secret                      sql.NullString
		created, updated, deletedAt dbTime
	)
	err := row.Scan(
		&a.ID, &a.Username, &a.Email, &a.DisplayName, &a.PasswordHash, &a.Verified,
		&a.MFAEnabled, &secret, &created, &updated, &deletedAt,
	)
	if err != nil {
		return domain.Account{}, err
	}
	a.MFASecret = secret.String
	a.CreatedAt = created.Time
	a.UpdatedAt = updated.Time
	a.DeletedAt = deletedAt.ptr()
	return a, nil
}

/* sessions */

const sessionColumns = `id, account_id, access_token_hash, refresh_token_hash,
	device_name, ip_address, user_agent, created_at, last_used_at, expires_at`

const insertSession = `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := q.exec(ctx, insertSession,
		s.ID, s.AccountID, s.AccessTokenHash, s.RefreshTokenHash,
		s.Device.DeviceName, s.Device.IPAddress, s.Device.UserAgent,
		q.d.time(s.CreatedAt), q.d.time(s.LastUsedAt), q.d.time(s.ExpiresAt),
	)
	return err
}

const getSessionByID = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

func (q *Queries) GetSessionByID(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(q.queryRow(ctx, getSessionByID, id))
}

const getSessionByAccessHash = `SELECT ` + sessionColumns + ` FROM sessions WHERE access_token_hash = ?`

func (q *Queries) GetSessionByAccessHash(ctx context.Context, hash string) (domain.Session, error) {
	return scanSession(q.queryRow(ctx, getSessionByAccessHash, hash))
}

const getSessionByRefreshHash = `SELECT ` + sessionColumns + ` FROM sessions
	WHERE account_id = ? AND refresh_token_hash = ?`

func (q *Queries) GetSessionByRefreshHash(ctx context.Context, accountID, hash string) (domain.Session, error) {
	return scanSession(q.queryRow(ctx, getSessionByRefreshHash, accountID, hash))
}

const rotateSession = `UPDATE sessions
	SET access_token_hash = ?, refresh_token_hash = ?, last_used_at = ?, expires_at = ?
	WHERE id = ? AND refresh_token_hash = ? AND expires_at > ?`

func (q *Queries) RotateSession(ctx context.Context, next domain.Session, presented string, now time.Time) (int64, error) {
	return affected(q.exec(ctx, rotateSession,
		next.AccessTokenHash, next.RefreshTokenHash, q.d.time(next.LastUsedAt), q.d.time(next.ExpiresAt),
		next.ID, presented, q.d.time(now),
	))
}

const touchSession = `UPDATE sessions SET last_used_at = ? WHERE id = ?`

func (q *Queries) TouchSession(ctx context.Context, id string, at time.Time) (int64, error) {
	return affected(q.exec(ctx, touchSession, q.d.time(at), id))
}

const deleteSession = `DELETE FROM sessions WHERE id = ?`

func (q *Queries) DeleteSession(ctx context.Context, id string) error {
	_, err := q.exec(ctx, deleteSession, id)
	return err
}

const deleteAccountSessions = `DELETE FROM sessions WHERE account_id = ?`

func (q *Queries) DeleteAccountSessions(ctx context.Context, accountID string) (int64, error) {
	return affected(q.exec(ctx, deleteAccountSessions, accountID))
}

const listAccountSessions = `SELECT ` + sessionColumns + ` FROM sessions
	WHERE account_id = ? AND expires_at > ?
	ORDER BY created_at DESC, id DESC`

func (q *Queries) ListAccountSessions(ctx context.Context, accountID string, now time.Time) ([]domain.Session, error) {
	rows, err := q.query(ctx, listAccountSessions, accountID, q.d.time(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const deleteExpiredSessions = `DELETE FROM sessions WHERE expires_at <= ?`

func (q *Queries) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return affected(q.exec(ctx, deleteExpiredSessions, q.d.time(now)))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.Session, error) {
	var (
		s                         domain.Session
		created, lastUsed, expiry dbTime
	)
	err := row.Scan(
		&s.ID, &s.AccountID, &s.AccessTokenHash, &s.RefreshTokenHash,
		&s.Device.DeviceName, &s.Device.IPAddress, &s.Device.UserAgent,
		&created, &lastUsed, &expiry,
	)
	if err != nil {
		return domain.Session{}, err
	}
	s.CreatedAt = created.Time
	s.LastUsedAt = lastUsed.Time
	s.ExpiresAt = expiry.Time
	return s, nil
}

/* consumed one-time codes */

const deleteExpiredCode = `DELETE FROM consumed_codes WHERE account_id = ? AND code_hash = ? AND expires_at <= ?`

const insertConsumedCode = `INSERT INTO consumed_codes (account_id, code_hash, expires_at) VALUES (?, ?, ?)`

func (q *Queries) InsertConsumedCode(ctx context.Context, accountID, codeHash string, expiresAt, now time.Time) error {
	// A stale row for the same code would otherwise block the insert until
	// housekeeping runs.
	if _, err := q.exec(ctx, deleteExpiredCode, accountID, codeHash, q.d.time(now)); err != nil {
		return err
	}
	_, err := q.exec(ctx, insertConsumedCode, accountID, codeHash, q.d.time(expiresAt))
	return err
}

const deleteExpiredCodes = `DELETE FROM consumed_codes WHERE expires_at <= ?`

func (q *Queries) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	return affected(q.exec(ctx, deleteExpiredCodes, q.d.time(now)))
}

func affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
