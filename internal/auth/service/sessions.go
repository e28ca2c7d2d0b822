package service

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
	"github.com/aussiebroadwan/tavern/pkg/cryptox"
)

// touchInterval limits last-used writes from the verify path.
const touchInterval = time.Minute

// DefaultSessionMaxAge bounds how long refreshing can keep a session alive.
const DefaultSessionMaxAge = 30 * 24 * time.Hour

// ErrNoSession is returned by registry lookups that find nothing live.
var ErrNoSession = errors.New("session: not found or expired")

// SessionRegistry owns session records. Tokens go in, only their SHA-256
// fingerprints are stored, and every lookup re-checks expiry.
type SessionRegistry struct {
	repo   store.Sessions
	now    func() time.Time
	maxAge time.Duration
}

// NewSessionRegistry binds a registry to repo. A nil now uses time.Now.
func NewSessionRegistry(repo store.Sessions, now func() time.Time) *SessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{repo: repo, now: now, maxAge: DefaultSessionMaxAge}
}

// WithMaxAge sets the absolute lifetime of a session, counted from its
// creation. Rotation extends a session up to this age and no further.
func (r *SessionRegistry) WithMaxAge(d time.Duration) *SessionRegistry {
	if d > 0 {
		r.maxAge = d
	}
	return r
}

// In returns a registry whose writes join tx.
func (r *SessionRegistry) In(tx store.Tx) *SessionRegistry {
	return &SessionRegistry{repo: tx.Sessions(), now: r.now, maxAge: r.maxAge}
}

// capExpiry clamps expiresAt to the session's absolute deadline.
func (r *SessionRegistry) capExpiry(createdAt, expiresAt time.Time) time.Time {
	if createdAt.IsZero() {
		return expiresAt.UTC()
	}
	if deadline := createdAt.Add(r.maxAge); expiresAt.After(deadline) {
		return deadline.UTC()
	}
	return expiresAt.UTC()
}

// HashToken is the fingerprint stored for a bearer token.
func HashToken(token string) string {
	return cryptox.FingerprintToken(token)
}

// Create records a new session for the pair. The session id is chosen by
// the caller because it is embedded in the tokens.
func (r *SessionRegistry) Create(
	ctx context.Context,
	sessionID, accountID string,
	pair domain.TokenPair,
	expiresAt time.Time,
	device domain.DeviceInfo,
) (domain.Session, error) {
	now := r.now().UTC()
	s := domain.Session{
		ID:               sessionID,
		AccountID:        accountID,
		AccessTokenHash:  HashToken(pair.AccessToken),
		RefreshTokenHash: HashToken(pair.RefreshToken),
		Device:           device,
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	s.ExpiresAt = r.capExpiry(now, expiresAt)
	if err := r.repo.CreateSession(ctx, s); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func (r *SessionRegistry) live(s domain.Session, err error) (domain.Session, error) {
	if errors.Is(err, store.ErrNotFound) {
		return domain.Session{}, ErrNoSession
	}
	if err != nil {
		return domain.Session{}, err
	}
	if s.Expired(r.now()) {
		return domain.Session{}, ErrNoSession
	}
	return s, nil
}

func (r *SessionRegistry) FindByAccessTokenHash(ctx context.Context, hash string) (domain.Session, error) {
	return r.live(r.repo.GetSessionByAccessHash(ctx, hash))
}

func (r *SessionRegistry) FindByRefreshTokenHash(ctx context.Context, accountID, hash string) (domain.Session, error) {
	return r.live(r.repo.GetSessionByRefreshHash(ctx, accountID, hash))
}

// Get returns a session by id whether or not it is still live.
func (r *SessionRegistry) Get(ctx context.Context, id string) (domain.Session, error) {
	s, err := r.repo.GetSessionByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Session{}, ErrNoSession
	}
	return s, err
}

// Rotate replaces s's fingerprints with those of pair in one conditional
// write. The new expiry never passes the session's absolute deadline. If the stored refresh fingerprint is no longer presentedHash the
// token was already used, and ErrReuseDetected is returned without writing.
func (r *SessionRegistry) Rotate(
	ctx context.Context,
	s domain.Session,
	presentedHash string,
	pair domain.TokenPair,
	expiresAt time.Time,
) (domain.Session, error) {
	now := r.now().UTC()
	next := s
	next.AccessTokenHash = HashToken(pair.AccessToken)
	next.RefreshTokenHash = HashToken(pair.RefreshToken)
	next.LastUsedAt = now
	next.ExpiresAt = r.capExpiry(s.CreatedAt, expiresAt)

	err := r.repo.RotateSession(ctx, next, presentedHash, now)
	if errors.Is(err, store.ErrStale) {
		return domain.Session{}, ErrReuseDetected
	}
	if err != nil {
		return domain.Session{}, err
	}
	return next, nil
}

// Touch bumps last-used when it is older than touchInterval.
func (r *SessionRegistry) Touch(ctx context.Context, s domain.Session) error {
	now := r.now().UTC()
	if now.Sub(s.LastUsedAt) < touchInterval {
		return nil
	}
	err := r.repo.TouchSession(ctx, s.ID, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Revoke deletes the session. Revoking twice is not an error.
func (r *SessionRegistry) Revoke(ctx context.Context, sessionID string) error {
	return r.repo.DeleteSession(ctx, sessionID)
}

// RevokeAll deletes every session of the account.
func (r *SessionRegistry) RevokeAll(ctx context.Context, accountID string) (int64, error) {
	return r.repo.DeleteAccountSessions(ctx, accountID)
}

// List returns the account's live sessions, newest first.
func (r *SessionRegistry) List(ctx context.Context, accountID string) ([]domain.Session, error) {
	return r.repo.ListAccountSessions(ctx, accountID, r.now().UTC())
}
