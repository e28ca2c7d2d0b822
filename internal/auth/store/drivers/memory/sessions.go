package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
)

type sessionsRepo struct{ repo }

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.Session) error {
	data, unlock := r.lock()
	defer unlock()

	if _, ok := data.accounts[s.AccountID]; !ok {
		return errUnknownAccount
	}
	if _, ok := data.sessions[s.ID]; ok {
		return store.ErrAlreadyExists
	}
	if fingerprintTaken(data, "", s.AccessTokenHash, s.RefreshTokenHash) {
		return store.ErrAlreadyExists
	}
	data.sessions[s.ID] = s
	return nil
}

func (r *sessionsRepo) GetSessionByID(ctx context.Context, id string) (domain.Session, error) {
	data, unlock := r.lock()
	defer unlock()

	s, ok := data.sessions[id]
	if !ok {
		return domain.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (r *sessionsRepo) GetSessionByAccessHash(ctx context.Context, accessHash string) (domain.Session, error) {
	return r.find(func(s domain.Session) bool { return s.AccessTokenHash == accessHash })
}

func (r *sessionsRepo) GetSessionByRefreshHash(ctx context.Context, accountID, refreshHash string) (domain.Session, error) {
	return r.find(func(s domain.Session) bool {
		return s.AccountID == accountID && s.RefreshTokenHash == refreshHash
	})
}

func (r *sessionsRepo) find(match func(domain.Session) bool) (domain.Session, error) {
	data, unlock := r.lock()
	defer unlock()

	for _, s := range data.sessions {
		if match(s) {
			return s, nil
		}
	}
	return domain.Session{}, store.ErrNotFound
}

func (r *sessionsRepo) RotateSession(
	ctx context.Context,
	next domain.Session,
	presentedRefreshHash string,
	now time.Time,
) error {
	data, unlock := r.lock()
	defer unlock()

	cur, ok := data.sessions[next.ID]
	if !ok || cur.RefreshTokenHash != presentedRefreshHash || !now.Before(cur.ExpiresAt) {
		return store.ErrStale
	}
	if fingerprintTaken(data, cur.ID, next.AccessTokenHash, next.RefreshTokenHash) {
		return store.ErrAlreadyExists
	}

	cur.AccessTokenHash = next.AccessTokenHash
	cur.RefreshTokenHash = next.RefreshTokenHash
	cur.LastUsedAt = next.LastUsedAt
	cur.ExpiresAt = next.ExpiresAt
	data.sessions[cur.ID] = cur
	return nil
}

func (r *sessionsRepo) TouchSession(ctx context.Context, id string, at time.Time) error {
	data, unlock := r.lock()
	defer unlock()

	s, ok := data.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.LastUsedAt = at
	data.sessions[id] = s
	return nil
}

func (r *sessionsRepo) DeleteSession(ctx context.Context, id string) error {
	data, unlock := r.lock()
	defer unlock()

	delete(data.sessions, id)
	return nil
}

func (r *sessionsRepo) DeleteAccountSessions(ctx context.Context, accountID string) (int64, error) {
	return r.deleteWhere(func(s domain.Session) bool { return s.AccountID == accountID })
}

func (r *sessionsRepo) ListAccountSessions(ctx context.Context, accountID string, now time.Time) ([]domain.Session, error) {
	data, unlock := r.lock()
	defer unlock()

	var out []domain.Session
	for _, s := range data.sessions {
		if s.AccountID == accountID && !s.Expired(now) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b domain.Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return r.deleteWhere(func(s domain.Session) bool { return s.Expired(now) })
}

func (r *sessionsRepo) deleteWhere(match func(domain.Session) bool) (int64, error) {
	data, unlock := r.lock()
	defer unlock()

	var n int64
	for id, s := range data.sessions {
		if match(s) {
			delete(data.sessions, id)
			n++
		}
	}
	return n, nil
}

// fingerprintTaken reports whether another session already uses either hash.
func fingerprintTaken(data *state, selfID, accessHash, refreshHash string) bool {
	for id, s := range data.sessions {
		if id == selfID {
			continue
		}
		if s.AccessTokenHash == accessHash || s.RefreshTokenHash == refreshHash {
			return true
		}
	}
	return false
}
