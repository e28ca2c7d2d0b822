package sqlstore

import (
	"context"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
)

type sessionsRepo struct {
	q *Queries
	d Dialect
}

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.Session) error {
	return mapConflict(r.d, r.q.InsertSession(ctx, s))
}

func (r *sessionsRepo) GetSessionByID(ctx context.Context, id string) (domain.Session, error) {
	s, err := r.q.GetSessionByID(ctx, id)
	if err != nil {
		return domain.Session{}, mapNotFound(err)
	}
	return s, nil
}

func (r *sessionsRepo) GetSessionByAccessHash(ctx context.Context, accessHash string) (domain.Session, error) {
	s, err := r.q.GetSessionByAccessHash(ctx, accessHash)
	if err != nil {
		return domain.Session{}, mapNotFound(err)
	}
	return s, nil
}

func (r *sessionsRepo) GetSessionByRefreshHash(
	ctx context.Context,
	accountID, refreshHash string,
) (domain.Session, error) {
	s, err := r.q.GetSessionByRefreshHash(ctx, accountID, refreshHash)
	if err != nil {
		return domain.Session{}, mapNotFound(err)
	}
	return s, nil
}

func (r *sessionsRepo) RotateSession(
	ctx context.Context,
	next domain.Session,
	presentedRefreshHash string,
	now time.Time,
) error {
	n, err := r.q.RotateSession(ctx, next, presentedRefreshHash, now)
	if err != nil {
		return mapConflict(r.d, err)
	}
	if n == 0 {
		return store.ErrStale
	}
	return nil
}

func (r *sessionsRepo) TouchSession(ctx context.Context, id string, at time.Time) error {
	return requireRow(r.q.TouchSession(ctx, id, at))
}

func (r *sessionsRepo) DeleteSession(ctx context.Context, id string) error {
	return r.q.DeleteSession(ctx, id)
}

func (r *sessionsRepo) DeleteAccountSessions(ctx context.Context, accountID string) (int64, error) {
	return r.q.DeleteAccountSessions(ctx, accountID)
}

func (r *sessionsRepo) ListAccountSessions(
	ctx context.Context,
	accountID string,
	now time.Time,
) ([]domain.Session, error) {
	return r.q.ListAccountSessions(ctx, accountID, now)
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return r.q.DeleteExpiredSessions(ctx, now)
}
