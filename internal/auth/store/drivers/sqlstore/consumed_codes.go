package sqlstore

import (
	"context"
	"time"
)

type consumedCodesRepo struct {
	q   *Queries
	d   Dialect
	now func() time.Time
}

func (r *consumedCodesRepo) ConsumeCode(ctx context.Context, accountID, codeHash string, expiresAt time.Time) error {
	return mapConflict(r.d, r.q.InsertConsumedCode(ctx, accountID, codeHash, expiresAt, r.now()))
}

func (r *consumedCodesRepo) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	return r.q.DeleteExpiredCodes(ctx, now)
}
