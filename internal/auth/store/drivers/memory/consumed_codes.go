package memory

import (
	"context"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/store"
)

type codesRepo struct{ repo }

func (r *codesRepo) ConsumeCode(ctx context.Context, accountID, codeHash string, expiresAt time.Time) error {
	data, unlock := r.lock()
	defer unlock()

	key := codeKey{accountID: accountID, codeHash: codeHash}
	if exp, ok := data.codes[key]; ok && r.st.Now().Before(exp) {
		return store.ErrAlreadyExists
	}
	data.codes[key] = expiresAt
	return nil
}

func (r *codesRepo) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	data, unlock := r.lock()
	defer unlock()

	var n int64
	for key, exp := range data.codes {
		if !now.Before(exp) {
			delete(data.codes, key)
			n++
		}
	}
	return n, nil
}
