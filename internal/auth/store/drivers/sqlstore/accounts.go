package sqlstore

import (
	"context"
	"strings"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
)

type accountsRepo struct {
	q   *Queries
	d   Dialect
	now func() time.Time
}

func (r *accountsRepo) CreateAccount(ctx context.Context, a domain.Account) error {
	a.Email = strings.ToLower(a.Email)
	return mapConflict(r.d, r.q.InsertAccount(ctx, a))
}

func (r *accountsRepo) GetAccountByID(ctx context.Context, id string) (domain.Account, error) {
	a, err := r.q.GetAccountByID(ctx, id)
	if err != nil {
		return domain.Account{}, mapNotFound(err)
	}
	return a, nil
}

func (r *accountsRepo) GetAccountByEmail(ctx context.Context, email string) (domain.Account, error) {
	a, err := r.q.GetAccountByEmail(ctx, strings.ToLower(email))
	if err != nil {
		return domain.Account{}, mapNotFound(err)
	}
	return a, nil
}

func (r *accountsRepo) GetAccountByUsername(ctx context.Context, username string) (domain.Account, error) {
	a, err := r.q.GetAccountByUsername(ctx, username)
	if err != nil {
		return domain.Account{}, mapNotFound(err)
	}
	return a, nil
}

func (r *accountsRepo) UpdateDisplayName(ctx context.Context, accountID, displayName string) error {
	return requireRow(r.q.UpdateDisplayName(ctx, accountID, displayName, r.now()))
}

func (r *accountsRepo) UpdatePasswordHash(ctx context.Context, accountID, digest string) error {
	return requireRow(r.q.UpdatePasswordHash(ctx, accountID, digest, r.now()))
}

func (r *accountsRepo) MarkVerified(ctx context.Context, accountID string) error {
	return requireRow(r.q.MarkVerified(ctx, accountID, r.now()))
}

func (r *accountsRepo) UpdateMFASecret(ctx context.Context, accountID, secret string) error {
	return requireRow(r.q.UpdateMFASecret(ctx, accountID, secret, r.now()))
}

func (r *accountsRepo) EnableMFA(ctx context.Context, accountID string) error {
	return requireRow(r.q.EnableMFA(ctx, accountID, r.now()))
}

func (r *accountsRepo) DisableMFA(ctx context.Context, accountID string) error {
	return requireRow(r.q.DisableMFA(ctx, accountID, r.now()))
}

func (r *accountsRepo) SoftDeleteAccount(ctx context.Context, accountID string, at time.Time) error {
	return requireRow(r.q.SoftDeleteAccount(ctx, accountID, at))
}
