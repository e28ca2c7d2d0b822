package memory

import (
	"context"
	"strings"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
)

type accountsRepo struct{ repo }

func (r *accountsRepo) CreateAccount(ctx context.Context, a domain.Account) error {
	data, unlock := r.lock()
	defer unlock()

	a.Email = strings.ToLower(a.Email)
	if _, ok := data.accounts[a.ID]; ok {
		return store.ErrAlreadyExists
	}
	for _, existing := range data.accounts {
		if existing.Deleted() {
			continue
		}
		if existing.Username == a.Username || existing.Email == a.Email {
			return store.ErrAlreadyExists
		}
	}
	data.accounts[a.ID] = a
	return nil
}

func (r *accountsRepo) GetAccountByID(ctx context.Context, id string) (domain.Account, error) {
	return r.find(func(a domain.Account) bool { return a.ID == id })
}

func (r *accountsRepo) GetAccountByEmail(ctx context.Context, email string) (domain.Account, error) {
	email = strings.ToLower(email)
	return r.find(func(a domain.Account) bool { return a.Email == email })
}

func (r *accountsRepo) GetAccountByUsername(ctx context.Context, username string) (domain.Account, error) {
	return r.find(func(a domain.Account) bool { return a.Username == username })
}

func (r *accountsRepo) find(match func(domain.Account) bool) (domain.Account, error) {
	data, unlock := r.lock()
	defer unlock()

	for _, a := range data.accounts {
		if !a.Deleted() && match(a) {
			return a, nil
		}
	}
	return domain.Account{}, store.ErrNotFound
}

func (r *accountsRepo) UpdateDisplayName(ctx context.Context, accountID, displayName string) error {
	return r.update(accountID, func(a *domain.Account) bool {
		a.DisplayName = displayName
		return true
	})
}

func (r *accountsRepo) UpdatePasswordHash(ctx context.Context, accountID, digest string) error {
	return r.update(accountID, func(a *domain.Account) bool {
		a.PasswordHash = digest
		return true
	})
}

func (r *accountsRepo) MarkVerified(ctx context.Context, accountID string) error {
	return r.update(accountID, func(a *domain.Account) bool {
		a.Verified = true
		return true
	})
}

func (r *accountsRepo) UpdateMFASecret(ctx context.Context, accountID, secret string) error {
	return r.update(accountID, func(a *domain.Account) bool {
		a.MFASecret = secret
		return true
	})
}

func (r *accountsRepo) EnableMFA(ctx context.Context, accountID string) error {
	return r.update(accountID, func(a *domain.Account) bool {
		if a.MFASecret == "" {
			return false
		}
		a.MFAEnabled = true
		return true
	})
}

func (r *accountsRepo) DisableMFA(ctx context.Context, accountID string) error {
	return r.update(accountID, func(a *domain.Account) bool {
		a.MFAEnabled = false
		a.MFASecret = ""
		return true
	})
}

func (r *accountsRepo) SoftDeleteAccount(ctx context.Context, accountID string, at time.Time) error {
	return r.update(accountID, func(a *domain.Account) bool {
		deletedAt := at.UTC()
		a.DeletedAt = &deletedAt
		a.UpdatedAt = deletedAt
		return true
	})
}

// update applies fn to a live account. fn returning false leaves the row
// untouched and reports ErrNotFound, like a conditional UPDATE matching no rows.
func (r *accountsRepo) update(accountID string, fn func(a *domain.Account) bool) error {
	data, unlock := r.lock()
	defer unlock()

	a, ok := data.accounts[accountID]
	if !ok || a.Deleted() {
		return store.ErrNotFound
	}
	if !fn(&a) {
		return store.ErrNotFound
	}
	if a.DeletedAt == nil {
		a.UpdatedAt = r.st.Now().UTC()
	}
	data.accounts[accountID] = a
	return nil
}
