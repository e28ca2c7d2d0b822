// Package storetest is a behavioural suite every store driver runs against
// itself, so sqlite, postgres and the in-memory fake agree on semantics.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
	"github.com/aussiebroadwan/tavern/pkg/cryptox"
	"github.com/aussiebroadwan/tavern/pkg/idx"
	"github.com/stretchr/testify/require"
)

// Opener returns a migrated, empty store. The suite closes it.
type Opener func(t *testing.T) store.Store

// Run executes the full suite.
func Run(t *testing.T, open Opener) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, open) })
	t.Run("sessions", func(t *testing.T) { testSessions(t, open) })
	t.Run("consumed codes", func(t *testing.T) { testConsumedCodes(t, open) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, open) })
}

func openStore(t *testing.T, open Opener) store.Store {
	t.Helper()
	s := open(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Now is truncated to milliseconds so every backend round-trips it exactly.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewAccount builds a live account with unique identifiers derived from name.
func NewAccount(name string) domain.Account {
	at := now()
	return domain.Account{
		ID:           idx.MustNew().String(),
		Username:     name,
		Email:        name + "@example.com",
		DisplayName:  name,
		PasswordHash: "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$a2V5a2V5a2V5a2V5a2V5aw",
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

// NewSession builds a session for accountID expiring after ttl.
func NewSession(accountID string, ttl time.Duration) domain.Session {
	at := now()
	return domain.Session{
		ID:               idx.MustNew().String(),
		AccountID:        accountID,
		AccessTokenHash:  cryptox.FingerprintToken(idx.MustNew().String()),
		RefreshTokenHash: cryptox.FingerprintToken(idx.MustNew().String()),
		Device:           domain.DeviceInfo{DeviceName: "laptop", IPAddress: "10.0.0.1", UserAgent: "test"},
		CreatedAt:        at,
		LastUsedAt:       at,
		ExpiresAt:        at.Add(ttl),
	}
}

func requireSameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	require.WithinDuration(t, want, got, time.Millisecond)
}

func testAccounts(t *testing.T, open Opener) {
	ctx := context.Background()

	t.Run("create and look up", func(t *testing.T) {
		s := openStore(t, open)
		a := NewAccount("alice")
		a.Email = "Alice@Example.com"
		require.NoError(t, s.Accounts().CreateAccount(ctx, a))

		byID, err := s.Accounts().GetAccountByID(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, "alice", byID.Username)
		require.Equal(t, "alice@example.com", byID.Email)
		require.Equal(t, a.PasswordHash, byID.PasswordHash)
		require.False(t, byID.MFAEnabled)
		require.Empty(t, byID.MFASecret)
		require.Nil(t, byID.DeletedAt)
		requireSameTime(t, a.CreatedAt, byID.CreatedAt)

		byEmail, err := s.Accounts().GetAccountByEmail(ctx, "ALICE@example.COM")
		require.NoError(t, err)
		require.Equal(t, a.ID, byEmail.ID)

		byName, err := s.Accounts().GetAccountByUsername(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, a.ID, byName.ID)

		_, err = s.Accounts().GetAccountByID(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("username and email are unique", func(t *testing.T) {
		s := openStore(t, open)
		a := NewAccount("bob")
		require.NoError(t, s.Accounts().CreateAccount(ctx, a))

		sameName := NewAccount("bob")
		sameName.Email = "other@example.com"
		require.ErrorIs(t, s.Accounts().CreateAccount(ctx, sameName), store.ErrAlreadyExists)

		sameEmail := NewAccount("robert")
		sameEmail.Email = "BOB@example.com"
		require.ErrorIs(t, s.Accounts().CreateAccount(ctx, sameEmail), store.ErrAlreadyExists)

		_, err := s.Accounts().GetAccountByUsername(ctx, "robert")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("soft delete hides the account and frees its names", func(t *testing.T) {
		s := openStore(t, open)
		a := NewAccount("carol")
		require.NoError(t, s.Accounts().CreateAccount(ctx, a))
		require.NoError(t, s.Accounts().SoftDeleteAccount(ctx, a.ID, now()))

		_, err := s.Accounts().GetAccountByID(ctx, a.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Accounts().GetAccountByEmail(ctx, a.Email)
		require.ErrorIs(t, err, store.ErrNotFound)

		require.ErrorIs(t, s.Accounts().SoftDeleteAccount(ctx, a.ID, now()), store.ErrNotFound)
		require.ErrorIs(t, s.Accounts().UpdatePasswordHash(ctx, a.ID, "x"), store.ErrNotFound)

		again := NewAccount("carol")
		require.NoError(t, s.Accounts().CreateAccount(ctx, again))
	})

	t.Run("updates", func(t *testing.T) {
		s := openStore(t, open)
		a := NewAccount("dave")
		require.NoError(t, s.Accounts().CreateAccount(ctx, a))

		require.NoError(t, s.Accounts().UpdateDisplayName(ctx, a.ID, "Dave"))
		require.NoError(t, s.Accounts().UpdatePasswordHash(ctx, a.ID, "$2a$10$new"))
		require.NoError(t, s.Accounts().MarkVerified(ctx, a.ID))

		got, err := s.Accounts().GetAccountByID(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, "Dave", got.DisplayName)
		require.Equal(t, "$2a$10$new", got.PasswordHash)
		require.True(t, got.Verified)

		require.ErrorIs(t, s.Accounts().UpdateDisplayName(ctx, "missing", "x"), store.ErrNotFound)
	})

	t.Run("mfa lifecycle", func(t *testing.T) {
		s := openStore(t, open)
		a := NewAccount("erin")
		require.NoError(t, s.Accounts().CreateAccount(ctx, a))

		// Enabling needs a stored secret.
		require.ErrorIs(t, s.Accounts().EnableMFA(ctx, a.ID), store.ErrNotFound)

		require.NoError(t, s.Accounts().UpdateMFASecret(ctx, a.ID, "JBSWY3DPEHPK3PXP"))
		got, err := s.Accounts().GetAccountByID(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, "JBSWY3DPEHPK3PXP", got.MFASecret)
		require.False(t, got.MFAEnabled)

		require.NoError(t, s.Accounts().EnableMFA(ctx, a.ID))
		got, err = s.Accounts().GetAccountByID(ctx, a.ID)
		require.NoError(t, err)
		require.True(t, got.MFAEnabled)

		require.NoError(t, s.Accounts().DisableMFA(ctx, a.ID))
		got, err = s.Accounts().GetAccountByID(ctx, a.ID)
		require.NoError(t, err)
		require.False(t, got.MFAEnabled)
		require.Empty(t, got.MFASecret)
	})
}

func testSessions(t *testing.T, open Opener) {
	ctx := context.Background()

	setup := func(t *testing.T) (store.Store, domain.Account) {
		s := openStore(t, open)
		a := NewAccount("frank")
		require.NoError(t, s.Accounts().CreateAccount(ctx, a))
		return s, a
	}

	t.Run("create and look up", func(t *testing.T) {
		s, a := setup(t)
		sess := NewSession(a.ID, time.Hour)
		require.NoError(t, s.Sessions().CreateSession(ctx, sess))

		byID, err := s.Sessions().GetSessionByID(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, sess.AccessTokenHash, byID.AccessTokenHash)
		require.Equal(t, sess.Device, byID.Device)
		requireSameTime(t, sess.ExpiresAt, byID.ExpiresAt)

		byAccess, err := s.Sessions().GetSessionByAccessHash(ctx, sess.AccessTokenHash)
		require.NoError(t, err)
		require.Equal(t, sess.ID, byAccess.ID)

		byRefresh, err := s.Sessions().GetSessionByRefreshHash(ctx, a.ID, sess.RefreshTokenHash)
		require.NoError(t, err)
		require.Equal(t, sess.ID, byRefresh.ID)

		_, err = s.Sessions().GetSessionByRefreshHash(ctx, "someone-else", sess.RefreshTokenHash)
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Sessions().GetSessionByAccessHash(ctx, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("access fingerprints are unique", func(t *testing.T) {
		s, a := setup(t)
		first := NewSession(a.ID, time.Hour)
		require.NoError(t, s.Sessions().CreateSession(ctx, first))

		dup := NewSession(a.ID, time.Hour)
		dup.AccessTokenHash = first.AccessTokenHash
		require.ErrorIs(t, s.Sessions().CreateSession(ctx, dup), store.ErrAlreadyExists)
	})

	t.Run("rotate swaps fingerprints once", func(t *testing.T) {
		s, a := setup(t)
		sess := NewSession(a.ID, time.Hour)
		require.NoError(t, s.Sessions().CreateSession(ctx, sess))

		next := sess
		next.AccessTokenHash = cryptox.FingerprintToken("access-2")
		next.RefreshTokenHash = cryptox.FingerprintToken("refresh-2")
		next.LastUsedAt = now()
		next.ExpiresAt = now().Add(2 * time.Hour)
		require.NoError(t, s.Sessions().RotateSession(ctx, next, sess.RefreshTokenHash, now()))

		got, err := s.Sessions().GetSessionByID(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, next.AccessTokenHash, got.AccessTokenHash)
		require.Equal(t, next.RefreshTokenHash, got.RefreshTokenHash)
		requireSameTime(t, next.ExpiresAt, got.ExpiresAt)

		_, err = s.Sessions().GetSessionByAccessHash(ctx, sess.AccessTokenHash)
		require.ErrorIs(t, err, store.ErrNotFound)

		// Replaying the old refresh fingerprint loses.
		replay := next
		replay.AccessTokenHash = cryptox.FingerprintToken("access-3")
		replay.RefreshTokenHash = cryptox.FingerprintToken("refresh-3")
		require.ErrorIs(t, s.Sessions().RotateSession(ctx, replay, sess.RefreshTokenHash, now()), store.ErrStale)
	})

	t.Run("rotate refuses expired sessions", func(t *testing.T) {
		s, a := setup(t)
		sess := NewSession(a.ID, time.Minute)
		require.NoError(t, s.Sessions().CreateSession(ctx, sess))

		next := sess
		next.RefreshTokenHash = cryptox.FingerprintToken("later")
		next.AccessTokenHash = cryptox.FingerprintToken("later-access")
		require.ErrorIs(t,
			s.Sessions().RotateSession(ctx, next, sess.RefreshTokenHash, sess.ExpiresAt.Add(time.Second)),
			store.ErrStale,
		)
	})

	t.Run("touch", func(t *testing.T) {
		s, a := setup(t)
		sess := NewSession(a.ID, time.Hour)
		require.NoError(t, s.Sessions().CreateSession(ctx, sess))

		later := sess.LastUsedAt.Add(5 * time.Minute)
		require.NoError(t, s.Sessions().TouchSession(ctx, sess.ID, later))
		got, err := s.Sessions().GetSessionByID(ctx, sess.ID)
		require.NoError(t, err)
		requireSameTime(t, later, got.LastUsedAt)

		require.ErrorIs(t, s.Sessions().TouchSession(ctx, "missing", later), store.ErrNotFound)
	})

	t.Run("list returns live sessions newest first", func(t *testing.T) {
		s, a := setup(t)
		older := NewSession(a.ID, time.Hour)
		older.CreatedAt = older.CreatedAt.Add(-time.Minute)
		newer := NewSession(a.ID, time.Hour)
		expired := NewSession(a.ID, -time.Second)
		for _, sess := range []domain.Session{older, newer, expired} {
			require.NoError(t, s.Sessions().CreateSession(ctx, sess))
		}

		list, err := s.Sessions().ListAccountSessions(ctx, a.ID, now())
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, newer.ID, list[0].ID)
		require.Equal(t, older.ID, list[1].ID)

		n, err := s.Sessions().DeleteExpiredSessions(ctx, now())
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	})

	t.Run("delete", func(t *testing.T) {
		s, a := setup(t)
		one := NewSession(a.ID, time.Hour)
		two := NewSession(a.ID, time.Hour)
		three := NewSession(a.ID, time.Hour)
		for _, sess := range []domain.Session{one, two, three} {
			require.NoError(t, s.Sessions().CreateSession(ctx, sess))
		}

		require.NoError(t, s.Sessions().DeleteSession(ctx, one.ID))
		require.NoError(t, s.Sessions().DeleteSession(ctx, one.ID))
		_, err := s.Sessions().GetSessionByID(ctx, one.ID)
		require.ErrorIs(t, err, store.ErrNotFound)

		n, err := s.Sessions().DeleteAccountSessions(ctx, a.ID)
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		list, err := s.Sessions().ListAccountSessions(ctx, a.ID, now())
		require.NoError(t, err)
		require.Empty(t, list)
	})
}

func testConsumedCodes(t *testing.T, open Opener) {
	ctx := context.Background()

	t.Run("codes are single use while live", func(t *testing.T) {
		s := openStore(t, open)
		exp := now().Add(time.Minute)

		require.NoError(t, s.ConsumedCodes().ConsumeCode(ctx, "acct-1", "h1", exp))
		require.ErrorIs(t, s.ConsumedCodes().ConsumeCode(ctx, "acct-1", "h1", exp), store.ErrAlreadyExists)
		require.NoError(t, s.ConsumedCodes().ConsumeCode(ctx, "acct-2", "h1", exp))
		require.NoError(t, s.ConsumedCodes().ConsumeCode(ctx, "acct-1", "h2", exp))
	})

	t.Run("expired entries do not block", func(t *testing.T) {
		s := openStore(t, open)

		require.NoError(t, s.ConsumedCodes().ConsumeCode(ctx, "acct-1", "h1", now().Add(-time.Second)))
		require.NoError(t, s.ConsumedCodes().ConsumeCode(ctx, "acct-1", "h1", now().Add(time.Minute)))
		require.NoError(t, s.ConsumedCodes().ConsumeCode(ctx, "acct-1", "h2", now().Add(-time.Second)))

		n, err := s.ConsumedCodes().DeleteExpiredCodes(ctx, now())
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	})
}

func testTransactions(t *testing.T, open Opener) {
	ctx := context.Background()
	errBoom := errors.New("boom")

	t.Run("commit persists", func(t *testing.T) {
		s := openStore(t, open)
		a := NewAccount("gina")
		err := s.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.Accounts().CreateAccount(ctx, a); err != nil {
				return err
			}
			return tx.Sessions().CreateSession(ctx, NewSession(a.ID, time.Hour))
		})
		require.NoError(t, err)

		_, err = s.Accounts().GetAccountByID(ctx, a.ID)
		require.NoError(t, err)
		list, err := s.Sessions().ListAccountSessions(ctx, a.ID, now())
		require.NoError(t, err)
		require.Len(t, list, 1)
	})

	t.Run("error rolls back", func(t *testing.T) {
		s := openStore(t, open)
		a := NewAccount("hank")
		err := s.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.Accounts().CreateAccount(ctx, a); err != nil {
				return err
			}
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)

		_, err = s.Accounts().GetAccountByID(ctx, a.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("explicit rollback", func(t *testing.T) {
		s := openStore(t, open)
		a := NewAccount("ivy")
		require.NoError(t, s.Accounts().CreateAccount(ctx, a))

		tx, err := s.Tx(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Accounts().SoftDeleteAccount(ctx, a.ID, now()))
		require.NoError(t, tx.Rollback())

		_, err = s.Accounts().GetAccountByID(ctx, a.ID)
		require.NoError(t, err)
	})
}
