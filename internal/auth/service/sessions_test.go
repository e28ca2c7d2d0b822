package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/tavern/internal/auth/domain"
	"github.com/aussiebroadwan/tavern/internal/auth/store"
	"github.com/aussiebroadwan/tavern/internal/auth/store/drivers/memory"
	"github.com/aussiebroadwan/tavern/internal/auth/store/storetest"
)

func newTestRegistry(t *testing.T) (*SessionRegistry, *memory.Store, *fakeClock, domain.Account) {
	t.Helper()
	clock := newFakeClock()
	st := memory.New()
	a := storetest.NewAccount("reg")
	require.NoError(t, st.Accounts().CreateAccount(context.Background(), a))
	return NewSessionRegistry(st.Sessions(), clock.Now), st, clock, a
}

func pair(access, refresh string) domain.TokenPair {
	return domain.TokenPair{AccessToken: access, RefreshToken: refresh}
}

func TestSessionRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("stores fingerprints only", func(t *testing.T) {
		reg, st, clock, a := newTestRegistry(t)
		s, err := reg.Create(ctx, "s1", a.ID, pair("access-1", "refresh-1"), clock.Now().Add(time.Hour), domain.DeviceInfo{})
		require.NoError(t, err)

		stored, err := st.Sessions().GetSessionByID(ctx, s.ID)
		require.NoError(t, err)
		require.Equal(t, HashToken("access-1"), stored.AccessTokenHash)
		require.Equal(t, HashToken("refresh-1"), stored.RefreshTokenHash)
		require.NotContains(t, stored.AccessTokenHash, "access-1")
	})

	t.Run("lookups check expiry", func(t *testing.T) {
		reg, _, clock, a := newTestRegistry(t)
		_, err := reg.Create(ctx, "s1", a.ID, pair("access-1", "refresh-1"), clock.Now().Add(time.Hour), domain.DeviceInfo{})
		require.NoError(t, err)

		_, err = reg.FindByAccessTokenHash(ctx, HashToken("access-1"))
		require.NoError(t, err)
		_, err = reg.FindByRefreshTokenHash(ctx, a.ID, HashToken("refresh-1"))
		require.NoError(t, err)

		clock.Advance(time.Hour)
		_, err = reg.FindByAccessTokenHash(ctx, HashToken("access-1"))
		require.ErrorIs(t, err, ErrNoSession)
		_, err = reg.FindByRefreshTokenHash(ctx, a.ID, HashToken("refresh-1"))
		require.ErrorIs(t, err, ErrNoSession)

		// Get ignores expiry; it is only used to classify failures.
		_, err = reg.Get(ctx, "s1")
		require.NoError(t, err)
	})

	t.Run("refresh lookup is scoped to the account", func(t *testing.T) {
		reg, _, clock, a := newTestRegistry(t)
		_, err := reg.Create(ctx, "s1", a.ID, pair("access-1", "refresh-1"), clock.Now().Add(time.Hour), domain.DeviceInfo{})
		require.NoError(t, err)

		_, err = reg.FindByRefreshTokenHash(ctx, "someone-else", HashToken("refresh-1"))
		require.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("rotate is single shot", func(t *testing.T) {
		reg, _, clock, a := newTestRegistry(t)
		s, err := reg.Create(ctx, "s1", a.ID, pair("access-1", "refresh-1"), clock.Now().Add(time.Hour), domain.DeviceInfo{})
		require.NoError(t, err)

		clock.Advance(time.Minute)
		next, err := reg.Rotate(ctx, s, HashToken("refresh-1"), pair("access-2", "refresh-2"), clock.Now().Add(2*time.Hour))
		require.NoError(t, err)
		require.Equal(t, clock.Now(), next.LastUsedAt)

		_, err = reg.Rotate(ctx, s, HashToken("refresh-1"), pair("access-3", "refresh-3"), clock.Now().Add(2*time.Hour))
		require.ErrorIs(t, err, ErrReuseDetected)

		_, err = reg.FindByAccessTokenHash(ctx, HashToken("access-1"))
		require.ErrorIs(t, err, ErrNoSession)
		got, err := reg.FindByAccessTokenHash(ctx, HashToken("access-2"))
		require.NoError(t, err)
		require.Equal(t, "s1", got.ID)
	})

	t.Run("rotation stops at the absolute deadline", func(t *testing.T) {
		reg, _, clock, a := newTestRegistry(t)
		reg.WithMaxAge(3 * time.Hour)
		created := clock.Now()

		s, err := reg.Create(ctx, "s1", a.ID, pair("access-1", "refresh-1"), created.Add(2*time.Hour), domain.DeviceInfo{})
		require.NoError(t, err)
		require.Equal(t, created.Add(2*time.Hour), s.ExpiresAt)

		clock.Advance(90 * time.Minute)
		s, err = reg.Rotate(ctx, s, HashToken("refresh-1"), pair("access-2", "refresh-2"), clock.Now().Add(2*time.Hour))
		require.NoError(t, err)
		require.Equal(t, created.Add(3*time.Hour), s.ExpiresAt)

		clock.Advance(90 * time.Minute)
		_, err = reg.FindByRefreshTokenHash(ctx, a.ID, HashToken("refresh-2"))
		require.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("revoke", func(t *testing.T) {
		reg, _, clock, a := newTestRegistry(t)
		for i, id := range []string{"s1", "s2", "s3"} {
			_, err := reg.Create(ctx, id, a.ID, pair("a"+id, "r"+id), clock.Now().Add(time.Duration(i+1)*time.Hour), domain.DeviceInfo{})
			require.NoError(t, err)
		}

		require.NoError(t, reg.Revoke(ctx, "s1"))
		require.NoError(t, reg.Revoke(ctx, "s1"))

		list, err := reg.List(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)

		n, err := reg.RevokeAll(ctx, a.ID)
		require.NoError(t, err)
		require.EqualValues(t, 2, n)
	})

	t.Run("bound to a transaction", func(t *testing.T) {
		reg, st, clock, a := newTestRegistry(t)
		err := st.WithTx(ctx, func(tx store.Tx) error {
			_, err := reg.In(tx).Create(ctx, "s1", a.ID, pair("a", "r"), clock.Now().Add(time.Hour), domain.DeviceInfo{})
			require.NoError(t, err)
			return store.ErrStale
		})
		require.ErrorIs(t, err, store.ErrStale)

		_, err = reg.Get(ctx, "s1")
		require.ErrorIs(t, err, ErrNoSession)
	})
}
