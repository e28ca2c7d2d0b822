package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/tavern/internal/auth/store"
)

// newTestCodes returns a store backed by miniredis.
func newTestCodes(t *testing.T) (*ConsumedCodes, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)

	client, err := Connect(context.Background(), mini.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewConsumedCodes(client, ""), mini
}

func TestConsumeCodeOnce(t *testing.T) {
	codes, mini := newTestCodes(t)
	ctx := context.Background()
	exp := time.Now().Add(90 * time.Second)

	require.NoError(t, codes.ConsumeCode(ctx, "acct-1", "h1", exp))
	require.ErrorIs(t, codes.ConsumeCode(ctx, "acct-1", "h1", exp), store.ErrAlreadyExists)

	t.Run("other accounts and codes are independent", func(t *testing.T) {
		require.NoError(t, codes.ConsumeCode(ctx, "acct-2", "h1", exp))
		require.NoError(t, codes.ConsumeCode(ctx, "acct-1", "h2", exp))
	})

	t.Run("key carries a ttl", func(t *testing.T) {
		require.True(t, mini.Exists(DefaultKeyPrefix+"acct-1:h1"))
		ttl := mini.TTL(DefaultKeyPrefix + "acct-1:h1")
		require.Greater(t, ttl, time.Duration(0))
		require.LessOrEqual(t, ttl, 90*time.Second)
	})

	t.Run("entry is usable again after expiry", func(t *testing.T) {
		mini.FastForward(2 * time.Minute)
		require.NoError(t, codes.ConsumeCode(ctx, "acct-1", "h1", time.Now().Add(time.Minute)))
	})
}

func TestConsumeCodeAlreadyExpired(t *testing.T) {
	codes, mini := newTestCodes(t)

	require.NoError(t, codes.ConsumeCode(context.Background(), "acct-1", "h1", time.Now().Add(-time.Second)))
	require.False(t, mini.Exists(DefaultKeyPrefix+"acct-1:h1"))
}

func TestConsumeCodeConnectionError(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	codes := NewConsumedCodes(client, "test:")
	err := codes.ConsumeCode(context.Background(), "acct-1", "h1", time.Now().Add(time.Minute))
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrAlreadyExists)
}

func TestConnectFailsFast(t *testing.T) {
	_, err := Connect(context.Background(), "127.0.0.1:1")
	require.Error(t, err)
}
