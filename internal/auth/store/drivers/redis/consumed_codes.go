// Package redis keeps consumed one-time codes in redis so every instance
// behind a load balancer sees the same replay window. Entries expire on
// their own through key TTLs.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/tavern/internal/auth/store"
)

const DefaultKeyPrefix = "tavern:auth:consumed:"

// ConsumedCodes implements store.ConsumedCodes with SET NX.
type ConsumedCodes struct {
	client goredis.UniversalClient
	prefix string

	// Now converts absolute expiries into TTLs. Defaults to time.Now.
	Now func() time.Time
}

var _ store.ConsumedCodes = (*ConsumedCodes)(nil)

// NewConsumedCodes wraps client. An empty prefix uses DefaultKeyPrefix.
func NewConsumedCodes(client goredis.UniversalClient, prefix string) *ConsumedCodes {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ConsumedCodes{client: client, prefix: prefix, Now: time.Now}
}

// Connect opens a client for addr and checks it answers PING.
func Connect(ctx context.Context, addr string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

func (c *ConsumedCodes) key(accountID, codeHash string) string {
	return c.prefix + accountID + ":" + codeHash
}

func (c *ConsumedCodes) ConsumeCode(ctx context.Context, accountID, codeHash string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.Now())
	if ttl <= 0 {
		// Already outside any window that could accept it again.
		return nil
	}

	ok, err := c.client.SetNX(ctx, c.key(accountID, codeHash), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: consume code: %w", err)
	}
	if !ok {
		return store.ErrAlreadyExists
	}
	return nil
}

// DeleteExpiredCodes is a no-op; redis evicts expired keys itself.
func (c *ConsumedCodes) DeleteExpiredCodes(context.Context, time.Time) (int64, error) {
	return 0, nil
}
