package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheResource isolates cache state for one test by dedicating a logical
// database index to it. The index is flushed before first use so the test
// starts clean, and flushed again on cleanup so nothing leaks forward.
type CacheResource struct {
	*Resource

	client *redis.Client
	dbnum  int
}

// NewCache connects a client to the given logical database index and flushes
// it. Cleanup flushes the index again and closes the client.
func NewCache(ctx context.Context, id string, opts *redis.Options, dbnum int, logger *zap.Logger) (*CacheResource, error) {
	base, err := New(id, KindCache, logger)
	if err != nil {
		return nil, err
	}

	scoped := *opts
	scoped.DB = dbnum
	client := redis.NewClient(&scoped)

	if err := client.FlushDB(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("flush cache db %d: %w", dbnum, err)
	}

	c := &CacheResource{Resource: base, client: client, dbnum: dbnum}
	base.AddCleanup(func(ctx context.Context) error {
		flushErr := client.FlushDB(ctx).Err()
		closeErr := client.Close()
		if flushErr != nil {
			return fmt.Errorf("flush cache db %d on cleanup: %w", dbnum, flushErr)
		}
		return closeErr
	})
	base.SetProbe(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return c, nil
}

// DB returns the logical database index this resource owns.
func (c *CacheResource) DB() int { return c.dbnum }

// Set stores a key with the given TTL in the isolated database.
func (c *CacheResource) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	c.Touch()
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a key from the isolated database. A missing key is reported
// as redis.Nil, matching the client library's convention.
func (c *CacheResource) Get(ctx context.Context, key string) (string, error) {
	if err := c.checkActive(); err != nil {
		return "", err
	}
	c.Touch()
	return c.client.Get(ctx, key).Result()
}

// Exists reports whether the key is present in the isolated database.
func (c *CacheResource) Exists(ctx context.Context, key string) (bool, error) {
	if err := c.checkActive(); err != nil {
		return false, err
	}
	c.Touch()
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}
