package spendcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the fast, possibly-stale view of per-agent period spend. It is not
// authoritative: totals are recoverable by re-aggregating the ledger, and
// callers fall back to ledger sums when Redis is unavailable.
type Cache struct {
	rdb *redis.Client
	now func() time.Time // injectable clock for testing
}

// New creates a Cache on top of an existing Redis client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, now: time.Now}
}

func key(agentID string, period Period) string {
	return "spend:" + agentID + ":" + period.Key()
}

// IncrementAndGet atomically adds delta to the agent's running period total
// and returns the new total, refreshing the key's expiry to the period TTL.
func (c *Cache) IncrementAndGet(ctx context.Context, agentID string, period Period, delta float64) (float64, error) {
	k := key(agentID, period)

	pipe := c.rdb.TxPipeline()
	incr := pipe.IncrByFloat(ctx, k, delta)
	pipe.Expire(ctx, k, period.TTL(c.now()))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing spend for %s: %w", k, err)
	}

	return incr.Val(), nil
}

// Get returns the cached period total and whether an entry exists,
// distinguishing a missing key from a legitimate zero total.
func (c *Cache) Get(ctx context.Context, agentID string, period Period) (float64, bool, error) {
	v, err := c.rdb.Get(ctx, key(agentID, period)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading spend for %s: %w", key(agentID, period), err)
	}
	return v, true, nil
}

// Backfill seeds the period total from a ledger aggregation and returns the
// value now in the cache. SetNX never clobbers an increment that landed after
// the aggregation was computed: if the key already exists, the existing total
// wins and is returned.
func (c *Cache) Backfill(ctx context.Context, agentID string, period Period, total float64) (float64, error) {
	k := key(agentID, period)

	if err := c.rdb.SetNX(ctx, k, total, period.TTL(c.now())).Err(); err != nil {
		return 0, fmt.Errorf("backfilling spend for %s: %w", k, err)
	}

	v, err := c.rdb.Get(ctx, k).Float64()
	if err != nil {
		return 0, fmt.Errorf("reading back spend for %s: %w", k, err)
	}
	return v, nil
}

// Ping reports whether Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
