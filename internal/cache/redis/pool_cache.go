package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// poolTTL bounds how long a snapshot survives without a fresh write.
const poolTTL = 24 * time.Hour

// setIfNewer writes the snapshot only when the cached revision is absent or
// not newer than ARGV[1]. Returns 1 when written.
var setIfNewer = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "revision")
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "revision", ARGV[1], "snapshot", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// PoolCache implements domain.PoolCache with one Redis hash per market.
// A writer racing behind a newer commit never replaces the newer snapshot.
type PoolCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.PoolCache = (*PoolCache)(nil)

// NewPoolCache creates a PoolCache backed by the given Client.
func NewPoolCache(c *Client) *PoolCache {
	return &PoolCache{rdb: c.Underlying(), ttl: poolTTL}
}

func poolKey(marketID string) string {
	return "pool:" + marketID
}

// SetPool stores the pool snapshot unless a newer revision is cached.
func (pc *PoolCache) SetPool(ctx context.Context, pool domain.LiquidityPool) error {
	snap, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("redis: marshal pool %s: %w", pool.MarketID, err)
	}
	err = setIfNewer.Run(ctx, pc.rdb, []string{poolKey(pool.MarketID)},
		pool.Revision, snap, pc.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis: set pool %s: %w", pool.MarketID, err)
	}
	return nil
}

// GetPool returns the cached snapshot or domain.ErrNotFound.
func (pc *PoolCache) GetPool(ctx context.Context, marketID string) (domain.LiquidityPool, error) {
	raw, err := pc.rdb.HGet(ctx, poolKey(marketID), "snapshot").Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.LiquidityPool{}, domain.Errorf(domain.ErrNotFound, "cached pool %s", marketID)
	}
	if err != nil {
		return domain.LiquidityPool{}, fmt.Errorf("redis: get pool %s: %w", marketID, err)
	}
	var p domain.LiquidityPool
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.LiquidityPool{}, fmt.Errorf("redis: decode pool %s: %w", marketID, err)
	}
	return p, nil
}

// Invalidate drops the cached snapshot for a market.
func (pc *PoolCache) Invalidate(ctx context.Context, marketID string) error {
	if err := pc.rdb.Del(ctx, poolKey(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate pool %s: %w", marketID, err)
	}
	return nil
}
