/**
 * @description
 * Redis-backed cache for ascended referral chains. The cache is a pure
 * optimization over the recursive graph query: entries carry a short TTL and
 * are proactively deleted whenever a graph write touches a user, so a miss or
 * stale entry can never cause an incorrect payout.
 */

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sigmatrade/referral-service/internal/domain"
)

const defaultKeyPrefix = "sigmatrade:referral"

// RedisChainCache caches ascended referral chains keyed by (userID, depth).
type RedisChainCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisChainCache creates a chain cache over the given redis client.
func NewRedisChainCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisChainCache {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisChainCache{client: client, prefix: trimmed, ttl: ttl}
}

func (c *RedisChainCache) key(userID uuid.UUID, depth int) string {
	return fmt.Sprintf("%s:chain:%s:%d", c.prefix, userID, depth)
}

// Get returns the cached chain for (userID, depth) and whether it was present.
func (c *RedisChainCache) Get(ctx context.Context, userID uuid.UUID, depth int) ([]domain.ChainEntry, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, c.key(userID, depth)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	var chain []domain.ChainEntry
	if err := json.Unmarshal(raw, &chain); err != nil {
		// A corrupt entry is treated as a miss; the graph store is the source of truth.
		return nil, false, nil
	}
	return chain, true, nil
}

// Set stores the chain for (userID, depth) with the configured TTL.
func (c *RedisChainCache) Set(ctx context.Context, userID uuid.UUID, depth int, chain []domain.ChainEntry) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(userID, depth), raw, c.ttl).Err()
}

// Invalidate deletes every cached chain, at every depth, for the given users.
// Called after any graph write since both ascended and descended views change.
func (c *RedisChainCache) Invalidate(ctx context.Context, userIDs ...uuid.UUID) error {
	if c == nil || c.client == nil || len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs)*domain.MaxReferralDepth)
	for _, userID := range userIDs {
		for depth := 1; depth <= domain.MaxReferralDepth; depth++ {
			keys = append(keys, c.key(userID, depth))
		}
	}
	return c.client.Del(ctx, keys...).Err()
}
