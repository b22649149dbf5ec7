package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger

	counters *counters
}

func newRedisCache(client *redis.Client, ttl time.Duration, log *slog.Logger) *redisCache {
	return &redisCache{
		client:   client,
		ttl:      ttl,
		log:      log,
		counters: &counters{},
	}
}

// Update writes the status record and refreshes online membership in one
// pipelined round trip. The online set outlives individual entries so a
// stale member maps to a miss rather than a dangling record.
func (c *redisCache) Update(ctx context.Context, robotID string, status map[string]any, sessionID int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}

	entry := Entry{
		RobotID:   robotID,
		Status:    status,
		LastSeen:  float64(time.Now().UnixMilli()) / 1000,
		SessionID: sessionID,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal status for %s: %w", robotID, err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, statusKey(robotID), payload, ttl)
	pipe.SAdd(ctx, onlineSetKey, robotID)
	pipe.Expire(ctx, onlineSetKey, 2*ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache update for %s: %w", robotID, err)
	}

	c.counters.updates.Add(1)
	return nil
}

// Get returns nil, nil on a miss. Backend errors degrade to a miss so
// ingestion never stalls on the cache.
func (c *redisCache) Get(ctx context.Context, robotID string) (*Entry, error) {
	payload, err := c.client.Get(ctx, statusKey(robotID)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.counters.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		c.log.Warn("cache get failed", "robot_id", robotID, "error", err)
		c.counters.misses.Add(1)
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		c.counters.misses.Add(1)
		return nil, fmt.Errorf("decode cached status for %s: %w", robotID, err)
	}

	c.counters.hits.Add(1)
	return &entry, nil
}

func (c *redisCache) Online(ctx context.Context) ([]string, error) {
	ids, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online set: %w", err)
	}
	return ids, nil
}

// OnlineStatuses resolves all online records in a single MGET. Members
// whose entry has expired are evicted from the set as a side effect.
func (c *redisCache) OnlineStatuses(ctx context.Context) ([]Entry, error) {
	ids, err := c.Online(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = statusKey(id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget online statuses: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	var stale []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			c.log.Warn("dropping undecodable cache entry", "robot_id", ids[i], "error", err)
			stale = append(stale, ids[i])
			continue
		}
		entries = append(entries, entry)
	}

	if len(stale) > 0 {
		if err := c.client.SRem(ctx, onlineSetKey, stale...).Err(); err != nil {
			c.log.Warn("evicting stale online members failed", "error", err)
		} else {
			c.counters.evictions.Add(uint64(len(stale)))
		}
	}
	return entries, nil
}

func (c *redisCache) Remove(ctx context.Context, robotID string) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, statusKey(robotID))
	pipe.SRem(ctx, onlineSetKey, robotID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache remove for %s: %w", robotID, err)
	}
	c.counters.evictions.Add(1)
	return nil
}

func (c *redisCache) InvalidateSession(ctx context.Context, sessionID int64) (int, error) {
	return invalidateSession(ctx, c, sessionID)
}

func (c *redisCache) Health(ctx context.Context) Health {
	return Health{
		Backend: "redis",
		Healthy: c.client.Ping(ctx).Err() == nil,
		Metrics: c.counters.metrics(),
	}
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
