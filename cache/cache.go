// Package cache keeps the last-seen status of each robot under a short
// TTL. Redis is the primary backend; when REDIS_URL is unset or the ping
// fails at startup, an in-process map honors the same contract.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statusKeyPrefix = "robot:status:"
	onlineSetKey    = "robots:online"
)

func statusKey(robotID string) string {
	return statusKeyPrefix + robotID
}

// Entry is the cached record for one robot.
type Entry struct {
	RobotID   string         `json:"robot_id"`
	Status    map[string]any `json:"status"`
	LastSeen  float64        `json:"last_seen"`
	SessionID int64          `json:"session_id,omitempty"`
}

// Metrics are cumulative counters since process start.
type Metrics struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Updates   uint64  `json:"updates"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Health describes the backend for the health endpoints.
type Health struct {
	Backend string  `json:"backend"`
	Healthy bool    `json:"healthy"`
	Metrics Metrics `json:"metrics"`
}

// RobotCache is the status cache contract. Both backends implement it
// exactly; callers never see which one is active.
//
// A sessionID of 0 means "no session". A ttl of 0 uses the default.
type RobotCache interface {
	Update(ctx context.Context, robotID string, status map[string]any, sessionID int64, ttl time.Duration) error
	Get(ctx context.Context, robotID string) (*Entry, error)
	Online(ctx context.Context) ([]string, error)
	OnlineStatuses(ctx context.Context) ([]Entry, error)
	Remove(ctx context.Context, robotID string) error
	InvalidateSession(ctx context.Context, sessionID int64) (int, error)
	Health(ctx context.Context) Health
	Close() error
}

// counters is shared metric state; both backends embed a pointer to it.
type counters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	updates   atomic.Uint64
	evictions atomic.Uint64
}

func (c *counters) metrics() Metrics {
	m := Metrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Updates:   c.updates.Load(),
		Evictions: c.evictions.Load(),
	}
	if total := m.Hits + m.Misses; total > 0 {
		m.HitRate = float64(m.Hits) / float64(total)
	}
	return m
}

// New picks the backend: redis when redisURL is set and reachable,
// otherwise the in-process map. The fallback is permanent for the
// process, matching the storage adapter's behavior.
func New(ctx context.Context, redisURL string, defaultTTL time.Duration, log *slog.Logger) RobotCache {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "cache")

	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}

	if redisURL == "" {
		log.Info("REDIS_URL not set, using in-memory status cache")
		return newMemoryCache(defaultTTL, log)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Error("invalid REDIS_URL, using in-memory status cache", "error", err)
		return newMemoryCache(defaultTTL, log)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Error("redis ping failed, using in-memory status cache", "error", err)
		client.Close()
		return newMemoryCache(defaultTTL, log)
	}

	log.Info("redis status cache connected", "addr", opts.Addr)
	return newRedisCache(client, defaultTTL, log)
}

// invalidateSession is the shared scan-and-remove used by both backends.
func invalidateSession(ctx context.Context, c RobotCache, sessionID int64) (int, error) {
	entries, err := c.OnlineStatuses(ctx)
	if err != nil {
		return 0, fmt.Errorf("list online statuses: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.SessionID != sessionID {
			continue
		}
		if err := c.Remove(ctx, entry.RobotID); err != nil {
			return removed, fmt.Errorf("remove %s: %w", entry.RobotID, err)
		}
		removed++
	}
	return removed, nil
}
