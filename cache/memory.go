package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	entry   Entry
	expires time.Time
}

// memoryCache mirrors the redis contract with a mutex-guarded map. Online
// membership carries its own 2x-TTL deadline so the set outlives individual
// entries, matching the redis set TTL.
type memoryCache struct {
	ttl time.Duration
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
	online  map[string]time.Time

	counters *counters
}

func newMemoryCache(ttl time.Duration, log *slog.Logger) *memoryCache {
	return &memoryCache{
		ttl:      ttl,
		log:      log,
		now:      time.Now,
		entries:  make(map[string]memoryEntry),
		online:   make(map[string]time.Time),
		counters: &counters{},
	}
}

func (c *memoryCache) Update(_ context.Context, robotID string, status map[string]any, sessionID int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()

	c.mu.Lock()
	c.entries[statusKey(robotID)] = memoryEntry{
		entry: Entry{
			RobotID:   robotID,
			Status:    status,
			LastSeen:  float64(now.UnixMilli()) / 1000,
			SessionID: sessionID,
		},
		expires: now.Add(ttl),
	}
	c.online[robotID] = now.Add(2 * ttl)
	c.mu.Unlock()

	c.counters.updates.Add(1)
	return nil
}

func (c *memoryCache) Get(_ context.Context, robotID string) (*Entry, error) {
	c.mu.Lock()
	stored, ok := c.lookupLocked(statusKey(robotID))
	c.mu.Unlock()

	if !ok {
		c.counters.misses.Add(1)
		return nil, nil
	}
	c.counters.hits.Add(1)
	entry := stored
	return &entry, nil
}

// lookupLocked applies lazy expiry: an expired entry is deleted on access
// and counted as an eviction.
func (c *memoryCache) lookupLocked(key string) (Entry, bool) {
	stored, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if !c.now().Before(stored.expires) {
		delete(c.entries, key)
		c.counters.evictions.Add(1)
		return Entry{}, false
	}
	return stored.entry, true
}

func (c *memoryCache) Online(_ context.Context) ([]string, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.online))
	for id, deadline := range c.online {
		if !now.Before(deadline) {
			delete(c.online, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *memoryCache) OnlineStatuses(ctx context.Context) ([]Entry, error) {
	ids, err := c.Online(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, ok := c.lookupLocked(statusKey(id))
		if !ok {
			delete(c.online, id)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *memoryCache) Remove(_ context.Context, robotID string) error {
	c.mu.Lock()
	_, existed := c.entries[statusKey(robotID)]
	delete(c.entries, statusKey(robotID))
	delete(c.online, robotID)
	c.mu.Unlock()

	if existed {
		c.counters.evictions.Add(1)
	}
	return nil
}

func (c *memoryCache) InvalidateSession(ctx context.Context, sessionID int64) (int, error) {
	return invalidateSession(ctx, c, sessionID)
}

// keys returns live keys matching the prefix; used by tests and the
// detailed health view.
func (c *memoryCache) keys(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	matched := make([]string, 0, len(c.entries))
	for key := range c.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := c.lookupLocked(key); ok {
			matched = append(matched, key)
		}
	}
	return matched
}

func (c *memoryCache) Health(context.Context) Health {
	return Health{
		Backend: "memory",
		Healthy: true,
		Metrics: c.counters.metrics(),
	}
}

func (c *memoryCache) Close() error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.online = make(map[string]time.Time)
	c.mu.Unlock()
	return nil
}
