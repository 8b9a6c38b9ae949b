package retrieval

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/internal/metrics"
	"github.com/askbase/askbase/pkg/models"
)

// DefaultCacheTTL bounds retrieval result staleness; invalidation on
// ingest and delete handles the common case before the TTL does.
const DefaultCacheTTL = 5 * time.Minute

// ── In-process cache ────────────────────────────────────────

// MemoryCache is a TTL map cache for single-process deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]memoryEntry // workspace -> key -> entry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	results   []models.RetrievedChunk
	expiresAt time.Time
}

// NewMemoryCache creates a TTL cache. ttl <= 0 uses the default.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		entries: make(map[string]map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, workspaceID, key string) ([]models.RetrievedChunk, bool) {
	c.mu.RLock()
	entry, ok := c.entries[workspaceID][key]
	c.mu.RUnlock()

	if !ok || c.now().After(entry.expiresAt) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	out := make([]models.RetrievedChunk, len(entry.results))
	copy(out, entry.results)
	return out, true
}

func (c *MemoryCache) Set(_ context.Context, workspaceID, key string, results []models.RetrievedChunk) {
	cp := make([]models.RetrievedChunk, len(results))
	copy(cp, results)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[workspaceID] == nil {
		c.entries[workspaceID] = make(map[string]memoryEntry)
	}
	c.entries[workspaceID][key] = memoryEntry{results: cp, expiresAt: c.now().Add(c.ttl)}
}

func (c *MemoryCache) Invalidate(_ context.Context, workspaceID string) {
	c.mu.Lock()
	delete(c.entries, workspaceID)
	c.mu.Unlock()
}

// ── Redis cache ─────────────────────────────────────────────

// RedisCache shares retrieval results across replicas. Keys live under a
// per-workspace set so invalidation is one SMEMBERS + DEL round trip.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a cache on an existing Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) entryKey(workspaceID, key string) string {
	return "askbase:retrieval:" + workspaceID + ":" + key
}

func (c *RedisCache) setKey(workspaceID string) string {
	return "askbase:retrieval-keys:" + workspaceID
}

func (c *RedisCache) Get(ctx context.Context, workspaceID, key string) ([]models.RetrievedChunk, bool) {
	raw, err := c.client.Get(ctx, c.entryKey(workspaceID, key)).Bytes()
	if err != nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	var results []models.RetrievedChunk
	if err := json.Unmarshal(raw, &results); err != nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return results, true
}

func (c *RedisCache) Set(ctx context.Context, workspaceID, key string, results []models.RetrievedChunk) {
	raw, err := json.Marshal(results)
	if err != nil {
		return
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.entryKey(workspaceID, key), raw, c.ttl)
	pipe.SAdd(ctx, c.setKey(workspaceID), key)
	pipe.Expire(ctx, c.setKey(workspaceID), c.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("workspace", workspaceID).Msg("Retrieval cache set failed")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, workspaceID string) {
	keys, err := c.client.SMembers(ctx, c.setKey(workspaceID)).Result()
	if err != nil {
		log.Warn().Err(err).Str("workspace", workspaceID).Msg("Retrieval cache invalidate failed")
		return
	}
	full := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		full = append(full, c.entryKey(workspaceID, k))
	}
	full = append(full, c.setKey(workspaceID))
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		log.Warn().Err(err).Str("workspace", workspaceID).Msg("Retrieval cache delete failed")
	}
}
