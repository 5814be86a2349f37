package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
)

// PermissionCache stores resolved permission sets per user and scope key.
//
// Entries are keyed by a generation token. Invalidate moves the user to a
// new generation, so a load that started before the invalidation can never
// be written where later lookups will find it.
type PermissionCache interface {
	Generation(ctx context.Context, userID uuid.UUID) (string, error)
	Get(ctx context.Context, userID uuid.UUID, gen, scopeKey string) (authz.PermissionSet, bool, error)
	Set(ctx context.Context, userID uuid.UUID, gen, scopeKey string, perms authz.PermissionSet, ttl time.Duration) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
	Flush(ctx context.Context) error
}

// memorySweepInterval is how often expired entries of every user are dropped.
const memorySweepInterval = time.Minute

type memoryEntry struct {
	perms   authz.PermissionSet
	expires time.Time
}

// MemoryCache is an in-process PermissionCache. It keeps the split
// permission sets, so cached checks do no parsing.
type MemoryCache struct {
	mu        sync.RWMutex
	now       func() time.Time
	epoch     uint64
	gens      map[uuid.UUID]uint64
	entries   map[uuid.UUID]map[string]memoryEntry
	lastSweep time.Time
}

// NewMemoryCache builds a MemoryCache; now defaults to time.Now.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		now:       now,
		gens:      make(map[uuid.UUID]uint64),
		entries:   make(map[uuid.UUID]map[string]memoryEntry),
		lastSweep: now(),
	}
}

func (c *MemoryCache) Generation(_ context.Context, userID uuid.UUID) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token(userID), nil
}

func (c *MemoryCache) token(userID uuid.UUID) string {
	return fmt.Sprintf("%d.%d", c.epoch, c.gens[userID])
}

func (c *MemoryCache) Get(_ context.Context, userID uuid.UUID, gen, scopeKey string) (authz.PermissionSet, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID][gen+"|"+scopeKey]
	now := c.now()
	c.mu.RUnlock()
	if !ok || !now.Before(entry.expires) {
		return authz.PermissionSet{}, false, nil
	}
	return entry.perms, true, nil
}

func (c *MemoryCache) Set(_ context.Context, userID uuid.UUID, gen, scopeKey string, perms authz.PermissionSet, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.token(userID) {
		return nil
	}
	now := c.now()
	c.sweep(now)
	bucket, ok := c.entries[userID]
	if !ok {
		bucket = make(map[string]memoryEntry)
		c.entries[userID] = bucket
	}
	bucket[gen+"|"+scopeKey] = memoryEntry{perms: perms, expires: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[userID]++
	delete(c.entries, userID)
	c.sweep(c.now())
	return nil
}

// Flush starts a new epoch. Per-user counters restart with it because
// every token handed out before carries the old epoch.
func (c *MemoryCache) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.gens = make(map[uuid.UUID]uint64)
	c.entries = make(map[uuid.UUID]map[string]memoryEntry)
	c.lastSweep = c.now()
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, bucket := range c.entries {
		n += len(bucket)
	}
	return n
}

// sweep drops expired entries and empty buckets of every user. Callers hold
// the write lock.
func (c *MemoryCache) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < memorySweepInterval {
		return
	}
	c.lastSweep = now
	for userID, bucket := range c.entries {
		for key, entry := range bucket {
			if !now.Before(entry.expires) {
				delete(bucket, key)
			}
		}
		if len(bucket) == 0 {
			delete(c.entries, userID)
		}
	}
}

const (
	redisPrefix   = "authz:perms"
	redisEpochKey = redisPrefix + ":epoch"
)

// RedisCache is a PermissionCache shared between processes through Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func redisGenKey(userID uuid.UUID) string {
	return strings.Join([]string{redisPrefix, "gen", userID.String()}, ":")
}

func redisEntryKey(userID uuid.UUID, gen, scopeKey string) string {
	return strings.Join([]string{redisPrefix, userID.String(), gen, scopeKey}, ":")
}

func (c *RedisCache) Generation(ctx context.Context, userID uuid.UUID) (string, error) {
	vals, err := c.client.MGet(ctx, redisEpochKey, redisGenKey(userID)).Result()
	if err != nil {
		return "", fmt.Errorf("rbac: cache generation: %w", err)
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = "0"
		if s, ok := v.(string); ok && s != "" {
			parts[i] = s
		}
	}
	return strings.Join(parts, "."), nil
}

func (c *RedisCache) Get(ctx context.Context, userID uuid.UUID, gen, scopeKey string) (authz.PermissionSet, bool, error) {
	payload, err := c.client.Get(ctx, redisEntryKey(userID, gen, scopeKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return authz.PermissionSet{}, false, nil
	}
	if err != nil {
		return authz.PermissionSet{}, false, fmt.Errorf("rbac: cache get: %w", err)
	}
	var perms []string
	if err := json.Unmarshal(payload, &perms); err != nil {
		return authz.PermissionSet{}, false, fmt.Errorf("rbac: cache decode: %w", err)
	}
	return authz.NewPermissionSet(perms...), true, nil
}

func (c *RedisCache) Set(ctx context.Context, userID uuid.UUID, gen, scopeKey string, perms authz.PermissionSet, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(perms.Strings())
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, redisEntryKey(userID, gen, scopeKey), raw, ttl).Err(); err != nil {
		return fmt.Errorf("rbac: cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.Incr(ctx, redisGenKey(userID)).Err(); err != nil {
		return fmt.Errorf("rbac: cache invalidate: %w", err)
	}
	return nil
}

func (c *RedisCache) Flush(ctx context.Context) error {
	if err := c.client.Incr(ctx, redisEpochKey).Err(); err != nil {
		return fmt.Errorf("rbac: cache flush: %w", err)
	}
	return nil
}
