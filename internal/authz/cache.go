package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrCacheMiss signals an absent cache entry.
var ErrCacheMiss = errors.New("authz: cache miss")

// CacheStore is the kernel's view of the cache collaborator.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisStore backs CacheStore with Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return data, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

type cachedPermissions struct {
	CatalogVersion  uint64   `json:"catalog_version"`
	RegistryVersion uint64   `json:"registry_version"`
	Permissions     []string `json:"permissions"`
}

// PermissionCache caches resolved effective-permission sets per principal.
// Entries are fenced by catalog and registry versions: an entry written
// before a mutation can never satisfy a read after it, so invalidation is
// observably synchronous even if a Redis DEL is lost. A store outage degrades
// to a direct registry read rather than failing the check.
type PermissionCache struct {
	store  CacheStore
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger

	// onMiss and onDegrade feed metrics; nil when not wired.
	onHit     func()
	onMiss    func()
	onDegrade func()
}

// NewPermissionCache constructs a PermissionCache with the given entry TTL.
func NewPermissionCache(store CacheStore, ttl time.Duration, logger *slog.Logger) *PermissionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PermissionCache{store: store, ttl: ttl, logger: logger}
}

// Hooks wires metric callbacks for hit, miss, and degraded reads.
func (c *PermissionCache) Hooks(onHit, onMiss, onDegrade func()) {
	c.onHit = onHit
	c.onMiss = onMiss
	c.onDegrade = onDegrade
}

func permissionKey(principalID string) string {
	return fmt.Sprintf("authz:eff:%s", principalID)
}

// Effective returns the principal's effective permission set, computing and
// storing it on miss. Concurrent misses for the same principal share a single
// computation.
func (c *PermissionCache) Effective(ctx context.Context, principalID string, catalogVersion, registryVersion uint64, compute func() []string) []string {
	if c == nil || c.store == nil {
		return compute()
	}
	key := permissionKey(principalID)

	data, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		var entry cachedPermissions
		if jerr := json.Unmarshal(data, &entry); jerr == nil &&
			entry.CatalogVersion == catalogVersion && entry.RegistryVersion == registryVersion {
			if c.onHit != nil {
				c.onHit()
			}
			return entry.Permissions
		}
		// Stale or corrupt entry behind the version fence: recompute.
	case errors.Is(err, ErrCacheMiss):
		// Fall through to compute.
	default:
		// Transient infrastructure failure: degrade to an uncached read.
		if c.onDegrade != nil {
			c.onDegrade()
		}
		if c.logger != nil {
			c.logger.Warn("permission cache read degraded", slog.Any("error", err))
		}
		return compute()
	}

	if c.onMiss != nil {
		c.onMiss()
	}
	perms, _, _ := c.group.Do(key, func() (any, error) {
		perms := compute()
		entry := cachedPermissions{
			CatalogVersion:  catalogVersion,
			RegistryVersion: registryVersion,
			Permissions:     perms,
		}
		if data, err := json.Marshal(entry); err == nil {
			if serr := c.store.Set(ctx, key, data, c.ttl); serr != nil && c.logger != nil {
				c.logger.Warn("permission cache write failed", slog.Any("error", serr))
			}
		}
		return perms, nil
	})
	return perms.([]string)
}

// InvalidatePrincipal synchronously drops the entry for one principal.
func (c *PermissionCache) InvalidatePrincipal(ctx context.Context, principalID string) {
	if c == nil || c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, permissionKey(principalID)); err != nil && c.logger != nil {
		// The version fence keeps the stale entry unreadable regardless.
		c.logger.Warn("permission cache invalidation failed", slog.String("principal", principalID), slog.Any("error", err))
	}
}

// InvalidateAll relies on the version fence: the mutation that triggered it
// has already advanced the registry version, so every existing entry is
// unreadable. Nothing to delete eagerly.
func (c *PermissionCache) InvalidateAll(ctx context.Context) {}
