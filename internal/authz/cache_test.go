package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*PermissionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPermissionCache(NewRedisStore(client), time.Minute, nil), mr
}

func TestEffectiveCachesAcrossCalls(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	computes := 0
	compute := func() []string {
		computes++
		return []string{"docs.read"}
	}

	got := cache.Effective(ctx, "alice", 1, 1, compute)
	if len(got) != 1 || got[0] != "docs.read" {
		t.Fatalf("unexpected set %v", got)
	}
	cache.Effective(ctx, "alice", 1, 1, compute)
	if computes != 1 {
		t.Fatalf("expected one compute, got %d", computes)
	}
}

func TestEffectiveVersionFenceRejectsStaleEntries(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	computes := 0
	compute := func() []string {
		computes++
		return []string{"docs.read"}
	}

	cache.Effective(ctx, "alice", 1, 1, compute)
	// A registry mutation advances the version; the cached entry must not
	// satisfy the read even though the DEL never happened.
	cache.Effective(ctx, "alice", 1, 2, compute)
	if computes != 2 {
		t.Fatalf("stale entry served despite version fence, computes=%d", computes)
	}
	cache.Effective(ctx, "alice", 1, 2, compute)
	if computes != 2 {
		t.Fatalf("expected refreshed entry to hit, computes=%d", computes)
	}
}

func TestInvalidatePrincipalDropsEntry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	cache.Effective(ctx, "alice", 1, 1, func() []string { return []string{"docs.read"} })
	if !mr.Exists("authz:eff:alice") {
		t.Fatalf("expected cached entry")
	}
	cache.InvalidatePrincipal(ctx, "alice")
	if mr.Exists("authz:eff:alice") {
		t.Fatalf("expected entry dropped")
	}
}

func TestEffectiveDegradesOnStoreError(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	degraded := 0
	cache.Hooks(nil, nil, func() { degraded++ })

	mr.SetError("store down")
	got := cache.Effective(ctx, "alice", 1, 1, func() []string { return []string{"docs.read"} })
	if len(got) != 1 || got[0] != "docs.read" {
		t.Fatalf("degraded read must still answer, got %v", got)
	}
	if degraded != 1 {
		t.Fatalf("expected degrade hook, got %d", degraded)
	}
}

func TestEffectiveWithoutStoreComputesDirectly(t *testing.T) {
	var cache *PermissionCache
	got := cache.Effective(context.Background(), "alice", 1, 1, func() []string { return []string{"a"} })
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("nil cache must compute directly, got %v", got)
	}
}

func TestRedisStoreMissSentinel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client)

	_, err := store.Get(context.Background(), "absent")
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}
