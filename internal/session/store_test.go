package session

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bastion-sec/bastion/internal/authz"
	"github.com/bastion-sec/bastion/internal/shared"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, time.Hour), mr
}

func TestCreateAndValidateRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	p := authz.Principal{
		ID:         "alice",
		RoleIDs:    []int64{1, 2},
		Attributes: map[string]string{"department": "finance"},
	}

	id, err := store.Create(ctx, p, "10.0.0.5", "cli/1.0")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Validate(ctx, id)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.ID != "alice" || len(got.RoleIDs) != 2 || got.Attributes["department"] != "finance" {
		t.Fatalf("unexpected principal %+v", got)
	}
}

func TestValidateFailuresAreAuthorization(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Validate(ctx, ""); !errors.Is(err, shared.ErrAuthorization) {
		t.Fatalf("empty id: expected authorization error, got %v", err)
	}
	if _, err := store.Validate(ctx, "no-such-session"); !errors.Is(err, shared.ErrAuthorization) {
		t.Fatalf("missing session: expected authorization error, got %v", err)
	}
}

func TestValidateExpiredSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, authz.Principal{ID: "alice"}, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := store.Validate(ctx, id); !errors.Is(err, shared.ErrAuthorization) {
		t.Fatalf("expected authorization error for expired session, got %v", err)
	}
}

func TestValidateStoreOutageIsTransient(t *testing.T) {
	store, mr := newTestStore(t)
	mr.SetError("store down")
	if _, err := store.Validate(context.Background(), "any"); !errors.Is(err, shared.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestRevokeAllForPrincipal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Create(ctx, authz.Principal{ID: "alice"}, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.Create(ctx, authz.Principal{ID: "alice"}, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := store.Create(ctx, authz.Principal{ID: "bob"}, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.RevokeAllForPrincipal(ctx, "alice"); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if _, err := store.Validate(ctx, first); err == nil {
		t.Fatalf("expected first session revoked")
	}
	if _, err := store.Validate(ctx, second); err == nil {
		t.Fatalf("expected second session revoked")
	}
	if _, err := store.Validate(ctx, other); err != nil {
		t.Fatalf("other principal's session must survive: %v", err)
	}
}

func TestRevokeSingleSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx, authz.Principal{ID: "alice"}, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Revoke(ctx, id); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.Validate(ctx, id); !errors.Is(err, shared.ErrAuthorization) {
		t.Fatalf("expected revoked session to fail validation, got %v", err)
	}
}
