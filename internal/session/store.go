// Package session provides the Redis-backed session store the kernel's
// executor validates principals against.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bastion-sec/bastion/internal/authz"
	"github.com/bastion-sec/bastion/internal/shared"
)

// Store keeps sessions in Redis keyed by session id with the configured TTL.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

type payload struct {
	PrincipalID string            `json:"principal_id"`
	RoleIDs     []int64           `json:"role_ids"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
	IP          string            `json:"ip,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
}

// NewStore constructs a Store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }

func principalIndexKey(principalID string) string {
	return fmt.Sprintf("session:principal:%s", principalID)
}

// Create registers a session for the principal and returns its id.
func (s *Store) Create(ctx context.Context, p authz.Principal, ip, userAgent string) (string, error) {
	id := uuid.NewString()
	data, err := json.Marshal(payload{
		PrincipalID: p.ID,
		RoleIDs:     p.RoleIDs,
		Attributes:  p.Attributes,
		ExpiresAt:   s.now().Add(s.ttl),
		IP:          ip,
		UserAgent:   userAgent,
	})
	if err != nil {
		return "", err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(id), data, s.ttl)
	pipe.SAdd(ctx, principalIndexKey(p.ID), id)
	pipe.Expire(ctx, principalIndexKey(p.ID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", shared.Transient("session store unavailable", err)
	}
	return id, nil
}

// Validate resolves a session id to its principal, failing with an
// authorization error for missing or expired sessions and a transient error
// when the store is unreachable.
func (s *Store) Validate(ctx context.Context, sessionID string) (authz.Principal, error) {
	if sessionID == "" {
		return authz.Principal{}, shared.Authorization("session id required")
	}
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return authz.Principal{}, shared.Authorization("session not found or expired")
	}
	if err != nil {
		return authz.Principal{}, shared.Transient("session store unavailable", err)
	}
	var stored payload
	if err := json.Unmarshal(data, &stored); err != nil {
		return authz.Principal{}, shared.System("corrupt session payload", err)
	}
	if s.now().After(stored.ExpiresAt) {
		// Redis TTL should have evicted this already; belt and braces.
		_ = s.client.Del(ctx, sessionKey(sessionID)).Err()
		return authz.Principal{}, shared.Authorization("session expired")
	}
	return authz.Principal{
		ID:         stored.PrincipalID,
		RoleIDs:    stored.RoleIDs,
		Attributes: stored.Attributes,
	}, nil
}

// Revoke deletes one session.
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return shared.Transient("session store unavailable", err)
	}
	return nil
}

// RevokeAllForPrincipal deletes every session the principal holds. The
// executor's emergency protocol uses this after critical failures.
func (s *Store) RevokeAllForPrincipal(ctx context.Context, principalID string) error {
	ids, err := s.client.SMembers(ctx, principalIndexKey(principalID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return shared.Transient("session store unavailable", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}
	keys = append(keys, principalIndexKey(principalID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return shared.Transient("session store unavailable", err)
	}
	return nil
}
