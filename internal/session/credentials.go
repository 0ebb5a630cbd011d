package session

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/bastion-sec/bastion/internal/authz"
	"github.com/bastion-sec/bastion/internal/shared"
)

// Credentials checks login secrets against the principals table. Failures are
// uniform: a missing principal, an inactive one, and a wrong password all
// return the same authorization error.
type Credentials struct {
	pool *pgxpool.Pool
}

// NewCredentials constructs a Credentials checker.
func NewCredentials(pool *pgxpool.Pool) *Credentials {
	return &Credentials{pool: pool}
}

// Authenticate verifies the secret and returns the stored principal with its
// role bindings and attributes.
func (c *Credentials) Authenticate(ctx context.Context, principalID, secret string) (authz.Principal, error) {
	var (
		hash       string
		active     bool
		roleIDs    []int64
		attributes map[string]string
	)
	row := c.pool.QueryRow(ctx, `
		SELECT p.secret_hash, p.is_active, COALESCE(array_agg(pr.role_id) FILTER (WHERE pr.role_id IS NOT NULL), '{}'), p.attributes
		FROM principals p
		LEFT JOIN principal_roles pr ON pr.principal_id = p.id
		WHERE p.id = $1
		GROUP BY p.id`, principalID)
	if err := row.Scan(&hash, &active, &roleIDs, &attributes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authz.Principal{}, shared.Authorization("invalid credentials")
		}
		return authz.Principal{}, shared.Transient("principal store unavailable", err)
	}
	if !active {
		return authz.Principal{}, shared.Authorization("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return authz.Principal{}, shared.Authorization("invalid credentials")
	}
	return authz.Principal{ID: principalID, RoleIDs: roleIDs, Attributes: attributes}, nil
}
