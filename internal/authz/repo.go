package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bastion-sec/bastion/internal/shared"
)

// Repository mirrors catalog and registry state into Postgres. The in-memory
// snapshots are authoritative at runtime; the tables are the secondary
// defense, with schema-level checks backing the acyclic and validity
// invariants. Mutations write through inside the protected operation that
// performs them.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository over the pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SavePermission upserts a permission definition.
func (r *Repository) SavePermission(ctx context.Context, tx execer, p Permission) error {
	if tx == nil {
		tx = r.pool
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO permissions (id, name, description, implies)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET description = $3, implies = $4`,
		p.ID, p.Name, p.Description, p.Implies)
	if err != nil {
		return fmt.Errorf("authz: save permission: %w", err)
	}
	return nil
}

// SaveRole upserts a role and its inheritance edges.
func (r *Repository) SaveRole(ctx context.Context, tx execer, role Role) error {
	if tx == nil {
		tx = r.pool
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO roles (id, name, description, inherits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET description = $3, inherits = $4, updated_at = $6`,
		role.ID, role.Name, role.Description, role.Inherits, role.CreatedAt, role.UpdatedAt)
	if err != nil {
		return fmt.Errorf("authz: save role: %w", err)
	}
	return nil
}

// SaveGrant upserts a grant. Constraints serialize to jsonb; the table check
// on the validity window is the storage-layer defense for validFrom <=
// validUntil.
func (r *Repository) SaveGrant(ctx context.Context, tx execer, g Grant) error {
	if tx == nil {
		tx = r.pool
	}
	constraints, err := json.Marshal(g.Constraints)
	if err != nil {
		return fmt.Errorf("authz: marshal constraints: %w", err)
	}
	var roleID *int64
	var principalID *string
	if g.Target.IsRole() {
		roleID = &g.Target.RoleID
	} else {
		principalID = &g.Target.PrincipalID
	}
	var from, until *time.Time
	if g.Validity != nil {
		if !g.Validity.From.IsZero() {
			from = &g.Validity.From
		}
		if !g.Validity.Until.IsZero() {
			until = &g.Validity.Until
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO grants (id, role_id, principal_id, permission, constraints, valid_from, valid_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET constraints = $5, valid_from = $6, valid_until = $7`,
		g.ID, roleID, principalID, g.Permission, constraints, from, until, g.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return shared.Configuration("grant violates storage-layer validity check", err)
		}
		return fmt.Errorf("authz: save grant: %w", err)
	}
	return nil
}

// DeleteGrant removes the persisted grant for a target and permission.
func (r *Repository) DeleteGrant(ctx context.Context, tx execer, target GrantTarget, permission string) error {
	if tx == nil {
		tx = r.pool
	}
	var err error
	if target.IsRole() {
		_, err = tx.Exec(ctx, `DELETE FROM grants WHERE role_id = $1 AND permission = $2`,
			target.RoleID, permission)
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM grants WHERE principal_id = $1 AND permission = $2`,
			target.PrincipalID, permission)
	}
	if err != nil {
		return fmt.Errorf("authz: delete grant: %w", err)
	}
	return nil
}

// LoadPrincipal reads a principal's role bindings and attributes. The second
// return is false when the principal is unknown or deactivated.
func (r *Repository) LoadPrincipal(ctx context.Context, id string) (Principal, bool, error) {
	p := Principal{ID: id}
	var attrs []byte
	var active bool
	err := r.pool.QueryRow(ctx,
		`SELECT is_active, attributes FROM principals WHERE id = $1`, id).
		Scan(&active, &attrs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, false, nil
	}
	if err != nil {
		return Principal{}, false, fmt.Errorf("authz: load principal: %w", err)
	}
	if !active {
		return Principal{}, false, nil
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return Principal{}, false, fmt.Errorf("authz: decode attributes for principal %s: %w", id, err)
		}
	}
	rows, err := r.pool.Query(ctx,
		`SELECT role_id FROM principal_roles WHERE principal_id = $1 ORDER BY role_id`, id)
	if err != nil {
		return Principal{}, false, fmt.Errorf("authz: load principal roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var roleID int64
		if err := rows.Scan(&roleID); err != nil {
			return Principal{}, false, err
		}
		p.RoleIDs = append(p.RoleIDs, roleID)
	}
	if err := rows.Err(); err != nil {
		return Principal{}, false, err
	}
	return p, true, nil
}

// Load reads the persisted catalog state for boot-time restore.
func (r *Repository) Load(ctx context.Context) ([]Permission, []Role, []Grant, error) {
	perms, err := r.loadPermissions(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	roles, err := r.loadRoles(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	grants, err := r.loadGrants(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return perms, roles, grants, nil
}

func (r *Repository) loadPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, implies FROM permissions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("authz: load permissions: %w", err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Implies); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) loadRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, inherits, created_at, updated_at FROM roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("authz: load roles: %w", err)
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Inherits, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (r *Repository) loadGrants(ctx context.Context) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, role_id, principal_id, permission, constraints, valid_from, valid_until, created_at FROM grants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("authz: load grants: %w", err)
	}
	defer rows.Close()
	var out []Grant
	for rows.Next() {
		var (
			g           Grant
			roleID      *int64
			principalID *string
			constraints []byte
			from, until *time.Time
		)
		if err := rows.Scan(&g.ID, &roleID, &principalID, &g.Permission, &constraints, &from, &until, &g.CreatedAt); err != nil {
			return nil, err
		}
		if roleID != nil {
			g.Target.RoleID = *roleID
		}
		if principalID != nil {
			g.Target.PrincipalID = *principalID
		}
		if len(constraints) > 0 {
			if err := json.Unmarshal(constraints, &g.Constraints); err != nil {
				return nil, fmt.Errorf("authz: decode constraints for grant %d: %w", g.ID, err)
			}
		}
		if from != nil || until != nil {
			v := &Validity{}
			if from != nil {
				v.From = *from
			}
			if until != nil {
				v.Until = *until
			}
			g.Validity = v
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
