package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bastion-sec/bastion/internal/shared"
)

// Invalidator receives synchronous cache invalidation on registry mutations.
type Invalidator interface {
	InvalidatePrincipal(ctx context.Context, principalID string)
	InvalidateAll(ctx context.Context)
}

// Registry holds roles, the role inheritance DAG and grants. Like the
// Catalog, readers work against an immutable published snapshot; a mutation
// takes the writer lock, rebuilds, republishes, then fires cache
// invalidation before returning.
type Registry struct {
	catalog     *Catalog
	invalidator Invalidator

	mu          sync.Mutex
	snap        atomic.Pointer[registrySnapshot]
	nextRoleID  int64
	nextGrantID int64
	now         func() time.Time
}

type registrySnapshot struct {
	version     uint64
	roles       map[int64]Role
	rolesByName map[string]int64
	// roleClosure maps a role to itself plus every role it transitively
	// inherits, precomputed on structural change.
	roleClosure map[int64][]int64
	grants      []Grant // ascending id order
}

// NewRegistry constructs a Registry over the given catalog. The invalidator
// may be nil when no cache is attached (tests, cold boot).
func NewRegistry(catalog *Catalog, invalidator Invalidator) *Registry {
	r := &Registry{
		catalog:     catalog,
		invalidator: invalidator,
		nextRoleID:  1,
		nextGrantID: 1,
		now:         time.Now,
	}
	r.snap.Store(&registrySnapshot{
		roles:       map[int64]Role{},
		rolesByName: map[string]int64{},
		roleClosure: map[int64][]int64{},
	})
	return r
}

// SetInvalidator attaches the permission cache after construction; the cache
// itself needs the registry's version, so the two are wired in two steps.
func (r *Registry) SetInvalidator(inv Invalidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidator = inv
}

// Version identifies the current registry state.
func (r *Registry) Version() uint64 {
	return r.snap.Load().version
}

// Role returns a role by id.
func (r *Registry) Role(id int64) (Role, bool) {
	role, ok := r.snap.Load().roles[id]
	return role, ok
}

// RoleByName returns a role by its unique name.
func (r *Registry) RoleByName(name string) (Role, bool) {
	snap := r.snap.Load()
	id, ok := snap.rolesByName[name]
	if !ok {
		return Role{}, false
	}
	return snap.roles[id], true
}

// Roles returns all roles ordered by name.
func (r *Registry) Roles() []Role {
	snap := r.snap.Load()
	out := make([]Role, 0, len(snap.roles))
	for _, role := range snap.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Grants returns all grants in ascending id order.
func (r *Registry) Grants() []Grant {
	snap := r.snap.Load()
	return append([]Grant(nil), snap.grants...)
}

// RegisterRole inserts a role inheriting from the given parents. A cycle in
// the inheritance DAG rejects the registration and leaves the snapshot
// untouched.
func (r *Registry) RegisterRole(name, description string, inherits ...int64) (Role, error) {
	if name == "" {
		return Role{}, shared.Configuration("role name required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	if _, exists := old.rolesByName[name]; exists {
		return Role{}, shared.Configuration(fmt.Sprintf("role %q already registered", name), nil)
	}
	for _, parent := range inherits {
		if _, ok := old.roles[parent]; !ok {
			return Role{}, shared.Configuration(fmt.Sprintf("unknown parent role %d", parent), nil)
		}
	}

	role := Role{
		ID:          r.nextRoleID,
		Name:        name,
		Description: description,
		Inherits:    append([]int64(nil), inherits...),
		CreatedAt:   r.now(),
		UpdatedAt:   r.now(),
	}

	roles := cloneRoles(old.roles)
	roles[role.ID] = role
	if hit := findRoleCycle(roles, role.ID); hit != 0 {
		return Role{}, shared.Configuration(fmt.Sprintf("role cycle through %d", hit), nil)
	}

	byName := make(map[string]int64, len(old.rolesByName)+1)
	for k, v := range old.rolesByName {
		byName[k] = v
	}
	byName[name] = role.ID

	r.nextRoleID++
	r.snap.Store(&registrySnapshot{
		version:     old.version + 1,
		roles:       roles,
		rolesByName: byName,
		roleClosure: buildRoleClosure(roles),
		grants:      old.grants,
	})
	r.invalidateAllLocked(context.Background())
	return role, nil
}

// Grant attaches a permission to a role or principal. Granting is idempotent:
// an existing grant for the same target and permission is updated in place,
// keeping its id. Affected cache entries are invalidated before returning.
func (r *Registry) Grant(ctx context.Context, target GrantTarget, permission string, constraints []Constraint, validity *Validity) (Grant, error) {
	if err := validatePermissionName(permission); err != nil {
		return Grant{}, err
	}
	if !target.IsRole() && target.PrincipalID == "" {
		return Grant{}, shared.Configuration("grant target required", nil)
	}
	if validity != nil && !validity.From.IsZero() && !validity.Until.IsZero() && validity.Until.Before(validity.From) {
		return Grant{}, shared.Configuration("grant validity until precedes from", nil)
	}
	for _, c := range constraints {
		if err := c.Validate(); err != nil {
			return Grant{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	if target.IsRole() {
		if _, ok := old.roles[target.RoleID]; !ok {
			return Grant{}, shared.Configuration(fmt.Sprintf("unknown role %d", target.RoleID), nil)
		}
	}

	grants := append([]Grant(nil), old.grants...)
	updated := false
	var grant Grant
	for i := range grants {
		if grants[i].Target == target && grants[i].Permission == permission {
			grants[i].Constraints = append([]Constraint(nil), constraints...)
			grants[i].Validity = validity
			grant = grants[i]
			updated = true
			break
		}
	}
	if !updated {
		grant = Grant{
			ID:          r.nextGrantID,
			Target:      target,
			Permission:  permission,
			Constraints: append([]Constraint(nil), constraints...),
			Validity:    validity,
			CreatedAt:   r.now(),
		}
		grants = append(grants, grant)
		r.nextGrantID++
	}

	r.snap.Store(&registrySnapshot{
		version:     old.version + 1,
		roles:       old.roles,
		rolesByName: old.rolesByName,
		roleClosure: old.roleClosure,
		grants:      grants,
	})
	r.invalidateTargetLocked(ctx, target)
	return grant, nil
}

// Revoke removes the grant for the target and permission, invalidating
// affected cache entries before returning.
func (r *Registry) Revoke(ctx context.Context, target GrantTarget, permission string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	grants := make([]Grant, 0, len(old.grants))
	removed := false
	for _, g := range old.grants {
		if g.Target == target && g.Permission == permission {
			removed = true
			continue
		}
		grants = append(grants, g)
	}
	if !removed {
		return shared.NewError(shared.KindValidation, "grant not found", nil)
	}

	r.snap.Store(&registrySnapshot{
		version:     old.version + 1,
		roles:       old.roles,
		rolesByName: old.rolesByName,
		roleClosure: old.roleClosure,
		grants:      grants,
	})
	r.invalidateTargetLocked(ctx, target)
	return nil
}

// Restore replaces roles and grants wholesale from persisted state,
// validating the DAG before publishing. Used at boot only.
func (r *Registry) Restore(roles []Role, grants []Grant) error {
	byID := make(map[int64]Role, len(roles))
	byName := make(map[string]int64, len(roles))
	maxRoleID := int64(0)
	for _, role := range roles {
		byID[role.ID] = role
		byName[role.Name] = role.ID
		if role.ID > maxRoleID {
			maxRoleID = role.ID
		}
	}
	for id := range byID {
		if hit := findRoleCycle(byID, id); hit != 0 {
			return shared.Configuration(fmt.Sprintf("persisted role cycle through %d", hit), nil)
		}
	}
	sorted := append([]Grant(nil), grants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	maxGrantID := int64(0)
	for _, g := range sorted {
		for _, c := range g.Constraints {
			if err := c.Validate(); err != nil {
				return err
			}
		}
		if g.ID > maxGrantID {
			maxGrantID = g.ID
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRoleID = maxRoleID + 1
	r.nextGrantID = maxGrantID + 1
	r.snap.Store(&registrySnapshot{
		version:     r.snap.Load().version + 1,
		roles:       byID,
		rolesByName: byName,
		roleClosure: buildRoleClosure(byID),
		grants:      sorted,
	})
	return nil
}

// RoleClosure returns the ids of every role the given roles transitively
// inherit, the roles themselves included.
func (r *Registry) RoleClosure(roleIDs []int64) []int64 {
	snap := r.snap.Load()
	seen := map[int64]bool{}
	var out []int64
	for _, id := range roleIDs {
		for _, rid := range snap.roleClosure[id] {
			if !seen[rid] {
				seen[rid] = true
				out = append(out, rid)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResolveRolePermissions returns the permission names a role holds after role
// inheritance and permission implication, sorted for stable comparison.
func (r *Registry) ResolveRolePermissions(roleID int64) []string {
	snap := r.snap.Load()
	seen := map[string]bool{}
	for _, rid := range snap.roleClosure[roleID] {
		for _, g := range snap.grants {
			if g.Target.RoleID != rid {
				continue
			}
			for _, name := range r.catalog.Expand(g.Permission) {
				seen[name] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EffectivePermissions unions direct grants and role-resolved permissions for
// a principal, implication applied. Membership only; constraints are
// evaluated per request.
func (r *Registry) EffectivePermissions(p Principal) []string {
	seen := map[string]bool{}
	for _, g := range r.GrantsFor(p) {
		for _, name := range r.catalog.Expand(g.Permission) {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GrantsFor returns every grant applying to the principal, directly or
// through its role closure, in ascending id order.
func (r *Registry) GrantsFor(p Principal) []Grant {
	snap := r.snap.Load()
	roles := map[int64]bool{}
	for _, id := range p.RoleIDs {
		for _, rid := range snap.roleClosure[id] {
			roles[rid] = true
		}
	}
	var out []Grant
	for _, g := range snap.grants {
		if g.Target.IsRole() {
			if roles[g.Target.RoleID] {
				out = append(out, g)
			}
		} else if g.Target.PrincipalID == p.ID {
			out = append(out, g)
		}
	}
	return out
}

func (r *Registry) invalidateTargetLocked(ctx context.Context, target GrantTarget) {
	if r.invalidator == nil {
		return
	}
	if target.IsRole() {
		// The set of principals holding the role is unknown here; flush all.
		r.invalidator.InvalidateAll(ctx)
		return
	}
	r.invalidator.InvalidatePrincipal(ctx, target.PrincipalID)
}

func (r *Registry) invalidateAllLocked(ctx context.Context) {
	if r.invalidator != nil {
		r.invalidator.InvalidateAll(ctx)
	}
}

func cloneRoles(roles map[int64]Role) map[int64]Role {
	out := make(map[int64]Role, len(roles)+1)
	for k, v := range roles {
		out[k] = v
	}
	return out
}

// findRoleCycle walks inheritance edges from start and returns the role id
// closing a cycle, or zero when acyclic.
func findRoleCycle(roles map[int64]Role, start int64) int64 {
	const (
		visiting = 1
		done     = 2
	)
	state := map[int64]int{}
	var visit func(id int64) int64
	visit = func(id int64) int64 {
		switch state[id] {
		case visiting:
			return id
		case done:
			return 0
		}
		state[id] = visiting
		for _, next := range roles[id].Inherits {
			if hit := visit(next); hit != 0 {
				return hit
			}
		}
		state[id] = done
		return 0
	}
	return visit(start)
}

// buildRoleClosure precomputes, for every role, itself plus all transitively
// inherited roles via breadth-first traversal.
func buildRoleClosure(roles map[int64]Role) map[int64][]int64 {
	closure := make(map[int64][]int64, len(roles))
	for id := range roles {
		seen := map[int64]bool{id: true}
		queue := []int64{id}
		var out []int64
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			out = append(out, cur)
			for _, next := range roles[cur].Inherits {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		closure[id] = out
	}
	return closure
}
