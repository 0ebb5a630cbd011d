package authz

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bastion-sec/bastion/internal/shared"
)

// Catalog holds permission definitions and the implication graph. Readers are
// lock-free against a published immutable snapshot; writers rebuild and
// republish under a short exclusive section, so a failed registration leaves
// no partial write behind.
type Catalog struct {
	mu     sync.Mutex
	snap   atomic.Pointer[catalogSnapshot]
	nextID int64
}

type catalogSnapshot struct {
	version uint64
	perms   map[string]Permission
	// closure maps a permission name to every name it transitively implies,
	// the name itself included. Precomputed so checks stay O(matches).
	closure map[string][]string
}

// NewCatalog constructs an empty Catalog.
func NewCatalog() *Catalog {
	c := &Catalog{nextID: 1}
	c.snap.Store(&catalogSnapshot{
		perms:   map[string]Permission{},
		closure: map[string][]string{},
	})
	return c
}

// Version identifies the current catalog state; it advances on every mutation.
func (c *Catalog) Version() uint64 {
	return c.snap.Load().version
}

// Get returns a permission by name.
func (c *Catalog) Get(name string) (Permission, bool) {
	p, ok := c.snap.Load().perms[name]
	return p, ok
}

// List returns all permissions ordered by name.
func (c *Catalog) List() []Permission {
	snap := c.snap.Load()
	out := make([]Permission, 0, len(snap.perms))
	for _, p := range snap.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register inserts or updates a permission and its implication edges. The
// whole mutation is atomic: a cycle or malformed name rejects the request
// with ConfigurationError and the published snapshot is untouched.
func (c *Catalog) Register(name, description string, implies ...string) (Permission, error) {
	if err := validatePermissionName(name); err != nil {
		return Permission{}, err
	}
	for _, imp := range implies {
		if err := validatePermissionName(imp); err != nil {
			return Permission{}, err
		}
		if imp == name {
			return Permission{}, shared.Configuration(fmt.Sprintf("permission %q cannot imply itself", name), nil)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.snap.Load()
	perms := make(map[string]Permission, len(old.perms)+1)
	for k, v := range old.perms {
		perms[k] = v
	}
	perm, exists := perms[name]
	if !exists {
		perm = Permission{ID: c.nextID, Name: name}
	}
	perm.Description = description
	perm.Implies = append([]string(nil), implies...)
	perms[name] = perm

	// Implied permissions that are not registered yet get a bare record so
	// the closure is well defined.
	id := c.nextID
	if !exists {
		id++
	}
	for _, imp := range implies {
		if _, ok := perms[imp]; !ok {
			perms[imp] = Permission{ID: id, Name: imp}
			id++
		}
	}

	if cycle := findImplicationCycle(perms, name); cycle != "" {
		return Permission{}, shared.Configuration(
			fmt.Sprintf("implication cycle through %q", cycle), nil)
	}

	closure, err := buildClosure(perms)
	if err != nil {
		return Permission{}, err
	}
	c.nextID = id
	c.snap.Store(&catalogSnapshot{
		version: old.version + 1,
		perms:   perms,
		closure: closure,
	})
	return perm, nil
}

// Restore replaces the catalog wholesale from persisted state, validating the
// acyclic invariant before publishing. Used at boot only.
func (c *Catalog) Restore(perms []Permission) error {
	byName := make(map[string]Permission, len(perms))
	maxID := int64(0)
	for _, p := range perms {
		if err := validatePermissionName(p.Name); err != nil {
			return err
		}
		byName[p.Name] = p
		if p.ID > maxID {
			maxID = p.ID
		}
	}
	for name := range byName {
		if hit := findImplicationCycle(byName, name); hit != "" {
			return shared.Configuration(fmt.Sprintf("persisted implication cycle through %q", hit), nil)
		}
	}
	closure, err := buildClosure(byName)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID = maxID + 1
	c.snap.Store(&catalogSnapshot{
		version: c.snap.Load().version + 1,
		perms:   byName,
		closure: closure,
	})
	return nil
}

// Expand returns the permission name plus everything it transitively implies.
// Unregistered names expand to themselves so ad-hoc grants still match.
func (c *Catalog) Expand(name string) []string {
	snap := c.snap.Load()
	if names, ok := snap.closure[name]; ok {
		return names
	}
	return []string{name}
}

// Covers reports whether the pattern, or anything the pattern implies,
// matches the action.
func (c *Catalog) Covers(pattern, action string) bool {
	for _, name := range c.Expand(pattern) {
		if MatchPermission(name, action) {
			return true
		}
	}
	return false
}

// MatchPermission tests a dot-segmented permission pattern against a concrete
// action. `*` matches exactly one segment; a trailing `**` matches the
// remainder (one or more segments).
func MatchPermission(pattern, action string) bool {
	if pattern == action {
		return true
	}
	ps := strings.Split(pattern, ".")
	as := strings.Split(action, ".")
	for i, seg := range ps {
		if seg == "**" && i == len(ps)-1 {
			return len(as) > i
		}
		if i >= len(as) {
			return false
		}
		if seg != "*" && seg != as[i] {
			return false
		}
	}
	return len(ps) == len(as)
}

func validatePermissionName(name string) error {
	if name == "" {
		return shared.Configuration("permission name required", nil)
	}
	for _, seg := range strings.Split(name, ".") {
		if seg == "" {
			return shared.Configuration(fmt.Sprintf("permission %q has an empty segment", name), nil)
		}
		if seg == "**" && !strings.HasSuffix(name, ".**") && name != "**" {
			return shared.Configuration(fmt.Sprintf("permission %q: ** must be the final segment", name), nil)
		}
	}
	return nil
}

// findImplicationCycle walks the implication graph from start and returns the
// name closing a cycle, or empty when acyclic.
func findImplicationCycle(perms map[string]Permission, start string) string {
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(name string) string
	visit = func(name string) string {
		switch state[name] {
		case visiting:
			return name
		case done:
			return ""
		}
		state[name] = visiting
		for _, next := range perms[name].Implies {
			if hit := visit(next); hit != "" {
				return hit
			}
		}
		state[name] = done
		return ""
	}
	return visit(start)
}

// buildClosure computes, for every permission, the transitive set of names it
// implies via breadth-first traversal. The acyclic invariant guarantees
// termination in O(V+E) per root.
func buildClosure(perms map[string]Permission) (map[string][]string, error) {
	closure := make(map[string][]string, len(perms))
	for name := range perms {
		seen := map[string]bool{name: true}
		queue := []string{name}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range perms[cur].Implies {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
			if len(seen) > len(perms)+1 {
				return nil, shared.Configuration("implication graph is not acyclic", nil)
			}
		}
		names := make([]string, 0, len(seen))
		for n := range seen {
			names = append(names, n)
		}
		sort.Strings(names)
		closure[name] = names
	}
	return closure, nil
}
