package authz

import (
	"time"
)

// Principal is the authenticated actor an access check runs on behalf of.
type Principal struct {
	ID         string
	RoleIDs    []int64
	Attributes map[string]string
}

// Role groups permissions. Inherits lists the roles whose grants this role
// absorbs; the inheritance relation forms a DAG.
type Role struct {
	ID          int64
	Name        string
	Description string
	Inherits    []int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is an atomic capability with a dot-segmented name. A name may
// contain `*` (matches exactly one segment) or a trailing `**` (matches the
// remainder). Implies lists permission names holding this one confers.
type Permission struct {
	ID          int64
	Name        string
	Description string
	Implies     []string
}

// GrantTarget identifies who a grant applies to: a role or a principal.
type GrantTarget struct {
	RoleID      int64
	PrincipalID string
}

// IsRole reports whether the grant targets a role.
func (t GrantTarget) IsRole() bool { return t.RoleID != 0 }

// Validity bounds the interval in which a grant may authorize anything.
type Validity struct {
	From  time.Time
	Until time.Time
}

// Contains reports whether ts falls inside the window. Zero bounds are open.
func (v Validity) Contains(ts time.Time) bool {
	if !v.From.IsZero() && ts.Before(v.From) {
		return false
	}
	if !v.Until.IsZero() && ts.After(v.Until) {
		return false
	}
	return true
}

// Grant associates a target with a permission, optionally qualified by
// constraints and a validity window. Grants are immutable once published;
// re-granting replaces the record in place under the same id.
type Grant struct {
	ID          int64
	Target      GrantTarget
	Permission  string
	Constraints []Constraint
	Validity    *Validity
	CreatedAt   time.Time
}

// Effect is the outcome of an access decision.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
)

// Deny reasons. Grant-level detail never leaves the audit trail.
const (
	ReasonRateLimited    = "rate limited"
	ReasonNoGrant        = "no grant"
	ReasonConstraints    = "constraints not satisfied"
	ReasonGrantSatisfied = "grant satisfied"
)

// Decision is the immutable outcome of a single access check.
type Decision struct {
	ID             string
	Effect         Effect
	Reason         string
	GrantID        int64
	PrincipalID    string
	Action         string
	Resource       string
	CatalogVersion uint64
	EvaluatedAt    time.Time
}

// Permitted reports whether the decision allows the action.
func (d Decision) Permitted() bool { return d.Effect == EffectPermit }

// Request carries everything an access check depends on. At pins the instant
// the decision is evaluated against; a zero At means the engine clock.
type Request struct {
	Principal     Principal
	Action        string
	Resource      string
	ResourceAttrs map[string]string
	IP            string
	SessionID     string
	Environment   string
	At            time.Time
}
