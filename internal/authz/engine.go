package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Engine computes authorization decisions. For a fixed catalog/registry state
// and a fixed request instant the decision is a pure function of its inputs;
// an ordinary deny is data, never an error.
type Engine struct {
	catalog   *Catalog
	registry  *Registry
	evaluator *Evaluator
	cache     *PermissionCache
	limiter   *RateLimiter
	logger    *slog.Logger
	now       func() time.Time

	onDecision func(effect Effect, reason string)
}

// EngineConfig collects the engine's collaborators. Cache and limiter may be
// nil; the engine then resolves uncached and skips rate limiting.
type EngineConfig struct {
	Catalog   *Catalog
	Registry  *Registry
	Evaluator *Evaluator
	Cache     *PermissionCache
	Limiter   *RateLimiter
	Logger    *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	ev := cfg.Evaluator
	if ev == nil {
		ev = NewEvaluator(cfg.Logger)
	}
	return &Engine{
		catalog:   cfg.Catalog,
		registry:  cfg.Registry,
		evaluator: ev,
		cache:     cfg.Cache,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// OnDecision wires a metric callback fired once per decision.
func (e *Engine) OnDecision(fn func(effect Effect, reason string)) { e.onDecision = fn }

// CheckAccess decides whether the principal may perform the action on the
// resource. The rate limit answers first so the engine cannot be probed as a
// permission oracle; the cached effective set answers membership; matching
// grants have their constraints evaluated fresh on every call.
func (e *Engine) CheckAccess(ctx context.Context, req Request) Decision {
	at := req.At
	if at.IsZero() {
		at = e.now()
	}
	d := Decision{
		ID:             uuid.NewString(),
		PrincipalID:    req.Principal.ID,
		Action:         req.Action,
		Resource:       req.Resource,
		CatalogVersion: e.catalog.Version(),
		EvaluatedAt:    at,
	}

	if e.limiter != nil && !e.limiter.Allow(ctx, req.Principal.ID, req.Action) {
		d.Effect = EffectDeny
		d.Reason = ReasonRateLimited
		e.finish(d)
		return d
	}

	catVer := e.catalog.Version()
	regVer := e.registry.Version()
	effective := e.cache.Effective(ctx, req.Principal.ID, catVer, regVer, func() []string {
		return e.registry.EffectivePermissions(req.Principal)
	})

	if !covers(effective, req.Action) {
		d.Effect = EffectDeny
		d.Reason = ReasonNoGrant
		e.finish(d)
		return d
	}

	// Matching grants are evaluated in ascending id order; the first grant
	// whose validity window and constraints all hold permits.
	matched := false
	for _, g := range e.registry.GrantsFor(req.Principal) {
		if !e.catalog.Covers(g.Permission, req.Action) {
			continue
		}
		matched = true
		if g.Validity != nil && !g.Validity.Contains(at) {
			continue
		}
		if !e.evaluator.Evaluate(g, req, at) {
			continue
		}
		d.Effect = EffectPermit
		d.Reason = ReasonGrantSatisfied
		d.GrantID = g.ID
		e.finish(d)
		return d
	}

	d.Effect = EffectDeny
	if matched {
		d.Reason = ReasonConstraints
	} else {
		// The cached set can run ahead of a concurrent revoke; the snapshot
		// read above is authoritative.
		d.Reason = ReasonNoGrant
	}
	e.finish(d)
	return d
}

func (e *Engine) finish(d Decision) {
	if e.onDecision != nil {
		e.onDecision(d.Effect, d.Reason)
	}
	if e.logger != nil {
		e.logger.Debug("access decision",
			slog.String("decision_id", d.ID),
			slog.String("principal", d.PrincipalID),
			slog.String("action", d.Action),
			slog.String("effect", string(d.Effect)),
			slog.String("reason", d.Reason),
		)
	}
}

func covers(patterns []string, action string) bool {
	for _, p := range patterns {
		if MatchPermission(p, action) {
			return true
		}
	}
	return false
}
