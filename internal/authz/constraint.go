package authz

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/bastion-sec/bastion/internal/shared"
)

// ConstraintKind tags the constraint variant.
type ConstraintKind string

const (
	ConstraintTemporal      ConstraintKind = "temporal"
	ConstraintContextual    ConstraintKind = "contextual"
	ConstraintEnvironmental ConstraintKind = "environmental"
)

// Constraint is a tagged variant; exactly one payload field is set, matching
// Kind. Unknown kinds are rejected at registration and fail closed if one
// slips through via skew.
type Constraint struct {
	Kind          ConstraintKind          `json:"kind"`
	Temporal      *TemporalConstraint     `json:"temporal,omitempty"`
	Contextual    *ContextualConstraint   `json:"contextual,omitempty"`
	Environmental *EnvironmentalConstraint `json:"environmental,omitempty"`
}

// TemporalConstraint bounds a grant to an absolute interval and, optionally,
// to a daily time-of-day window. DayStart/DayEnd use "15:04"; a start after
// the end means the window wraps midnight.
type TemporalConstraint struct {
	From     time.Time `json:"from,omitempty"`
	Until    time.Time `json:"until,omitempty"`
	DayStart string    `json:"day_start,omitempty"`
	DayEnd   string    `json:"day_end,omitempty"`
}

// AttributeMatch compares one attribute of the principal or resource.
type AttributeMatch struct {
	Subject string `json:"subject"` // "principal" or "resource"
	Key     string `json:"key"`
	Op      string `json:"op"` // "eq" or "ne"
	Value   string `json:"value"`
}

// ContextualConstraint holds conjunctive attribute predicates.
type ContextualConstraint struct {
	Match []AttributeMatch `json:"match"`
}

// EnvironmentalConstraint restricts caller network and deployment environment.
// Deny prefixes win over allow prefixes; an empty allow list allows any
// address not denied.
type EnvironmentalConstraint struct {
	AllowCIDRs  []string `json:"allow_cidrs,omitempty"`
	DenyCIDRs   []string `json:"deny_cidrs,omitempty"`
	Environment string   `json:"environment,omitempty"`
}

// Validate rejects malformed constraints at registration time so they can
// never be stored partially and silently fail open later.
func (c Constraint) Validate() error {
	switch c.Kind {
	case ConstraintTemporal:
		if c.Temporal == nil {
			return shared.Configuration("temporal constraint missing payload", nil)
		}
		t := c.Temporal
		if !t.From.IsZero() && !t.Until.IsZero() && t.Until.Before(t.From) {
			return shared.Configuration("temporal constraint until precedes from", nil)
		}
		if (t.DayStart == "") != (t.DayEnd == "") {
			return shared.Configuration("time-of-day window requires both bounds", nil)
		}
		if t.DayStart != "" {
			if _, err := minuteOfDay(t.DayStart); err != nil {
				return shared.Configuration("invalid day_start", err)
			}
			if _, err := minuteOfDay(t.DayEnd); err != nil {
				return shared.Configuration("invalid day_end", err)
			}
		}
	case ConstraintContextual:
		if c.Contextual == nil || len(c.Contextual.Match) == 0 {
			return shared.Configuration("contextual constraint requires predicates", nil)
		}
		for _, m := range c.Contextual.Match {
			if m.Subject != "principal" && m.Subject != "resource" {
				return shared.Configuration(fmt.Sprintf("unknown match subject %q", m.Subject), nil)
			}
			if m.Op != "eq" && m.Op != "ne" {
				return shared.Configuration(fmt.Sprintf("unknown match op %q", m.Op), nil)
			}
			if m.Key == "" {
				return shared.Configuration("match key required", nil)
			}
		}
	case ConstraintEnvironmental:
		if c.Environmental == nil {
			return shared.Configuration("environmental constraint missing payload", nil)
		}
		for _, cidr := range append(c.Environmental.AllowCIDRs, c.Environmental.DenyCIDRs...) {
			if _, err := parsePrefix(cidr); err != nil {
				return shared.Configuration(fmt.Sprintf("invalid cidr %q", cidr), err)
			}
		}
	default:
		return shared.Configuration(fmt.Sprintf("unknown constraint kind %q", c.Kind), nil)
	}
	return nil
}

// Evaluator decides whether a grant's constraints hold for a request at a
// fixed instant. Evaluation is pure; it never mutates state.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate reports whether every constraint on the grant is satisfied.
// Unknown kinds fail closed.
func (e *Evaluator) Evaluate(grant Grant, req Request, at time.Time) bool {
	for _, c := range grant.Constraints {
		if !e.evaluateOne(c, req, at) {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateOne(c Constraint, req Request, at time.Time) bool {
	switch c.Kind {
	case ConstraintTemporal:
		return c.Temporal != nil && evalTemporal(c.Temporal, at)
	case ConstraintContextual:
		return c.Contextual != nil && evalContextual(c.Contextual, req)
	case ConstraintEnvironmental:
		return c.Environmental != nil && evalEnvironmental(c.Environmental, req)
	default:
		if e.logger != nil {
			e.logger.Warn("unknown constraint kind failed closed", slog.String("kind", string(c.Kind)))
		}
		return false
	}
}

func evalTemporal(t *TemporalConstraint, at time.Time) bool {
	if !t.From.IsZero() && at.Before(t.From) {
		return false
	}
	if !t.Until.IsZero() && at.After(t.Until) {
		return false
	}
	if t.DayStart != "" {
		start, err := minuteOfDay(t.DayStart)
		if err != nil {
			return false
		}
		end, err := minuteOfDay(t.DayEnd)
		if err != nil {
			return false
		}
		now := at.Hour()*60 + at.Minute()
		if start <= end {
			if now < start || now > end {
				return false
			}
		} else {
			// Window wraps midnight, e.g. 22:00-06:00.
			if now < start && now > end {
				return false
			}
		}
	}
	return true
}

func evalContextual(c *ContextualConstraint, req Request) bool {
	for _, m := range c.Match {
		var attrs map[string]string
		if m.Subject == "principal" {
			attrs = req.Principal.Attributes
		} else {
			attrs = req.ResourceAttrs
		}
		got, ok := attrs[m.Key]
		switch m.Op {
		case "eq":
			if !ok || got != m.Value {
				return false
			}
		case "ne":
			if ok && got == m.Value {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func evalEnvironmental(c *EnvironmentalConstraint, req Request) bool {
	if c.Environment != "" && c.Environment != req.Environment {
		return false
	}
	if len(c.AllowCIDRs) == 0 && len(c.DenyCIDRs) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(req.IP)
	if err != nil {
		return false
	}
	for _, cidr := range c.DenyCIDRs {
		if p, err := parsePrefix(cidr); err == nil && p.Contains(addr) {
			return false
		}
	}
	if len(c.AllowCIDRs) == 0 {
		return true
	}
	for _, cidr := range c.AllowCIDRs {
		if p, err := parsePrefix(cidr); err == nil && p.Contains(addr) {
			return true
		}
	}
	return false
}

// parsePrefix accepts either a CIDR prefix or a bare address.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func minuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
