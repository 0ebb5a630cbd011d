// Package audit defines the append-only audit trail every protected
// operation writes exactly one record to.
package audit

import (
	"context"
	"time"
)

// Status summarizes how an operation attempt ended.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusDenied           Status = "denied"
	StatusValidationFailed Status = "validation_failed"
	StatusResultRejected   Status = "result_rejected"
	StatusFailed           Status = "failed"
)

// Record is immutable once persisted. Exactly one record exists per
// operation attempt, keyed by operation id for idempotent replay.
type Record struct {
	OperationID   string         `json:"operation_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	PrincipalID   string         `json:"principal_id"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	Status        Status         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	DecisionID    string         `json:"decision_id,omitempty"`
	GrantID       int64          `json:"grant_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	Diagnostics   map[string]any `json:"diagnostics,omitempty"`
	Duration      time.Duration  `json:"duration_ns"`
	At            time.Time      `json:"at"`
}

// Sink receives audit records. Append must either be durable before
// returning or hand the record to a queue with at-least-once delivery keyed
// by operation id.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}
