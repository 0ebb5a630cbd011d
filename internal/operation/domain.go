// Package operation implements the protected-execution pipeline: every
// state-mutating action runs authorize → transact → validate result →
// audit/alert, and always ends committed or rolled back with exactly one
// audit record.
package operation

import (
	"context"
	"time"

	"github.com/bastion-sec/bastion/internal/audit"
	"github.com/bastion-sec/bastion/internal/authz"
	"github.com/bastion-sec/bastion/internal/platform/db"
)

// State tracks an operation through its lifecycle. Terminal states are
// reached only after the audit record is written.
type State string

const (
	StateInitiated        State = "INITIATED"
	StateValidating       State = "VALIDATING"
	StateExecuting        State = "EXECUTING"
	StateResultValidating State = "RESULT_VALIDATING"
	StateCommitted        State = "COMMITTED"
	StateRolledBack       State = "ROLLED_BACK"
)

// Severity classifies a failure for alerting.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Context describes one operation attempt. Either SessionID or Principal
// must be set; with both, the session wins and Principal is overwritten by
// the validated one.
type Context struct {
	OperationID   string
	SessionID     string
	Principal     authz.Principal
	Action        string
	Resource      string
	ResourceAttrs map[string]string
	IP            string
	Environment   string
	Payload       any
	At            time.Time
}

// Result carries the outcome of one attempt. Err is also returned from
// Execute; it is duplicated here so audit consumers see outcome as data.
type Result[T any] struct {
	OperationID string
	Status      audit.Status
	State       State
	Value       T
	Decision    authz.Decision
	Duration    time.Duration
}

// Body is the caller-supplied work to run inside the transaction. The
// context it receives carries the execution timeout but not the caller's
// cancellation; long bodies needing cancellation must check cooperatively.
type Body[T any] func(ctx context.Context, tx db.Tx) (T, error)

// PostCondition validates the body's result before commit.
type PostCondition[T any] func(value T) error

// SessionValidator resolves a session id to its principal.
type SessionValidator interface {
	Validate(ctx context.Context, sessionID string) (authz.Principal, error)
}

// MetricsSink receives operation metrics.
type MetricsSink interface {
	Operation(status, action string, took time.Duration)
	Record(name string, value float64, tags map[string]string)
}

// EmergencyProtocol runs after a critical failure, e.g. a cache flush or
// session revocation. Protocols must be safe to run concurrently with
// ordinary traffic.
type EmergencyProtocol func(ctx context.Context, opCtx Context, cause error)

type txContextKey struct{}

// contextWithTx marks the context as running inside an open transaction so a
// nested Execute takes a savepoint instead of a second transaction.
func contextWithTx(ctx context.Context, tx db.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFromContext(ctx context.Context) (db.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(db.Tx)
	return tx, ok
}
