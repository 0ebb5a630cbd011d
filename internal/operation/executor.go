package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bastion-sec/bastion/internal/audit"
	"github.com/bastion-sec/bastion/internal/authz"
	"github.com/bastion-sec/bastion/internal/observability"
	"github.com/bastion-sec/bastion/internal/platform/db"
	"github.com/bastion-sec/bastion/internal/shared"
)

// Executor orchestrates protected operations. All collaborators are injected
// at construction; there is no ambient global state.
type Executor struct {
	engine    *authz.Engine
	sessions  SessionValidator
	scope     db.Scope
	auditSink audit.Sink
	metrics   MetricsSink
	alerts    observability.AlertSink
	validate  *validator.Validate
	logger    *slog.Logger
	timeout   time.Duration
	emergency []EmergencyProtocol
	pool      *pgxpool.Pool
	now       func() time.Time
}

// Config collects the executor's collaborators. Engine, Scope and AuditSink
// are required; the rest may be nil.
type Config struct {
	Engine      *authz.Engine
	Sessions    SessionValidator
	Scope       db.Scope
	AuditSink   audit.Sink
	Metrics     MetricsSink
	Alerts      observability.AlertSink
	Logger      *slog.Logger
	ExecTimeout time.Duration
	// Pool feeds connection stats into failure snapshots; optional.
	Pool *pgxpool.Pool
}

// NewExecutor constructs an Executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Engine == nil {
		return nil, errors.New("operation: engine required")
	}
	if cfg.Scope == nil {
		return nil, errors.New("operation: transaction scope required")
	}
	if cfg.AuditSink == nil {
		return nil, errors.New("operation: audit sink required")
	}
	timeout := cfg.ExecTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		engine:    cfg.Engine,
		sessions:  cfg.Sessions,
		scope:     cfg.Scope,
		auditSink: cfg.AuditSink,
		metrics:   cfg.Metrics,
		alerts:    cfg.Alerts,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    cfg.Logger,
		timeout:   timeout,
		pool:      cfg.Pool,
		now:       time.Now,
	}, nil
}

// RegisterEmergencyProtocol appends a callback run after critical failures.
func (ex *Executor) RegisterEmergencyProtocol(p EmergencyProtocol) {
	ex.emergency = append(ex.emergency, p)
}

// Execute runs one protected operation. Any failure before EXECUTING never
// opens a transaction; any failure after it rolls back. Exactly one audit
// record is written per attempt, and the returned error is always one of the
// kernel's kinds.
func Execute[T any](ctx context.Context, ex *Executor, opCtx Context, body Body[T], post PostCondition[T]) (Result[T], error) {
	start := ex.now()
	if opCtx.OperationID == "" {
		opCtx.OperationID = uuid.NewString()
	}
	if opCtx.At.IsZero() {
		opCtx.At = start
	}
	res := Result[T]{OperationID: opCtx.OperationID, State: StateInitiated}

	// VALIDATING: session, authorization, payload shape. Cancellation is
	// honored here and nowhere later.
	res.State = StateValidating
	if err := ctx.Err(); err != nil {
		kerr := shared.NewError(shared.KindValidation, "cancelled before execution", err)
		return fail(ctx, ex, opCtx, res, audit.StatusValidationFailed, start, kerr, nil)
	}

	principal := opCtx.Principal
	if opCtx.SessionID != "" {
		if ex.sessions == nil {
			kerr := shared.System("no session validator configured", nil)
			return fail(ctx, ex, opCtx, res, audit.StatusFailed, start, kerr, nil)
		}
		p, err := ex.sessions.Validate(ctx, opCtx.SessionID)
		if err != nil {
			kerr := coerce(err, shared.KindAuthorization, "session validation failed")
			return fail(ctx, ex, opCtx, res, audit.StatusDenied, start, kerr, nil)
		}
		principal = p
		opCtx.Principal = p
	}
	if principal.ID == "" {
		kerr := shared.Authorization("no principal")
		return fail(ctx, ex, opCtx, res, audit.StatusDenied, start, kerr, nil)
	}

	decision := ex.engine.CheckAccess(ctx, authz.Request{
		Principal:     principal,
		Action:        opCtx.Action,
		Resource:      opCtx.Resource,
		ResourceAttrs: opCtx.ResourceAttrs,
		IP:            opCtx.IP,
		SessionID:     opCtx.SessionID,
		Environment:   opCtx.Environment,
		At:            opCtx.At,
	})
	res.Decision = decision
	if !decision.Permitted() {
		kerr := shared.Authorization(decision.Reason)
		return fail(ctx, ex, opCtx, res, audit.StatusDenied, start, kerr, nil)
	}

	if err := ex.validatePayload(opCtx.Payload); err != nil {
		return fail(ctx, ex, opCtx, res, audit.StatusValidationFailed, start, err, nil)
	}

	// Open the transaction, or take a savepoint when already inside one.
	var (
		tx        db.Tx
		savepoint string
	)
	if outer, nested := txFromContext(ctx); nested {
		tx = outer
		savepoint = "sp_" + strings.ReplaceAll(opCtx.OperationID, "-", "")
		if err := tx.Savepoint(ctx, savepoint); err != nil {
			kerr := shared.Transient("savepoint failed", err)
			return fail(ctx, ex, opCtx, res, audit.StatusFailed, start, kerr, nil)
		}
	} else {
		opened, err := ex.scope.Begin(ctx)
		if err != nil {
			kerr := shared.Transient("transaction begin failed", err)
			return fail(ctx, ex, opCtx, res, audit.StatusFailed, start, kerr, nil)
		}
		tx = opened
	}

	// EXECUTING: the body runs to completion under the execution timeout;
	// the caller's cancellation no longer applies. The acting principal id
	// rides the body context so nested operations and body logging can
	// attribute their work.
	res.State = StateExecuting
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ex.timeout)
	bodyCtx := shared.ContextWithPrincipalID(contextWithTx(execCtx, tx), principal.ID)
	value, bodyErr := runBody(bodyCtx, tx, body)
	timedOut := execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	if bodyErr != nil || timedOut {
		kerr := classifyBodyError(bodyErr, timedOut)
		ex.rollback(ctx, tx, savepoint)
		res.State = StateRolledBack
		return fail(ctx, ex, opCtx, res, audit.StatusFailed, start, kerr, systemSnapshot(ex.pool))
	}

	// RESULT_VALIDATING: post-condition gate before commit.
	res.State = StateResultValidating
	if post != nil {
		if err := post(value); err != nil {
			ex.rollback(ctx, tx, savepoint)
			res.State = StateRolledBack
			kerr := shared.NewError(shared.KindResultValidation, "post-condition violated", err)
			return fail(ctx, ex, opCtx, res, audit.StatusResultRejected, start, kerr, nil)
		}
	}

	if savepoint == "" {
		if err := tx.Commit(ctx); err != nil {
			res.State = StateRolledBack
			kerr := shared.System("commit failed", err)
			return fail(ctx, ex, opCtx, res, audit.StatusFailed, start, kerr, systemSnapshot(ex.pool))
		}
	}
	res.State = StateCommitted
	res.Status = audit.StatusSuccess
	res.Value = value
	res.Duration = ex.now().Sub(start)

	ex.append(ctx, audit.Record{
		OperationID:   opCtx.OperationID,
		CorrelationID: shared.RequestIDFromContext(ctx),
		PrincipalID:   principal.ID,
		Action:        opCtx.Action,
		Resource:      opCtx.Resource,
		Status:        audit.StatusSuccess,
		DecisionID:    decision.ID,
		GrantID:       decision.GrantID,
		Duration:      res.Duration,
		At:            opCtx.At,
	})
	if ex.metrics != nil {
		ex.metrics.Operation(string(audit.StatusSuccess), opCtx.Action, res.Duration)
	}
	return res, nil
}

// runBody isolates panic recovery so an aborting body still rolls back.
func runBody[T any](ctx context.Context, tx db.Tx, body Body[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = shared.System(fmt.Sprintf("operation body panicked: %v", r), nil)
		}
	}()
	return body(ctx, tx)
}

// fail finalizes a failed attempt: audit once, emit metrics, alert and run
// the emergency protocol when critical, and surface the structured error.
// Free function because Go methods cannot carry type parameters.
func fail[T any](ctx context.Context, ex *Executor, opCtx Context, res Result[T], status audit.Status, start time.Time, kerr *shared.Error, diagnostics map[string]any) (Result[T], error) {
	if res.State != StateRolledBack {
		// No transaction was opened; the rolled-back state is reached
		// without touching the store.
		res.State = StateRolledBack
	}
	res.Status = status
	res.Duration = ex.now().Sub(start)

	// Attribution for failures before principal resolution falls back to
	// the enclosing operation's actor carried on the context.
	principalID := opCtx.Principal.ID
	if principalID == "" {
		principalID = shared.PrincipalIDFromContext(ctx)
	}

	severity := classifySeverity(kerr)
	ex.append(ctx, audit.Record{
		OperationID:   opCtx.OperationID,
		CorrelationID: kerr.CorrelationID,
		PrincipalID:   principalID,
		Action:        opCtx.Action,
		Resource:      opCtx.Resource,
		Status:        status,
		Reason:        kerr.Reason,
		DecisionID:    res.Decision.ID,
		Error:         kerr.Error(),
		Severity:      string(severity),
		Diagnostics:   diagnostics,
		Duration:      res.Duration,
		At:            opCtx.At,
	})
	if ex.metrics != nil {
		ex.metrics.Operation(string(status), opCtx.Action, res.Duration)
	}
	if kerr.Kind == shared.KindSystem && ex.alerts != nil {
		ev := observability.AlertEvent{
			Source:        "operation",
			Summary:       kerr.Reason,
			OperationID:   opCtx.OperationID,
			CorrelationID: kerr.CorrelationID,
			Detail:        diagnostics,
			At:            ex.now(),
		}
		if severity == SeverityCritical {
			ex.alerts.Critical(ctx, ev)
		} else {
			ex.alerts.Warning(ctx, ev)
		}
	}
	if severity == SeverityCritical {
		for _, protocol := range ex.emergency {
			protocol(ctx, opCtx, kerr)
		}
	}
	if ex.logger != nil {
		ex.logger.Warn("operation failed",
			slog.String("operation_id", opCtx.OperationID),
			slog.String("action", opCtx.Action),
			slog.String("status", string(status)),
			slog.String("kind", string(kerr.Kind)),
		)
	}
	return res, kerr
}

func (ex *Executor) rollback(ctx context.Context, tx db.Tx, savepoint string) {
	var err error
	if savepoint != "" {
		err = tx.RollbackToSavepoint(ctx, savepoint)
	} else {
		err = tx.Rollback(ctx)
	}
	if err != nil && ex.logger != nil {
		ex.logger.Error("rollback failed", slog.Any("error", err))
	}
}

// append writes the attempt's single audit record. A sink failure is logged
// and alerted but does not change the operation outcome; losing the record
// silently would.
func (ex *Executor) append(ctx context.Context, rec audit.Record) {
	if err := ex.auditSink.Append(ctx, rec); err != nil {
		if ex.logger != nil {
			ex.logger.Error("audit append failed",
				slog.String("operation_id", rec.OperationID),
				slog.Any("error", err),
			)
		}
		if ex.alerts != nil {
			ex.alerts.Critical(ctx, observability.AlertEvent{
				Source:      "audit",
				Summary:     "audit append failed",
				OperationID: rec.OperationID,
				At:          ex.now(),
			})
		}
	}
}

// validatePayload checks the structural shape of struct payloads with
// validator tags. Non-struct payloads pass; shape rules for them belong to
// the body.
func (ex *Executor) validatePayload(payload any) *shared.Error {
	if payload == nil {
		return nil
	}
	v := reflect.ValueOf(payload)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return shared.Validation("nil payload pointer", nil)
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	if err := ex.validate.Struct(v.Interface()); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			return shared.Validation("payload shape invalid", fields)
		}
		return shared.Validation("payload shape invalid", nil)
	}
	return nil
}

func classifyBodyError(err error, timedOut bool) *shared.Error {
	if timedOut {
		return shared.System("execution timeout exceeded", context.DeadlineExceeded)
	}
	var kerr *shared.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	return shared.System("operation body failed", err)
}

// classifySeverity marks system failures critical; everything else is a
// warning-level outcome already expressed as data.
func classifySeverity(kerr *shared.Error) Severity {
	if kerr.Kind == shared.KindSystem {
		return SeverityCritical
	}
	return SeverityWarning
}

func coerce(err error, kind shared.Kind, reason string) *shared.Error {
	var kerr *shared.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	return shared.NewError(kind, reason, err)
}
