package operation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bastion-sec/bastion/internal/audit"
	"github.com/bastion-sec/bastion/internal/authz"
	"github.com/bastion-sec/bastion/internal/observability"
	"github.com/bastion-sec/bastion/internal/platform/db"
	"github.com/bastion-sec/bastion/internal/shared"
)

type stubTx struct {
	mu          sync.Mutex
	execs       []string
	commits     int
	rollbacks   int
	savepoints  []string
	spRollbacks []string
}

func (t *stubTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.execs = append(t.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (t *stubTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commits++
	return nil
}

func (t *stubTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbacks++
	return nil
}

func (t *stubTx) Savepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.savepoints = append(t.savepoints, name)
	return nil
}

func (t *stubTx) RollbackToSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spRollbacks = append(t.spRollbacks, name)
	return nil
}

type stubScope struct {
	mu     sync.Mutex
	begins int
	tx     *stubTx
}

func (s *stubScope) Begin(ctx context.Context) (db.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	return s.tx, nil
}

type recordingAlerts struct {
	mu        sync.Mutex
	criticals []observability.AlertEvent
	warnings  []observability.AlertEvent
}

func (a *recordingAlerts) Critical(ctx context.Context, ev observability.AlertEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.criticals = append(a.criticals, ev)
}

func (a *recordingAlerts) Warning(ctx context.Context, ev observability.AlertEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warnings = append(a.warnings, ev)
}

type stubSessions struct {
	principal authz.Principal
	err       error
}

func (s *stubSessions) Validate(ctx context.Context, sessionID string) (authz.Principal, error) {
	if s.err != nil {
		return authz.Principal{}, s.err
	}
	return s.principal, nil
}

// permitEngine grants ops.test directly to alice; bob holds nothing.
func permitEngine(t *testing.T) *authz.Engine {
	t.Helper()
	catalog := authz.NewCatalog()
	if _, err := catalog.Register("ops.test", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	registry := authz.NewRegistry(catalog, nil)
	if _, err := registry.Grant(context.Background(), authz.GrantTarget{PrincipalID: "alice"}, "ops.test", nil, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	return authz.NewEngine(authz.EngineConfig{Catalog: catalog, Registry: registry})
}

type fixture struct {
	executor *Executor
	scope    *stubScope
	tx       *stubTx
	sink     *audit.MemorySink
	alerts   *recordingAlerts
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	tx := &stubTx{}
	scope := &stubScope{tx: tx}
	sink := audit.NewMemorySink()
	alerts := &recordingAlerts{}
	cfg := Config{
		Engine:    permitEngine(t),
		Scope:     scope,
		AuditSink: sink,
		Alerts:    alerts,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ex, err := NewExecutor(cfg)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return &fixture{executor: ex, scope: scope, tx: tx, sink: sink, alerts: alerts}
}

func aliceContext(action string) Context {
	return Context{
		Principal: authz.Principal{ID: "alice"},
		Action:    action,
		Resource:  "doc-1",
	}
}

func TestExecuteSuccessCommitsAndAuditsOnce(t *testing.T) {
	f := newFixture(t, nil)
	res, err := Execute(context.Background(), f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (int, error) { return 42, nil }, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != 42 {
		t.Fatalf("expected value 42, got %d", res.Value)
	}
	if res.State != StateCommitted {
		t.Fatalf("expected committed state, got %s", res.State)
	}
	if f.tx.commits != 1 || f.tx.rollbacks != 0 {
		t.Fatalf("expected single commit, got commits=%d rollbacks=%d", f.tx.commits, f.tx.rollbacks)
	}

	recs := f.sink.Records()
	if len(recs) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(recs))
	}
	if recs[0].Status != audit.StatusSuccess {
		t.Fatalf("expected success record, got %s", recs[0].Status)
	}
	if recs[0].DecisionID == "" || recs[0].GrantID == 0 {
		t.Fatalf("success record must reference the permitting decision and grant")
	}
}

func TestExecuteDenyNeverOpensTransaction(t *testing.T) {
	f := newFixture(t, nil)
	opCtx := Context{Principal: authz.Principal{ID: "bob"}, Action: "ops.test"}

	bodyRan := false
	_, err := Execute(context.Background(), f.executor, opCtx,
		func(ctx context.Context, tx db.Tx) (int, error) { bodyRan = true; return 0, nil }, nil)
	if !errors.Is(err, shared.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if bodyRan {
		t.Fatalf("body must not run on deny")
	}
	if f.scope.begins != 0 {
		t.Fatalf("deny must not open a transaction, begins=%d", f.scope.begins)
	}

	recs := f.sink.Records()
	if len(recs) != 1 || recs[0].Status != audit.StatusDenied {
		t.Fatalf("expected one denied record, got %+v", recs)
	}
	if len(f.alerts.criticals) != 0 {
		t.Fatalf("ordinary deny must not alert")
	}
}

func TestExecuteBodyErrorRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	bodyErr := errors.New("insert failed")

	_, err := Execute(context.Background(), f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (int, error) { return 0, bodyErr }, nil)
	if !errors.Is(err, shared.ErrSystem) {
		t.Fatalf("expected system failure, got %v", err)
	}
	if f.tx.rollbacks != 1 || f.tx.commits != 0 {
		t.Fatalf("expected rollback, got commits=%d rollbacks=%d", f.tx.commits, f.tx.rollbacks)
	}

	recs := f.sink.Records()
	if len(recs) != 1 || recs[0].Status != audit.StatusFailed {
		t.Fatalf("expected one failed record, got %+v", recs)
	}
	if recs[0].Diagnostics == nil {
		t.Fatalf("system failure record must carry a diagnostic snapshot")
	}
	if len(f.alerts.criticals) != 1 {
		t.Fatalf("system failure must raise a critical alert, got %d", len(f.alerts.criticals))
	}
}

func TestExecuteTransientBodyErrorIsNotCritical(t *testing.T) {
	f := newFixture(t, nil)
	_, err := Execute(context.Background(), f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (int, error) {
			return 0, shared.Transient("store briefly away", nil)
		}, nil)
	if !errors.Is(err, shared.ErrTransient) {
		t.Fatalf("expected transient error preserved, got %v", err)
	}
	if f.tx.rollbacks != 1 {
		t.Fatalf("expected rollback")
	}
	if len(f.alerts.criticals) != 0 {
		t.Fatalf("transient failure must not page anyone")
	}
}

func TestExecutePostConditionRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	_, err := Execute(context.Background(), f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (int, error) { return -1, nil },
		func(v int) error {
			if v < 0 {
				return errors.New("negative balance")
			}
			return nil
		})
	if !errors.Is(err, shared.ErrResultValidation) {
		t.Fatalf("expected result validation error, got %v", err)
	}
	if f.tx.rollbacks != 1 || f.tx.commits != 0 {
		t.Fatalf("post-condition violation must roll back, commits=%d rollbacks=%d", f.tx.commits, f.tx.rollbacks)
	}
	recs := f.sink.Records()
	if len(recs) != 1 || recs[0].Status != audit.StatusResultRejected {
		t.Fatalf("expected result rejected record, got %+v", recs)
	}
}

func TestExecutePanicRecoversAndRunsEmergencyProtocol(t *testing.T) {
	f := newFixture(t, nil)
	protocolRan := 0
	f.executor.RegisterEmergencyProtocol(func(ctx context.Context, opCtx Context, cause error) {
		protocolRan++
	})

	_, err := Execute(context.Background(), f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (int, error) { panic("boom") }, nil)
	if !errors.Is(err, shared.ErrSystem) {
		t.Fatalf("expected system failure, got %v", err)
	}
	if f.tx.rollbacks != 1 {
		t.Fatalf("panic must roll back")
	}
	if protocolRan != 1 {
		t.Fatalf("expected emergency protocol once, ran %d times", protocolRan)
	}
	if len(f.alerts.criticals) != 1 {
		t.Fatalf("expected critical alert")
	}
}

func TestExecuteTimeoutIsSystemFailure(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.ExecTimeout = 10 * time.Millisecond })
	_, err := Execute(context.Background(), f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (int, error) {
			time.Sleep(50 * time.Millisecond)
			return 1, nil
		}, nil)
	if !errors.Is(err, shared.ErrSystem) {
		t.Fatalf("expected system failure on timeout, got %v", err)
	}
	if f.tx.rollbacks != 1 || f.tx.commits != 0 {
		t.Fatalf("timeout must roll back, commits=%d rollbacks=%d", f.tx.commits, f.tx.rollbacks)
	}
}

func TestExecuteIgnoresCallerCancellationMidFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	res, err := Execute(ctx, f.executor, aliceContext("ops.test"),
		func(bodyCtx context.Context, tx db.Tx) (int, error) {
			cancel()
			// The body context must survive the caller's cancellation.
			if bodyCtx.Err() != nil {
				return 0, bodyCtx.Err()
			}
			return 7, nil
		}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != 7 || f.tx.commits != 1 {
		t.Fatalf("operation must run to completion after cancel")
	}
}

func TestExecuteCancelledBeforeStartNeverBegins(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Execute(ctx, f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (int, error) { return 0, nil }, nil)
	if !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.scope.begins != 0 {
		t.Fatalf("cancelled operation must not open a transaction")
	}
}

func TestExecuteValidatesStructPayloads(t *testing.T) {
	type payload struct {
		Amount int `validate:"required,gt=0"`
	}
	f := newFixture(t, nil)
	opCtx := aliceContext("ops.test")
	opCtx.Payload = payload{}

	_, err := Execute(context.Background(), f.executor, opCtx,
		func(ctx context.Context, tx db.Tx) (int, error) { return 0, nil }, nil)
	if !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.scope.begins != 0 {
		t.Fatalf("invalid payload must not open a transaction")
	}
	recs := f.sink.Records()
	if len(recs) != 1 || recs[0].Status != audit.StatusValidationFailed {
		t.Fatalf("expected validation failed record, got %+v", recs)
	}

	opCtx = aliceContext("ops.test")
	opCtx.Payload = payload{Amount: 5}
	if _, err := Execute(context.Background(), f.executor, opCtx,
		func(ctx context.Context, tx db.Tx) (int, error) { return 0, nil }, nil); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}

func TestExecuteNestedTakesSavepoint(t *testing.T) {
	f := newFixture(t, nil)
	outer := aliceContext("ops.test")

	res, err := Execute(context.Background(), f.executor, outer,
		func(ctx context.Context, tx db.Tx) (string, error) {
			inner, err := Execute(ctx, f.executor, aliceContext("ops.test"),
				func(ctx context.Context, tx db.Tx) (string, error) { return "inner", nil }, nil)
			if err != nil {
				return "", err
			}
			return "outer+" + inner.Value, nil
		}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != "outer+inner" {
		t.Fatalf("unexpected value %q", res.Value)
	}
	if f.scope.begins != 1 {
		t.Fatalf("nested invocation must reuse the outer transaction, begins=%d", f.scope.begins)
	}
	if len(f.tx.savepoints) != 1 || !strings.HasPrefix(f.tx.savepoints[0], "sp_") {
		t.Fatalf("expected one savepoint, got %v", f.tx.savepoints)
	}
	if f.tx.commits != 1 {
		t.Fatalf("expected single outer commit, got %d", f.tx.commits)
	}
	if len(f.sink.Records()) != 2 {
		t.Fatalf("each invocation audits once, got %d records", len(f.sink.Records()))
	}
}

func TestExecuteNestedFailureRollsBackToSavepoint(t *testing.T) {
	f := newFixture(t, nil)

	res, err := Execute(context.Background(), f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (string, error) {
			_, innerErr := Execute(ctx, f.executor, aliceContext("ops.test"),
				func(ctx context.Context, tx db.Tx) (string, error) {
					return "", errors.New("inner failed")
				}, nil)
			if innerErr == nil {
				return "", errors.New("expected inner failure")
			}
			// The outer operation absorbs the inner failure and proceeds.
			return "recovered", nil
		}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != "recovered" {
		t.Fatalf("unexpected value %q", res.Value)
	}
	if len(f.tx.spRollbacks) != 1 {
		t.Fatalf("inner failure must roll back to its savepoint, got %v", f.tx.spRollbacks)
	}
	if f.tx.rollbacks != 0 || f.tx.commits != 1 {
		t.Fatalf("outer transaction must survive, commits=%d rollbacks=%d", f.tx.commits, f.tx.rollbacks)
	}
}

func TestExecuteSessionResolvesPrincipal(t *testing.T) {
	sessions := &stubSessions{principal: authz.Principal{ID: "alice"}}
	f := newFixture(t, func(cfg *Config) { cfg.Sessions = sessions })

	opCtx := Context{SessionID: "sess-1", Action: "ops.test"}
	res, err := Execute(context.Background(), f.executor, opCtx,
		func(ctx context.Context, tx db.Tx) (int, error) { return 1, nil }, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Decision.PrincipalID != "alice" {
		t.Fatalf("expected session principal on decision, got %q", res.Decision.PrincipalID)
	}

	sessions.err = shared.Authorization("session not found or expired")
	_, err = Execute(context.Background(), f.executor, Context{SessionID: "sess-2", Action: "ops.test"},
		func(ctx context.Context, tx db.Tx) (int, error) { return 0, nil }, nil)
	if !errors.Is(err, shared.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestExecuteWithoutPrincipalOrSessionDenied(t *testing.T) {
	f := newFixture(t, nil)
	_, err := Execute(context.Background(), f.executor, Context{Action: "ops.test"},
		func(ctx context.Context, tx db.Tx) (int, error) { return 0, nil }, nil)
	if !errors.Is(err, shared.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestExecuteBodySeesActingPrincipal(t *testing.T) {
	f := newFixture(t, nil)
	var seen string
	_, err := Execute(context.Background(), f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (int, error) {
			seen = shared.PrincipalIDFromContext(ctx)
			return 1, nil
		}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seen != "alice" {
		t.Fatalf("body context must carry the acting principal, got %q", seen)
	}
}

func TestExecuteSuccessRecordCarriesRequestCorrelation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := shared.ContextWithRequestID(context.Background(), "req-7")
	_, err := Execute(ctx, f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (int, error) { return 1, nil }, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	recs := f.sink.Records()
	if len(recs) != 1 {
		t.Fatalf("expected one audit record, got %d", len(recs))
	}
	if recs[0].CorrelationID != "req-7" {
		t.Fatalf("success record must correlate to the request, got %q", recs[0].CorrelationID)
	}
}

func TestExecuteNestedDenialAttributedToActor(t *testing.T) {
	f := newFixture(t, nil)
	_, err := Execute(context.Background(), f.executor, aliceContext("ops.test"),
		func(ctx context.Context, tx db.Tx) (int, error) {
			// Inner invocation carries neither session nor principal; it
			// denies, but the record names the enclosing actor.
			_, innerErr := Execute(ctx, f.executor, Context{Action: "ops.test"},
				func(ctx context.Context, tx db.Tx) (int, error) { return 0, nil }, nil)
			if !errors.Is(innerErr, shared.ErrAuthorization) {
				t.Fatalf("expected inner authorization error, got %v", innerErr)
			}
			return 1, nil
		}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var denied *audit.Record
	recs := f.sink.Records()
	for i := range recs {
		if recs[i].Status == audit.StatusDenied {
			denied = &recs[i]
		}
	}
	if denied == nil {
		t.Fatalf("expected a denied audit record")
	}
	if denied.PrincipalID != "alice" {
		t.Fatalf("denied record must name the enclosing actor, got %q", denied.PrincipalID)
	}
}
