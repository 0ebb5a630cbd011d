package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSink writes records into audit_records, durable before return. The
// primary key on operation_id makes replay from the queue idempotent: a
// duplicate append is a no-op, not an error.
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink returns a PgSink.
func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// Append persists the record.
func (s *PgSink) Append(ctx context.Context, rec Record) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: sink not initialised")
	}
	if rec.OperationID == "" || rec.PrincipalID == "" || rec.Action == "" {
		return errors.New("audit: record requires operation_id/principal_id/action")
	}
	diagJSON, err := json.Marshal(rec.Diagnostics)
	if err != nil {
		return fmt.Errorf("audit: marshal diagnostics: %w", err)
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_records
			(operation_id, correlation_id, principal_id, action, resource, status, reason,
			 decision_id, grant_id, error, severity, diagnostics, duration_ns, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.OperationID, rec.CorrelationID, rec.PrincipalID, rec.Action, rec.Resource,
		string(rec.Status), rec.Reason, rec.DecisionID, rec.GrantID, rec.Error,
		rec.Severity, diagJSON, rec.Duration.Nanoseconds(), at)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Already appended for this operation id.
			return nil
		}
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// MemorySink keeps records in memory. Tests and cold-boot paths use it.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores the record, deduplicating on operation id.
func (s *MemorySink) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.OperationID == rec.OperationID {
			return nil
		}
	}
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}
