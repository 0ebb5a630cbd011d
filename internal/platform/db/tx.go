package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Scope opens transactions for the operation executor. The kernel requires
// atomic commit/rollback plus savepoint support for nested invocations and
// assumes no isolation level beyond what the store provides.
type Scope interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one open transaction.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
}

// PgxScope backs Scope with a pgx connection pool.
type PgxScope struct {
	pool *pgxpool.Pool
	opts pgx.TxOptions
}

// NewPgxScope constructs a Scope using the RepeatableRead isolation level.
func NewPgxScope(pool *pgxpool.Pool) *PgxScope {
	return &PgxScope{pool: pool, opts: pgx.TxOptions{IsoLevel: pgx.RepeatableRead}}
}

// Begin opens a transaction.
func (s *PgxScope) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, s.opts)
	if err != nil {
		return nil, fmt.Errorf("platform/db: begin tx: %w", err)
	}
	return &pgxTx{tx: tx}, nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.tx.Exec(ctx, sql, args...)
}

func (t *pgxTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("platform/db: rollback tx: %w", err)
	}
	return nil
}

var savepointName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func (t *pgxTx) Savepoint(ctx context.Context, name string) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("platform/db: invalid savepoint name %q", name)
	}
	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("platform/db: savepoint %s: %w", name, err)
	}
	return nil
}

func (t *pgxTx) RollbackToSavepoint(ctx context.Context, name string) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("platform/db: invalid savepoint name %q", name)
	}
	if _, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("platform/db: rollback to savepoint %s: %w", name, err)
	}
	return nil
}
