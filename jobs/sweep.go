package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// TaskTypeGrantSweep purges grants whose validity window has closed.
	TaskTypeGrantSweep = "grants:sweep"
	// TaskTypeAuditPrune trims audit records past the retention horizon.
	TaskTypeAuditPrune = "audit:prune"
)

// Expired grants stay out of decisions through Validity checks regardless;
// the sweep just keeps the table and the boot-time load small.
const grantSweepGrace = 24 * time.Hour

const auditRetention = 90 * 24 * time.Hour

// NewGrantSweepHandler returns the cron handler deleting long-expired grants.
func NewGrantSweepHandler(pool *pgxpool.Pool, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		cutoff := time.Now().UTC().Add(-grantSweepGrace)
		tag, err := pool.Exec(ctx,
			`DELETE FROM grants WHERE valid_until IS NOT NULL AND valid_until < $1`, cutoff)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			logger.Info("swept expired grants", slog.Int64("count", tag.RowsAffected()))
		}
		return nil
	}
}

// NewAuditPruneHandler returns the cron handler applying audit retention.
func NewAuditPruneHandler(pool *pgxpool.Pool, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		cutoff := time.Now().UTC().Add(-auditRetention)
		tag, err := pool.Exec(ctx, `DELETE FROM audit_records WHERE occurred_at < $1`, cutoff)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			logger.Info("pruned audit records", slog.Int64("count", tag.RowsAffected()))
		}
		return nil
	}
}
