package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/bastion-sec/bastion/internal/app"
	"github.com/bastion-sec/bastion/internal/audit"
	"github.com/bastion-sec/bastion/internal/platform/db"
	"github.com/bastion-sec/bastion/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:  asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:     logger,
		AuditQueue: cfg.AuditQueue,
		Handlers: []jobs.TaskHandler{
			{Type: audit.TaskTypeAppend, Handler: audit.NewAppendHandler(audit.NewPgSink(pool))},
			{Type: jobs.TaskTypeAlertNotify, Handler: jobs.NewAlertNotifyHandler(jobs.MailerConfig{
				Host: cfg.SMTPHost,
				Port: cfg.SMTPPort,
				From: cfg.SMTPFrom,
				To:   cfg.AlertEmail,
			}, logger)},
			{Type: jobs.TaskTypeGrantSweep, Handler: jobs.NewGrantSweepHandler(pool, logger)},
			{Type: jobs.TaskTypeAuditPrune, Handler: jobs.NewAuditPruneHandler(pool, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: asynq.NewTask(jobs.TaskTypeGrantSweep, nil), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 3 * * *", Task: asynq.NewTask(jobs.TaskTypeAuditPrune, nil), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
