package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/smtp"

	"github.com/hibiken/asynq"

	"github.com/bastion-sec/bastion/internal/observability"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAlertNotify carries one critical alert to the operator mailbox.
	TaskTypeAlertNotify = "alert:notify"
)

// NewAlertNotifyTask constructs an Asynq task for a critical alert.
func NewAlertNotifyTask(ev observability.AlertEvent) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAlertNotify, data), nil
}

// Notifier enqueues critical alerts for asynchronous delivery. It implements
// observability.AlertNotifier so alerting never blocks the operation path.
type Notifier struct {
	client *asynq.Client
}

// NewNotifier constructs a Notifier.
func NewNotifier(client *asynq.Client) *Notifier {
	return &Notifier{client: client}
}

// NotifyCritical enqueues the event on the default queue.
func (n *Notifier) NotifyCritical(ctx context.Context, ev observability.AlertEvent) error {
	if n == nil || n.client == nil {
		return nil
	}
	task, err := NewAlertNotifyTask(ev)
	if err != nil {
		return err
	}
	_, err = n.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(5))
	return err
}

// MailerConfig holds SMTP delivery settings for alert mail.
type MailerConfig struct {
	Host string
	Port int
	From string
	To   string
}

// NewAlertNotifyHandler returns the worker handler delivering critical alerts
// by mail. With no recipient configured the alert is logged and acked.
func NewAlertNotifyHandler(cfg MailerConfig, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var ev observability.AlertEvent
		if err := json.Unmarshal(task.Payload(), &ev); err != nil {
			return asynq.SkipRetry
		}
		if cfg.To == "" {
			logger.Warn("no alert recipient configured, dropping notification",
				slog.String("source", ev.Source),
				slog.String("summary", ev.Summary),
			)
			return nil
		}
		msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [bastion] critical: %s\r\n\r\nsource: %s\noperation: %s\ncorrelation: %s\nat: %s\n",
			cfg.From, cfg.To, ev.Summary, ev.Source, ev.OperationID, ev.CorrelationID, ev.At.Format("2006-01-02T15:04:05Z07:00"))
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		if err := smtp.SendMail(addr, nil, cfg.From, []string{cfg.To}, []byte(msg)); err != nil {
			return fmt.Errorf("jobs: send alert mail: %w", err)
		}
		logger.Info("alert notification delivered",
			slog.String("summary", ev.Summary),
			slog.String("operation_id", ev.OperationID),
		)
		return nil
	}
}
