package observability

import (
	"context"
	"log/slog"
	"time"
)

// AlertEvent describes one alert-worthy occurrence.
type AlertEvent struct {
	Source        string         `json:"source"`
	Summary       string         `json:"summary"`
	OperationID   string         `json:"operation_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	At            time.Time      `json:"at"`
}

// AlertSink receives warning and critical events from the executor.
type AlertSink interface {
	Critical(ctx context.Context, ev AlertEvent)
	Warning(ctx context.Context, ev AlertEvent)
}

// AlertNotifier is the enqueue hook the LogAlertSink fans critical events out
// through; the worker turns them into operator mail.
type AlertNotifier interface {
	NotifyCritical(ctx context.Context, ev AlertEvent) error
}

// LogAlertSink logs every alert and forwards critical ones to the notifier.
// Alerting must never fail an operation; notifier errors are logged only.
type LogAlertSink struct {
	logger   *slog.Logger
	notifier AlertNotifier
}

// NewLogAlertSink constructs a LogAlertSink. notifier may be nil.
func NewLogAlertSink(logger *slog.Logger, notifier AlertNotifier) *LogAlertSink {
	return &LogAlertSink{logger: logger, notifier: notifier}
}

// Critical logs at error level and enqueues operator notification.
func (s *LogAlertSink) Critical(ctx context.Context, ev AlertEvent) {
	if s.logger != nil {
		s.logger.Error("critical alert",
			slog.String("source", ev.Source),
			slog.String("summary", ev.Summary),
			slog.String("operation_id", ev.OperationID),
			slog.String("correlation_id", ev.CorrelationID),
		)
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyCritical(ctx, ev); err != nil && s.logger != nil {
			s.logger.Error("alert notification failed", slog.Any("error", err))
		}
	}
}

// Warning logs at warn level.
func (s *LogAlertSink) Warning(ctx context.Context, ev AlertEvent) {
	if s.logger != nil {
		s.logger.Warn("alert",
			slog.String("source", ev.Source),
			slog.String("summary", ev.Summary),
			slog.String("operation_id", ev.OperationID),
		)
	}
}
