package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type stubNotifier struct {
	events []AlertEvent
	err    error
}

func (s *stubNotifier) NotifyCritical(ctx context.Context, ev AlertEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

func TestCriticalForwardsToNotifier(t *testing.T) {
	notifier := &stubNotifier{}
	sink := NewLogAlertSink(slog.Default(), notifier)

	ev := AlertEvent{Source: "operation", Summary: "commit failed", OperationID: "op-1", At: time.Now()}
	sink.Critical(context.Background(), ev)

	if len(notifier.events) != 1 || notifier.events[0].OperationID != "op-1" {
		t.Fatalf("expected forwarded event, got %+v", notifier.events)
	}
}

func TestWarningDoesNotNotify(t *testing.T) {
	notifier := &stubNotifier{}
	sink := NewLogAlertSink(slog.Default(), notifier)

	sink.Warning(context.Background(), AlertEvent{Source: "operation", Summary: "slow"})
	if len(notifier.events) != 0 {
		t.Fatalf("warnings must not page anyone, got %+v", notifier.events)
	}
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	notifier := &stubNotifier{err: errors.New("queue down")}
	sink := NewLogAlertSink(slog.Default(), notifier)

	// Must not panic or propagate; alerting never fails an operation.
	sink.Critical(context.Background(), AlertEvent{Summary: "boom"})
	if len(notifier.events) != 1 {
		t.Fatalf("expected attempted notification")
	}
}
