package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindMatchingThroughWrapping(t *testing.T) {
	inner := Authorization("no grant")
	wrapped := fmt.Errorf("handler: %w", inner)

	if !errors.Is(wrapped, ErrAuthorization) {
		t.Fatalf("expected kind match through wrapping")
	}
	if errors.Is(wrapped, ErrValidation) {
		t.Fatalf("kinds must not cross-match")
	}
}

func TestKindOfDefaultsToSystem(t *testing.T) {
	if KindOf(errors.New("anonymous")) != KindSystem {
		t.Fatalf("unclassified errors are system failures")
	}
	if KindOf(Transient("away", nil)) != KindTransient {
		t.Fatalf("expected transient kind")
	}
}

func TestCorrelationIDAssignedAndExtractable(t *testing.T) {
	kerr := System("boom", nil)
	if kerr.CorrelationID == "" {
		t.Fatalf("expected correlation id")
	}
	wrapped := fmt.Errorf("outer: %w", kerr)
	if CorrelationIDOf(wrapped) != kerr.CorrelationID {
		t.Fatalf("correlation id must survive wrapping")
	}
	if CorrelationIDOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors have no correlation id")
	}
}

func TestErrorStringIncludesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	kerr := Transient("redis away", cause)
	msg := kerr.Error()
	if msg != "transient_infrastructure: redis away: connection refused" {
		t.Fatalf("unexpected message %q", msg)
	}
	if !errors.Is(kerr, cause) {
		t.Fatalf("cause must unwrap")
	}
}
