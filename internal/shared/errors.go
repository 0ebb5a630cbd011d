package shared

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a kernel error for propagation and HTTP mapping.
type Kind string

const (
	// KindValidation marks malformed input the caller can fix.
	KindValidation Kind = "validation"
	// KindAuthorization marks a permission or constraint failure.
	KindAuthorization Kind = "authorization"
	// KindResultValidation marks a post-condition violation after execution.
	KindResultValidation Kind = "result_validation"
	// KindTransient marks momentary infrastructure unavailability, retry-safe.
	KindTransient Kind = "transient_infrastructure"
	// KindSystem marks an unexpected failure, always rolled back and alerted.
	KindSystem Kind = "system_failure"
	// KindConfiguration marks a catalog inconsistency rejected at registration.
	KindConfiguration Kind = "configuration"
)

// Error is the structured error carried across the kernel boundary.
type Error struct {
	Kind          Kind
	Reason        string
	CorrelationID string
	Fields        map[string]string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind so callers can branch on the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks against each kind.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrAuthorization    = &Error{Kind: KindAuthorization}
	ErrResultValidation = &Error{Kind: KindResultValidation}
	ErrTransient        = &Error{Kind: KindTransient}
	ErrSystem           = &Error{Kind: KindSystem}
	ErrConfiguration    = &Error{Kind: KindConfiguration}
)

// NewError builds a structured error with a fresh correlation id.
func NewError(kind Kind, reason string, cause error) *Error {
	return &Error{
		Kind:          kind,
		Reason:        reason,
		CorrelationID: uuid.NewString(),
		Err:           cause,
	}
}

// Validation builds a caller-fixable input error with field detail.
func Validation(reason string, fields map[string]string) *Error {
	e := NewError(KindValidation, reason, nil)
	e.Fields = fields
	return e
}

// Authorization builds a deny error. The reason goes to the audit trail only;
// user-facing surfaces render a generic "access denied".
func Authorization(reason string) *Error {
	return NewError(KindAuthorization, reason, nil)
}

// Configuration builds a registration-time catalog error.
func Configuration(reason string, cause error) *Error {
	return NewError(KindConfiguration, reason, cause)
}

// System wraps an unexpected failure.
func System(reason string, cause error) *Error {
	return NewError(KindSystem, reason, cause)
}

// Transient wraps a momentary infrastructure failure.
func Transient(reason string, cause error) *Error {
	return NewError(KindTransient, reason, cause)
}

// KindOf extracts the kind from any error, defaulting to system failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindSystem
}

// CorrelationIDOf extracts the correlation id, empty when absent.
func CorrelationIDOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}
