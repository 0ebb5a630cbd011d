package httpx

import (
	"errors"
	"net/http"

	"github.com/bastion-sec/bastion/internal/shared"
)

// RespondError maps kernel errors to HTTP responses. Authorization failures
// deliberately carry no detail: the caller learns neither whether the
// resource exists nor which grant was missing. System failures surface only
// an opaque reference id; the full diagnostic goes to the audit and alert
// sinks.
func RespondError(w http.ResponseWriter, err error) {
	var kerr *shared.Error
	if !errors.As(err, &kerr) {
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	switch kerr.Kind {
	case shared.KindValidation:
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: kerr.Reason,
			Fields: kerr.Fields,
		})
	case shared.KindAuthorization:
		Problem(w, http.StatusForbidden, "Forbidden", "access denied")
	case shared.KindResultValidation:
		JSON(w, http.StatusConflict, ProblemDetail{
			Title:  "Post-Condition Violated",
			Status: http.StatusConflict,
			Ref:    kerr.CorrelationID,
		})
	case shared.KindTransient:
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, "Temporarily Unavailable", "retry the request")
	case shared.KindConfiguration:
		JSON(w, http.StatusUnprocessableEntity, ProblemDetail{
			Title:  "Configuration Rejected",
			Status: http.StatusUnprocessableEntity,
			Detail: kerr.Reason,
		})
	default:
		JSON(w, http.StatusInternalServerError, ProblemDetail{
			Title:  "Internal Error",
			Status: http.StatusInternalServerError,
			Ref:    kerr.CorrelationID,
		})
	}
}
