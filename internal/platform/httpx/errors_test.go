package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bastion-sec/bastion/internal/shared"
)

func TestRespondErrorMapsKinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", shared.Validation("bad input", map[string]string{"Name": "required"}), http.StatusBadRequest},
		{"authorization", shared.Authorization("grant 42 constraints failed"), http.StatusForbidden},
		{"result validation", shared.NewError(shared.KindResultValidation, "post-condition violated", nil), http.StatusConflict},
		{"transient", shared.Transient("store away", nil), http.StatusServiceUnavailable},
		{"configuration", shared.Configuration("implication cycle", nil), http.StatusUnprocessableEntity},
		{"system", shared.System("commit failed", nil), http.StatusInternalServerError},
		{"plain error", errors.New("who knows"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		if rr.Code != tc.status {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.status, rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: expected json response, got %q", tc.name, ct)
		}
	}
}

func TestAuthorizationResponseLeaksNothing(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, shared.Authorization("grant 42 failed environmental constraint 10.0.0.0/8"))

	body := rr.Body.String()
	if strings.Contains(body, "grant") || strings.Contains(body, "10.0.0.0") {
		t.Fatalf("deny detail leaked to the caller: %s", body)
	}
	if !strings.Contains(body, "access denied") {
		t.Fatalf("expected generic denial, got %s", body)
	}
}

func TestSystemFailureSurfacesOnlyReference(t *testing.T) {
	kerr := shared.System("pool exhausted during commit", errors.New("pgx: too many clients"))
	rr := httptest.NewRecorder()
	RespondError(rr, kerr)

	body := rr.Body.String()
	if strings.Contains(body, "pool exhausted") || strings.Contains(body, "pgx") {
		t.Fatalf("internal detail leaked: %s", body)
	}
	if !strings.Contains(body, kerr.CorrelationID) {
		t.Fatalf("expected correlation reference in body: %s", body)
	}
}

func TestTransientSetsRetryAfter(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, shared.Transient("redis away", nil))
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}
