package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestResolve(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", NotFound("run_not_found", errors.New("run not found")))
	if status, code := Resolve(wrapped); status != http.StatusNotFound || code != "run_not_found" {
		t.Fatalf("status=%d code=%q", status, code)
	}
	if status, code := Resolve(errors.New("boom")); status != http.StatusInternalServerError || code != "internal" {
		t.Fatalf("status=%d code=%q", status, code)
	}
	bad := BadRequest("invalid_request", "stepDelayMs must be >= %d", 0)
	if bad.Error() != "stepDelayMs must be >= 0" || bad.Status != http.StatusBadRequest {
		t.Fatalf("bad=%+v", bad)
	}
}
