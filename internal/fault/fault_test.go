package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestBackendHTTP_Retryability(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tc := range cases {
		err := BackendHTTP(tc.status, "body", 0)
		if err.Retryable != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, err.Retryable, tc.retryable)
		}
	}
}

func TestBackendHTTP_429BecomesRateLimited(t *testing.T) {
	err := BackendHTTP(429, "", 5*time.Second)
	if err.Kind != KindRateLimited {
		t.Errorf("kind = %q, want %q", err.Kind, KindRateLimited)
	}
	if err.RetryAfter != 5*time.Second {
		t.Errorf("retry_after = %v, want 5s", err.RetryAfter)
	}
	if got := RetryAfterOf(err); got != 5*time.Second {
		t.Errorf("RetryAfterOf = %v, want 5s", got)
	}
}

func TestKindOf_WrappedError(t *testing.T) {
	inner := BackendTimeout(errors.New("deadline"))
	wrapped := fmt.Errorf("handler: %w", inner)

	if got := KindOf(wrapped); got != KindBackendTimeout {
		t.Errorf("KindOf = %q, want %q", got, KindBackendTimeout)
	}
	if !IsRetryable(wrapped) {
		t.Error("expected wrapped timeout to be retryable")
	}
}

func TestKindOf_ForeignError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf = %q, want %q", got, KindInternal)
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("foreign errors must not be retryable")
	}
}

func TestValidation_NotRetryable(t *testing.T) {
	err := Validation("missing field %q", "prompt")
	if err.Retryable {
		t.Error("validation errors must not be retryable")
	}
	if err.Message != `missing field "prompt"` {
		t.Errorf("unexpected message %q", err.Message)
	}
}

func TestWith_AttachesContext(t *testing.T) {
	err := Validation("bad").With("field", "model").With("got", 42)
	if err.Context["field"] != "model" || err.Context["got"] != 42 {
		t.Errorf("context not attached: %v", err.Context)
	}
}

func TestAllBackendsFailed_CollectsPerModel(t *testing.T) {
	err := AllBackendsFailed(map[string]string{"fast": "timeout", "slow": "503"})
	if err.Context["fast"] != "timeout" || err.Context["slow"] != "503" {
		t.Errorf("per-model errors missing: %v", err.Context)
	}
	if err.Retryable {
		t.Error("aggregate race failure is surfaced, not retried by the race itself")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := BackendUnavailable(cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}
