package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf(t *testing.T) {
	base := New(Conflict, "engine name taken")
	wrapped := fmt.Errorf("creating engine: %w", base)

	if got := CodeOf(wrapped); got != Conflict {
		t.Errorf("CodeOf(wrapped) = %v, want %v", got, Conflict)
	}
	if got := CodeOf(errors.New("plain")); got != Internal {
		t.Errorf("CodeOf(plain) = %v, want %v", got, Internal)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(Internal, "nothing", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := Wrap(VectorStoreUnavailable, "pgvector down", inner)

	if !errors.Is(err, inner) {
		t.Error("wrapped error lost its cause")
	}
	if !IsCode(err, VectorStoreUnavailable) {
		t.Error("IsCode(VectorStoreUnavailable) = false, want true")
	}
	if MessageOf(err) != "pgvector down" {
		t.Errorf("MessageOf = %q, want %q", MessageOf(err), "pgvector down")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{AuthUnauthenticated, http.StatusUnauthorized},
		{AuthForbidden, http.StatusUnauthorized},
		{Validation, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{QueryEngineUnavailable, http.StatusConflict},
		{EmbeddingRateLimited, http.StatusTooManyRequests},
		{VectorStoreUnavailable, http.StatusServiceUnavailable},
		{LLMTimeout, http.StatusGatewayTimeout},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{New(Validation, "bad depth"), ExitInvalidArgs},
		{New(SourceUnreachable, "dial tcp"), ExitSource},
		{New(SourceAuth, "401 from share"), ExitSource},
		{New(EmbeddingUnavailable, "model gone"), ExitEmbedding},
		{New(VectorStoreUnavailable, "no pool"), ExitVectorStore},
		{errors.New("panic elsewhere"), ExitUnexpected},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return New(Validation, "malformed")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (validation is not transient)", calls)
	}
	if !IsCode(err, Validation) {
		t.Errorf("Retry returned %v, want VALIDATION", err)
	}
}

func TestRetryRecoversTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return New(EmbeddingRateLimited, "429")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return New(LLMTimeout, "deadline")
	})
	if calls != retryAttempts {
		t.Errorf("calls = %d, want %d", calls, retryAttempts)
	}
	if !IsCode(err, LLMTimeout) {
		t.Errorf("Retry returned %v, want LLM_TIMEOUT", err)
	}
}
