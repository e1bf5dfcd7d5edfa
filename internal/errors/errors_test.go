package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestOperationErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"transient", NewOperationError(ErrorTypeTransient, "op", "", errors.New("reset")), ErrTransientNetwork, true},
		{"auth", AuthenticationMissing("op"), ErrAuthenticationMissing, true},
		{"missing id", MissingIdentifier("op", "u1", "subscription id"), ErrMissingIdentifier, true},
		{"all sources", AllSourcesFailed("op", 3, nil), ErrAllSourcesFailed, true},
		{"mismatch", AuthenticationMissing("op"), ErrTransientNetwork, false},
		{"wrapped", fmt.Errorf("outer: %w", Transient("op", errors.New("x"))), ErrTransientNetwork, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithStatusCodeReclassifies(t *testing.T) {
	err := NewOperationError(ErrorTypeInternal, "read", "u1", errors.New("boom")).WithStatusCode(503)
	if !err.Retryable || err.Type != ErrorTypeTransient {
		t.Fatalf("503 should be transient and retryable, got %s retryable=%v", err.Type, err.Retryable)
	}

	err = NewOperationError(ErrorTypeInternal, "read", "u1", errors.New("boom")).WithStatusCode(401)
	if err.Retryable || !errors.Is(err, ErrAuthenticationMissing) {
		t.Fatalf("401 should be fatal auth error, got %s", err.Type)
	}

	err = NewOperationError(ErrorTypeInternal, "read", "u1", errors.New("boom")).WithStatusCode(404)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("404 should map to not found")
	}
}

func TestIsRetryableError(t *testing.T) {
	if IsRetryableError(nil) {
		t.Error("nil should not be retryable")
	}
	if !IsRetryableError(Transient("op", errors.New("eof"))) {
		t.Error("transient should be retryable")
	}
	if IsRetryableError(AuthenticationMissing("op")) {
		t.Error("auth missing must not be retried")
	}
	if IsRetryableError(MissingIdentifier("op", "u", "id")) {
		t.Error("missing identifier must not be retried")
	}
	if !IsRetryableError(&net.OpError{Op: "dial", Err: errors.New("refused")}) {
		t.Error("net errors should be retryable")
	}
	if !IsRetryableError(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be retryable")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(fmt.Errorf("wrap: %w", AuthenticationMissing("op"))) {
		t.Error("wrapped auth error should be fatal")
	}
	if !IsFatal(context.Canceled) {
		t.Error("cancellation should be fatal")
	}
	if IsFatal(Transient("op", errors.New("x"))) {
		t.Error("transient should not be fatal")
	}
}

func TestErrorMessageIncludesRemediation(t *testing.T) {
	err := MissingIdentifier("subscription.cancel", "u1", "subscription id")
	msg := err.Error()
	if msg == "" {
		t.Fatal("empty message")
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Remediation == "" {
		t.Fatalf("expected remediation on %v", err)
	}
}
