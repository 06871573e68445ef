package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       *EngineError
		transient bool
		conflict  bool
		permanent bool
		retryable bool
	}{
		{
			name:      "transient",
			err:       NewTransientError("registry unavailable", nil),
			transient: true,
			retryable: true,
		},
		{
			name:      "conflict",
			err:       NewConflictError("lock held", nil),
			conflict:  true,
			retryable: true,
		},
		{
			name:      "permanent",
			err:       NewPermanentError("invalid manifest", nil),
			permanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict = %v, want %v", got, tt.conflict)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.permanent)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestEngineErrorContext(t *testing.T) {
	err := NewPermanentError("node apply failed", nil).
		WithCode(ErrCodeApplyFailure).
		WithStage(StageSetup).
		WithNode("vpc-main").
		WithOperation("create")

	msg := err.Error()
	for _, want := range []string{"stage=setup", "node=vpc-main", "operation=create"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message missing %q: %s", want, msg)
		}
	}
}

func TestEngineErrorWrapping(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	err := NewTransientError("backend unreachable", inner).
		WithCode(ErrCodeObservationUnavailable)

	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find wrapped error")
	}

	var engErr *EngineError
	wrapped := fmt.Errorf("planning: %w", err)
	if !errors.As(wrapped, &engErr) {
		t.Fatal("expected errors.As to find EngineError through wrapping")
	}
	if engErr.Code != ErrCodeObservationUnavailable {
		t.Errorf("code = %s, want %s", engErr.Code, ErrCodeObservationUnavailable)
	}
}

func TestHasCodeAndCodeOf(t *testing.T) {
	err := NewConflictError("lock held by other", nil).WithCode(ErrCodeLockContention)

	if !HasCode(err, ErrCodeLockContention) {
		t.Error("expected HasCode to match")
	}
	if HasCode(err, ErrCodeStaleLock) {
		t.Error("expected HasCode to reject other code")
	}
	if got := CodeOf(err); got != ErrCodeLockContention {
		t.Errorf("CodeOf = %s, want %s", got, ErrCodeLockContention)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestEngineErrorIs(t *testing.T) {
	a := NewConflictError("lock held", nil).WithCode(ErrCodeLockContention)
	b := NewConflictError("other message", nil).WithCode(ErrCodeLockContention)
	c := NewConflictError("lock held", nil).WithCode(ErrCodeStaleLock)

	if !errors.Is(a, b) {
		t.Error("expected same class and code to match")
	}
	if errors.Is(a, c) {
		t.Error("expected different codes not to match")
	}
}
