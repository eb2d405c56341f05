package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", Errorf(ErrCodeInternal, "boom"), "boom"},
		{"with resource", NewError(ErrCodeTimeout, "timeout", nil).WithResource(3), "timeout (guid=3)"},
		{"with operation", NewConfigError("bad %s", "port").WithOperation("start"), "bad port (operation=start)"},
		{
			"full",
			NewError(ErrCodeTransition, "ssh failed", errors.New("connection refused")).WithResource(2).WithOperation("deploy"),
			"ssh failed (guid=2, operation=deploy): connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEngineError_UnwrapAndIs(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("deploy: %w", NewError(ErrCodeTransition, "cannot copy", cause).WithResource(4))

	if !errors.Is(err, cause) {
		t.Error("expected the cause to be reachable")
	}
	if !errors.Is(err, &EngineError{Code: ErrCodeTransition}) {
		t.Error("expected the code to match")
	}
	if errors.Is(err, &EngineError{Code: ErrCodeTimeout}) {
		t.Error("different code must not match")
	}
	if ErrorCode(err) != ErrCodeTransition {
		t.Errorf("expected code %s, got %s", ErrCodeTransition, ErrorCode(err))
	}
	if ErrorCode(cause) != "" {
		t.Error("plain errors have no code")
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  *EngineError
		code string
	}{
		{NewConfigError("bad port %d", 70000), ErrCodeValidation},
		{NewNotFoundError("no guid %d", 4), ErrCodeNotFound},
		{NewConflictError("reserved", nil), ErrCodeConflict},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("%q: expected code %s, got %s", tt.err, tt.code, tt.err.Code)
		}
	}
	if !IsNotFound(fmt.Errorf("lookup: %w", NewNotFoundError("no task %d", 9))) {
		t.Error("expected a wrapped not-found error to be found")
	}
}

func TestConflictCandidate(t *testing.T) {
	err := fmt.Errorf("provision: %w", NewConflictError("reserved", nil).WithDetail(DetailCandidate, "node7"))
	if c, ok := ConflictCandidate(err); !ok || c != "node7" {
		t.Errorf("expected node7, got %q %v", c, ok)
	}
	if _, ok := ConflictCandidate(NewConflictError("reserved", nil)); ok {
		t.Error("conflict without a candidate should report none")
	}
	if _, ok := ConflictCandidate(Errorf(ErrCodeInternal, "x").WithDetail(DetailCandidate, "node7")); ok {
		t.Error("only conflicts carry candidates")
	}
}
