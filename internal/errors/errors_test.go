package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestBuildError_Error(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCode
		message   string
		cause     error
		wantParts []string
	}{
		{
			name:      "with cause",
			code:      CompileFailed,
			message:   "front end reported errors",
			cause:     errors.New("3 errors found"),
			wantParts: []string{"COMPILE_FAILED", "front end reported errors", "3 errors found"},
		},
		{
			name:      "without cause",
			code:      AnalysisMissing,
			message:   "no previous analysis at .kiln/analysis.db",
			cause:     nil,
			wantParts: []string{"ANALYSIS_MISSING", "no previous analysis"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, tt.cause)
			got := err.Error()

			for _, part := range tt.wantParts {
				if !strings.Contains(got, part) {
					t.Errorf("Error() = %q, want to contain %q", got, part)
				}
			}
		})
	}
}

func TestBuildError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := New(InternalError, "something went wrong", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through BuildError to the cause")
	}

	noCause := New(CycleLimit, "gave up after 50 cycles", nil)
	if noCause.Unwrap() != nil {
		t.Error("Unwrap on error without cause should return nil")
	}
}

func TestBuildError_WithDetails(t *testing.T) {
	err := New(CompileFailed, "compilation failed", nil)
	details := map[string]int{"sources": 12, "cycle": 2}

	if got := err.WithDetails(details); got != err {
		t.Error("WithDetails should return the same error for chaining")
	}
	if err.Details == nil {
		t.Error("Details should be set")
	}
}

func TestIsCode(t *testing.T) {
	base := New(BuildCancelled, "cancelled during cycle 1", nil)
	wrapped := fmt.Errorf("build aborted: %w", base)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct match", base, BuildCancelled, true},
		{"wrapped match", wrapped, BuildCancelled, true},
		{"wrong code", base, CompileFailed, false},
		{"plain error", errors.New("nope"), BuildCancelled, false},
		{"nil error", nil, BuildCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCode(tt.err, tt.code); got != tt.want {
				t.Errorf("IsCode = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(StoreCorrupt, "bad schema version", nil)); got != StoreCorrupt {
		t.Errorf("CodeOf = %v, want %v", got, StoreCorrupt)
	}
	if got := CodeOf(errors.New("anonymous")); got != InternalError {
		t.Errorf("CodeOf(plain) = %v, want %v", got, InternalError)
	}
}

func TestErrorCodesUnique(t *testing.T) {
	codes := []ErrorCode{
		CompileFailed,
		BuildCancelled,
		ContractViolation,
		LookupInconsistent,
		AnalysisMissing,
		StoreCorrupt,
		SnapshotInvalid,
		ProjectInvalid,
		CycleLimit,
		InternalError,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if seen[code] {
			t.Errorf("duplicate error code: %v", code)
		}
		seen[code] = true
		if string(code) == "" {
			t.Error("error code should not be empty")
		}
	}
}
