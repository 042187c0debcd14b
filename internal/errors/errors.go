// Package errors defines the stable error codes and the error type used
// across kiln. Callers branch on codes via IsCode rather than matching
// message strings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable identifier for a failure mode.
type ErrorCode string

const (
	// CompileFailed indicates the compiler front end reported a fatal error.
	CompileFailed ErrorCode = "COMPILE_FAILED"
	// BuildCancelled indicates the build was cancelled before converging.
	BuildCancelled ErrorCode = "BUILD_CANCELLED"
	// ContractViolation indicates a caller broke a recorder or driver
	// contract, e.g. reporting the same source started twice in one cycle.
	ContractViolation ErrorCode = "CONTRACT_VIOLATION"
	// LookupInconsistent indicates an external lookup returned an analysis
	// that does not actually define the requested class.
	LookupInconsistent ErrorCode = "LOOKUP_INCONSISTENT"
	// AnalysisMissing indicates no previous analysis exists where one was
	// required.
	AnalysisMissing ErrorCode = "ANALYSIS_MISSING"
	// StoreCorrupt indicates the persisted analysis failed validation.
	StoreCorrupt ErrorCode = "STORE_CORRUPT"
	// SnapshotInvalid indicates a snapshot file could not be decoded.
	SnapshotInvalid ErrorCode = "SNAPSHOT_INVALID"
	// ProjectInvalid indicates the project manifest failed validation.
	ProjectInvalid ErrorCode = "PROJECT_INVALID"
	// CycleLimit indicates the build exceeded the configured cycle limit
	// without reaching a fixed point.
	CycleLimit ErrorCode = "CYCLE_LIMIT"
	// InternalError indicates an unexpected failure.
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// BuildError carries a stable code, a human message, optional structured
// details, and the underlying cause.
type BuildError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

// New creates a BuildError with the given code, message, and cause.
func New(code ErrorCode, message string, cause error) *BuildError {
	return &BuildError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *BuildError) Unwrap() error {
	return e.cause
}

// WithDetails attaches details to the error and returns it.
func (e *BuildError) WithDetails(details interface{}) *BuildError {
	e.Details = details
	return e
}

// IsCode reports whether err or anything it wraps is a BuildError with
// the given code.
func IsCode(err error, code ErrorCode) bool {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// CodeOf extracts the error code, or InternalError when err carries none.
func CodeOf(err error) ErrorCode {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Code
	}
	return InternalError
}
