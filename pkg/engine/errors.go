package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes carried by EngineError.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeInvalidDate      = "INVALID_DATE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeTransition       = "TRANSITION_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCallbackFailed   = "CALLBACK_FAILED"
	ErrCodeShutdown         = "SHUTDOWN"
)

// DetailCandidate is the Details key naming a conflicting discovery candidate.
const DetailCandidate = "candidate"

// EngineError is the error type of the controller and its drivers. Code
// is one of the ErrCode constants; Resource and Operation locate it.
//
//nolint:revive // engine.EngineError reads better in driver code than engine.Error
type EngineError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Resource  GUID           `json:"resource,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

// NewError returns an error with code wrapping cause, which may be nil.
func NewError(code, message string, cause error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: cause}
}

// Errorf returns an error with code and a formatted message.
func Errorf(code, format string, args ...any) *EngineError {
	return NewError(code, fmt.Sprintf(format, args...), nil)
}

// NewConfigError reports an invalid argument, the kind returned
// synchronously by registration calls.
func NewConfigError(format string, args ...any) *EngineError {
	return Errorf(ErrCodeValidation, format, args...)
}

// NewNotFoundError reports an unknown guid, task, attribute or type.
func NewNotFoundError(format string, args ...any) *EngineError {
	return Errorf(ErrCodeNotFound, format, args...)
}

// NewConflictError reports that a driver lost a resource to someone else.
// Attach the alternative with WithDetail(DetailCandidate, ...).
func NewConflictError(message string, cause error) *EngineError {
	return NewError(ErrCodeConflict, message, cause)
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)

	var where []string
	if e.Resource != 0 {
		where = append(where, fmt.Sprintf("guid=%d", e.Resource))
	}
	if e.Operation != "" {
		where = append(where, "operation="+e.Operation)
	}
	if len(where) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(where, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches any EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

func (e *EngineError) WithResource(guid GUID) *EngineError {
	e.Resource = guid
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ErrorCode returns the code of the first EngineError in err's chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeNotFound
}

// ConflictCandidate returns the candidate a conflict error names, if any.
func ConflictCandidate(err error) (string, bool) {
	var e *EngineError
	if !errors.As(err, &e) || e.Code != ErrCodeConflict {
		return "", false
	}
	c, ok := e.Details[DetailCandidate].(string)
	return c, ok && c != ""
}
