package api

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
)

// APIError represents a structured API error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewConflictError creates an APIError for requests that collide with
// work already in progress.
func NewConflictError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeConflict,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTooManyRequests,
		Message: message,
	}
}

// Kind classifies a failure in the execution pipeline. The supervisor
// routes on Kind; only BudgetExhausted, SandboxUnavailable and Cancelled
// ever become a script's terminal failure kind.
type Kind string

const (
	KindSandboxUnavailable     Kind = "sandbox_unavailable"
	KindExecutionTimeout       Kind = "execution_timeout"
	KindScriptRuntimeError     Kind = "script_runtime_error"
	KindDependencyUnresolvable Kind = "dependency_unresolvable"
	KindRepairRejected         Kind = "repair_rejected"
	KindBudgetExhausted        Kind = "budget_exhausted"
	KindCancelled              Kind = "cancelled"
)

// ExecError is a classified pipeline failure. Message carries the text that
// is shown to users (usually the captured stderr of the last attempt).
type ExecError struct {
	Kind    Kind
	Message string
	Err     error
}

// NewExecError creates an ExecError of the given kind.
func NewExecError(kind Kind, message string, err error) *ExecError {
	return &ExecError{Kind: kind, Message: message, Err: err}
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is matches another *ExecError by kind, so errors.Is(err, &ExecError{Kind: k})
// reports whether err was classified as k.
func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first ExecError in err's chain, or the
// empty Kind if there is none.
func KindOf(err error) Kind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
