// Package reasoning abstracts the external reasoning services used to
// generate and repair scripts.
//
// A Provider turns a Request into text. Providers are registered by name in
// a Registry; a Client resolves the provider for each call, applies the
// request timeout and retry policy, and records metrics.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Role tells the provider what the request is for.
type Role string

const (
	RoleGenerate Role = "generate"
	RoleRepair   Role = "repair"
)

// Request is a provider-agnostic reasoning request.
type Request struct {
	Role Role

	// System is the system instruction.
	System string

	// Prompt is the user payload.
	Prompt string

	// Model overrides the provider's configured model.
	Model string

	// Temperature is passed through when non-nil.
	Temperature *float64

	// MaxTokens is passed through when non-zero.
	MaxTokens int
}

// Response is the text returned by a provider.
type Response struct {
	Text  string
	Model string
}

// Provider is one reasoning backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name returns the registered provider name.
	Name() string

	// Complete sends one request. It does not retry.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Close releases provider resources.
	Close() error
}

var (
	// ErrUnknownProvider is returned when no provider matches the name and
	// there is no default.
	ErrUnknownProvider = errors.New("unknown reasoning provider")

	// ErrEmptyResponse is returned when a provider answered without text.
	ErrEmptyResponse = errors.New("reasoning provider returned no text")
)

// Error is a failed provider call.
type Error struct {
	Provider   string
	StatusCode int // 0 for network errors
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed if repeated: network
// errors, rate limiting, and server errors.
func (e *Error) Retryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= http.StatusInternalServerError
}

// IsRetryable reports whether err is a retryable provider error.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable()
}
