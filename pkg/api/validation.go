package api

import (
	"fmt"
	"strings"
)

// ValidationConfig holds configurable limits for submit validation.
type ValidationConfig struct {
	MaxSourceSize int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxSourceSize: 1 << 20, // 1MB
	}
}

// ValidateSubmit checks script source and options for a submit request.
func ValidateSubmit(source string, opts SubmitOptions, cfg ValidationConfig) *APIError {
	if strings.TrimSpace(source) == "" {
		return NewInvalidRequestError("source", "source is required")
	}

	if cfg.MaxSourceSize > 0 && len(source) > cfg.MaxSourceSize {
		return NewInvalidRequestError("source",
			fmt.Sprintf("source exceeds maximum size of %d bytes", cfg.MaxSourceSize))
	}

	if strings.ContainsAny(opts.Provider, " \t\n/") {
		return NewInvalidRequestError("provider", "provider must be a plain identifier")
	}

	return nil
}
