package transport

import (
	"context"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/sandbox"
)

// ScriptService handles the inbound script operations.
type ScriptService interface {
	// Submit stores a new script and returns it. With AutoExecute the
	// execute starts in the background.
	Submit(ctx context.Context, source string, opts api.SubmitOptions) (*api.Script, error)

	// GetStatus returns the status view of a script.
	GetStatus(ctx context.Context, id string) (*api.ScriptStatusView, error)

	// GetScript returns the full script record, including the working
	// source.
	GetScript(ctx context.Context, id string) (*api.Script, error)

	// Attempts returns the attempt trail in attempt-number order.
	Attempts(ctx context.Context, id string) ([]*api.ExecutionAttempt, error)

	// Execute runs the script to a terminal status and returns it.
	Execute(ctx context.Context, id string) (*api.Script, error)

	// Start begins an execute in the background.
	Start(id string) error

	// Cancel stops the execute in flight for id.
	Cancel(id string) error
}

// SandboxLister reports the state of the sandbox pool.
type SandboxLister interface {
	Snapshot() []sandbox.Status
}

// AttemptList is the response body of the attempt trail endpoint.
type AttemptList struct {
	Object string                  `json:"object"`
	Data   []*api.ExecutionAttempt `json:"data"`
}

// SandboxList is the response body of the sandbox pool endpoint.
type SandboxList struct {
	Object string           `json:"object"`
	Data   []sandbox.Status `json:"data"`
}
