package api

import "time"

// ScriptStatus is the lifecycle status of a script.
type ScriptStatus string

const (
	ScriptStatusPending   ScriptStatus = "pending"
	ScriptStatusRunning   ScriptStatus = "running"
	ScriptStatusRepairing ScriptStatus = "repairing"
	ScriptStatusSucceeded ScriptStatus = "succeeded"
	ScriptStatusFailed    ScriptStatus = "failed"
)

// Terminal reports whether no further execution will happen without a new
// execute request.
func (s ScriptStatus) Terminal() bool {
	return s == ScriptStatusSucceeded || s == ScriptStatusFailed
}

// Active reports whether an execute call currently owns the script.
func (s ScriptStatus) Active() bool {
	return s == ScriptStatusRunning || s == ScriptStatusRepairing
}

// Outcome is the result of a single execution attempt.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeRuntimeError       Outcome = "runtime-error"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeSandboxUnavailable Outcome = "sandbox-unavailable"
	OutcomeCancelled          Outcome = "cancelled"
)

// Script is a generated program together with its execution state.
//
// Source always holds the working source: the submitted text until an
// accepted repair replaces it.
type Script struct {
	ID        string       `json:"id"`
	Owner     string       `json:"owner,omitempty"`
	Source    string       `json:"source"`
	Status    ScriptStatus `json:"status"`
	Provider  string       `json:"provider,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`

	// OutputPath is set when the latest attempt succeeded.
	OutputPath string `json:"output_path,omitempty"`

	// FailureKind and LastError describe the terminal failure, if any.
	FailureKind Kind   `json:"failure_kind,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// ExecutionAttempt records one run of a script inside a sandbox. An attempt
// with a nil EndedAt is in flight.
type ExecutionAttempt struct {
	ID         string     `json:"id"`
	ScriptID   string     `json:"script_id"`
	Number     int        `json:"number"`
	SandboxID  string     `json:"sandbox_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Outcome    Outcome    `json:"outcome,omitempty"`
	ExitCode   int        `json:"exit_code"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	OutputPath string     `json:"output_path,omitempty"`
}

// InFlight reports whether the attempt has not been sealed yet.
func (a *ExecutionAttempt) InFlight() bool {
	return a.EndedAt == nil
}

// AttemptResult is the data used to seal an in-flight attempt.
type AttemptResult struct {
	Outcome    Outcome
	ExitCode   int
	Stdout     string
	Stderr     string
	OutputPath string
	EndedAt    time.Time
}

// ScriptUpdate is the script-side half of a ledger transition. It is
// applied in the same transaction as the attempt change it accompanies.
type ScriptUpdate struct {
	Status      ScriptStatus
	Source      *string
	OutputPath  string
	FailureKind Kind
	LastError   string
}

// SubmitOptions controls how a submitted script is handled.
type SubmitOptions struct {
	// Owner is an opaque reference to the submitting user.
	Owner string `json:"owner,omitempty"`

	// Provider selects the reasoning provider used for repairs. Empty
	// selects the configured default.
	Provider string `json:"provider,omitempty"`

	// AutoExecute starts execution immediately after the script is stored.
	AutoExecute bool `json:"auto_execute,omitempty"`
}

// ScriptStatusView is the inbound view returned by get_status.
type ScriptStatusView struct {
	ID             string       `json:"id"`
	Status         ScriptStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	LastOutputPath string       `json:"last_output_path,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	FailureKind    Kind         `json:"failure_kind,omitempty"`
}
