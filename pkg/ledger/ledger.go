package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rhuss/omega/pkg/api"
)

// Sentinel errors for ledger operations.
var (
	// ErrNotFound is returned when a script or attempt does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a script with the given ID already exists.
	ErrConflict = errors.New("already exists")

	// ErrAttemptInFlight is returned when an attempt is opened for a script
	// that still has an unsealed attempt.
	ErrAttemptInFlight = errors.New("attempt already in flight")

	// ErrAttemptSealed is returned when completing an attempt twice.
	ErrAttemptSealed = errors.New("attempt already sealed")

	// ErrScriptActive is returned when claiming a script that is already
	// running or repairing.
	ErrScriptActive = errors.New("script is already executing")

	// ErrInvalidTransition is returned when a script update violates the
	// status state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store persists scripts and their attempt trail.
type Store interface {
	// CreateScript stores a new script. Returns ErrConflict if the ID exists.
	CreateScript(ctx context.Context, s *api.Script) error

	// GetScript returns the script with the given ID or ErrNotFound.
	GetScript(ctx context.Context, id string) (*api.Script, error)

	// UpdateScript applies a status/source change that has no attempt
	// attached (claiming, entering repair, accepting a repair, terminal
	// failures decided between attempts).
	UpdateScript(ctx context.Context, id string, upd api.ScriptUpdate) (*api.Script, error)

	// ClaimScript moves a pending or failed script to running for a new
	// execute. The status check and the write happen in one transaction;
	// returns ErrScriptActive if the stored script is running or repairing.
	ClaimScript(ctx context.Context, id string) (*api.Script, error)

	// BeginAttempt opens attempt number N+1 for the script and moves the
	// script to running. Returns ErrAttemptInFlight if an unsealed attempt
	// exists.
	BeginAttempt(ctx context.Context, scriptID, sandboxID string, startedAt time.Time) (*api.ExecutionAttempt, error)

	// CompleteAttempt seals the attempt with its result and applies upd to
	// the owning script in the same transaction.
	CompleteAttempt(ctx context.Context, attemptID string, res api.AttemptResult, upd api.ScriptUpdate) (*api.ExecutionAttempt, error)

	// ListAttempts returns the attempts of a script ordered by number.
	// Returns ErrNotFound if the script does not exist.
	ListAttempts(ctx context.Context, scriptID string) ([]*api.ExecutionAttempt, error)

	// RecoverInterrupted seals attempts left open by a previous process and
	// fails scripts that were still active. It returns the number of
	// scripts recovered.
	RecoverInterrupted(ctx context.Context, now time.Time) (int, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// InterruptedMessage is the last error recorded on scripts failed by
// RecoverInterrupted.
const InterruptedMessage = "execution interrupted by supervisor restart"

// ApplyUpdate applies upd to s. A non-empty Status is validated against the
// script state machine and replaces OutputPath, FailureKind and LastError
// wholesale; a nil Source leaves the working source untouched.
func ApplyUpdate(s *api.Script, upd api.ScriptUpdate, now time.Time) error {
	if upd.Status != "" {
		if apiErr := api.ValidateScriptTransition(s.Status, upd.Status); apiErr != nil {
			return fmt.Errorf("%w: %s", ErrInvalidTransition, apiErr.Message)
		}
		s.Status = upd.Status
		s.OutputPath = upd.OutputPath
		s.FailureKind = upd.FailureKind
		s.LastError = upd.LastError
	}
	if upd.Source != nil {
		s.Source = *upd.Source
	}
	s.UpdatedAt = now
	return nil
}

// SealAttempt copies res into a, rejecting attempts that are already sealed.
func SealAttempt(a *api.ExecutionAttempt, res api.AttemptResult) error {
	if !a.InFlight() {
		return ErrAttemptSealed
	}
	ended := res.EndedAt
	a.EndedAt = &ended
	a.Outcome = res.Outcome
	a.ExitCode = res.ExitCode
	a.Stdout = res.Stdout
	a.Stderr = res.Stderr
	if res.Outcome == api.OutcomeSuccess {
		a.OutputPath = res.OutputPath
	}
	return nil
}

// RunningUpdate is the script update applied when an attempt opens. It
// keeps the previous error visible while the new attempt runs.
func RunningUpdate(s *api.Script) api.ScriptUpdate {
	return api.ScriptUpdate{Status: api.ScriptStatusRunning, LastError: s.LastError}
}

// Claim applies the running transition to s unless s is already active.
func Claim(s *api.Script, now time.Time) error {
	if s.Status.Active() {
		return ErrScriptActive
	}
	return ApplyUpdate(s, RunningUpdate(s), now)
}

// InterruptedUpdate is the script update applied by RecoverInterrupted.
func InterruptedUpdate() api.ScriptUpdate {
	return api.ScriptUpdate{
		Status:      api.ScriptStatusFailed,
		FailureKind: api.KindCancelled,
		LastError:   InterruptedMessage,
	}
}

// InterruptedResult is the result used to seal attempts found open at startup.
func InterruptedResult(now time.Time) api.AttemptResult {
	return api.AttemptResult{
		Outcome: api.OutcomeCancelled,
		Stderr:  InterruptedMessage,
		EndedAt: now,
	}
}
