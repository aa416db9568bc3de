// Package supervisor drives scripts through execution, dependency
// installation and code repair until they succeed or exhaust their budget.
//
// Script states:
//
//	pending -> running -> succeeded
//	                   -> repairing -> running
//	                   -> running            (dependency installed, same source)
//	                   -> failed             (budget exhausted, sandbox unavailable, cancelled)
//
// Every attempt is opened in the ledger before the sandbox runs it and
// sealed, together with the script update, before the next one starts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/debug"
	"github.com/rhuss/omega/pkg/deps"
	"github.com/rhuss/omega/pkg/ledger"
	"github.com/rhuss/omega/pkg/observability"
	"github.com/rhuss/omega/pkg/repair"
	"github.com/rhuss/omega/pkg/sandbox"
)

// SandboxRunner runs scripts in pooled sandboxes. *sandbox.Manager
// implements it.
type SandboxRunner interface {
	Pick(preferred string) string
	EnsureReady(ctx context.Context, id string) error
	Run(ctx context.Context, id string, req sandbox.RunRequest) (*sandbox.RunResult, error)
}

// DependencyInstaller finds and installs missing packages. *deps.Resolver
// implements it.
type DependencyInstaller interface {
	ExtractMissingPackage(stderr string) string
	Resolve(ctx context.Context, sandboxID, module string) (deps.Resolution, error)
}

// CodeRepairer proposes corrected source. *repair.Advisor implements it.
type CodeRepairer interface {
	ProposeFix(ctx context.Context, provider, attemptID, source, stderr string) (*repair.Proposal, error)
}

var (
	_ SandboxRunner       = (*sandbox.Manager)(nil)
	_ DependencyInstaller = (*deps.Resolver)(nil)
	_ CodeRepairer        = (*repair.Advisor)(nil)
)

// ErrAlreadyRunning is returned when an execute is requested for a script
// that another execute owns.
var ErrAlreadyRunning = errors.New("script is already executing")

// ErrCancelled is the cancellation cause for an explicit cancel request.
var ErrCancelled = errors.New("execution cancelled")

// Budget bounds one execute call.
type Budget struct {
	// DependencyRounds is the number of installs that may retry the same
	// source.
	DependencyRounds int

	// RepairRounds is the number of repair proposals that may be requested.
	RepairRounds int

	// SandboxAttempts is the number of acquisition tries, and the number
	// of sandbox losses tolerated, before the script fails as unavailable.
	SandboxAttempts int

	// SandboxBackoff is the first delay between acquisition tries. Zero
	// retries immediately.
	SandboxBackoff time.Duration

	// ExecutionTimeout bounds one sandbox run.
	ExecutionTimeout time.Duration
}

// DefaultBudget returns the default execute budget.
func DefaultBudget() Budget {
	return Budget{
		DependencyRounds: 3,
		RepairRounds:     2,
		SandboxAttempts:  3,
		SandboxBackoff:   time.Second,
		ExecutionTimeout: 120 * time.Second,
	}
}

// Supervisor runs the execute state machine.
type Supervisor struct {
	store    ledger.Store
	runner   SandboxRunner
	deps     DependencyInstaller
	repairer CodeRepairer
	budget   Budget
}

// New creates a Supervisor.
func New(store ledger.Store, runner SandboxRunner, installer DependencyInstaller, repairer CodeRepairer, budget Budget) *Supervisor {
	if budget.SandboxAttempts < 1 {
		budget.SandboxAttempts = 1
	}
	if budget.ExecutionTimeout <= 0 {
		budget.ExecutionTimeout = DefaultBudget().ExecutionTimeout
	}
	return &Supervisor{store: store, runner: runner, deps: installer, repairer: repairer, budget: budget}
}

// nowFn is replaceable in tests.
var nowFn = func() time.Time { return time.Now().UTC() }

// execution is the mutable state of one execute call.
type execution struct {
	script       *api.Script
	source       string
	sandboxID    string
	depRounds    int
	repairRounds int
	losses       int
	lastError    string
}

// Execute drives script id to a terminal status and returns it. A script
// that already succeeded is returned unchanged. The returned error is
// non-nil only for ledger failures and ErrAlreadyRunning; execution
// failures are reported through the script's status.
func (s *Supervisor) Execute(ctx context.Context, id string) (*api.Script, error) {
	script, err := s.store.GetScript(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case script.Status == api.ScriptStatusSucceeded:
		debug.Log("supervisor", "execute on succeeded script is a no-op", "script_id", id)
		return script, nil
	case script.Status.Active():
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	script, err = s.store.ClaimScript(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrScriptActive) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
		// Another execute may have finished the script since it was read.
		if errors.Is(err, ledger.ErrInvalidTransition) {
			if cur, gerr := s.store.GetScript(ctx, id); gerr == nil && cur.Status == api.ScriptStatusSucceeded {
				return cur, nil
			}
		}
		return nil, fmt.Errorf("claiming script: %w", err)
	}

	observability.ScriptsInflight.Inc()
	defer observability.ScriptsInflight.Dec()

	ex := &execution{script: script, source: script.Source}
	slog.Info("execution started", "script_id", id)
	return s.loop(ctx, ex)
}

func (s *Supervisor) loop(ctx context.Context, ex *execution) (*api.Script, error) {
	for {
		sandboxID, err := s.acquire(ctx, ex.sandboxID)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancel(ctx, ex, nil)
			}
			return s.fail(ctx, ex, api.KindSandboxUnavailable, err)
		}
		ex.sandboxID = sandboxID

		att, err := s.store.BeginAttempt(ctx, ex.script.ID, sandboxID, nowFn())
		if err != nil {
			if ctx.Err() != nil {
				return s.cancel(ctx, ex, nil)
			}
			return nil, fmt.Errorf("opening attempt: %w", err)
		}
		ex.script.Status = api.ScriptStatusRunning

		res, runErr := s.runner.Run(ctx, sandboxID, sandbox.RunRequest{
			ScriptID: ex.script.ID,
			Attempt:  att.Number,
			Source:   ex.source,
			Timeout:  s.budget.ExecutionTimeout,
		})

		switch {
		case ctx.Err() != nil:
			return s.cancel(ctx, ex, att)

		case runErr != nil && !api.IsKind(runErr, api.KindExecutionTimeout):
			ex.losses++
			ex.lastError = runErr.Error()
			slog.Warn("sandbox lost during attempt", "script_id", ex.script.ID, "attempt", att.Number,
				"sandbox_id", sandboxID, "error", runErr)
			if err := s.seal(ctx, ex, att, api.OutcomeSandboxUnavailable, &sandbox.RunResult{ExitCode: -1, Stderr: runErr.Error()}, api.ScriptUpdate{}); err != nil {
				return nil, err
			}
			if ex.losses >= s.budget.SandboxAttempts {
				return s.fail(ctx, ex, api.KindSandboxUnavailable, runErr)
			}
			continue

		case runErr != nil:
			ex.lastError = failureText(res, runErr)
			if err := s.seal(ctx, ex, att, api.OutcomeTimeout, res, api.ScriptUpdate{}); err != nil {
				return nil, err
			}
			slog.Info("attempt timed out", "script_id", ex.script.ID, "attempt", att.Number)

		case res.Success:
			upd := api.ScriptUpdate{Status: api.ScriptStatusSucceeded, OutputPath: res.OutputPath}
			if err := s.seal(ctx, ex, att, api.OutcomeSuccess, res, upd); err != nil {
				return nil, err
			}
			observability.ScriptsFinishedTotal.WithLabelValues(string(api.ScriptStatusSucceeded), "").Inc()
			slog.Info("execution succeeded", "script_id", ex.script.ID, "attempt", att.Number, "output", res.OutputPath)
			return ex.script, nil

		default:
			ex.lastError = failureText(res, nil)
			if err := s.seal(ctx, ex, att, api.OutcomeRuntimeError, res, api.ScriptUpdate{}); err != nil {
				return nil, err
			}
			debug.Log("supervisor", "attempt failed", "script_id", ex.script.ID, "attempt", att.Number,
				"stderr", debug.Truncate(res.Stderr, 300))

			progressed, err := s.tryDependency(ctx, ex, res.Stderr)
			if err != nil {
				if ctx.Err() != nil {
					return s.cancel(ctx, ex, nil)
				}
				ex.losses++
				if ex.losses >= s.budget.SandboxAttempts {
					return s.fail(ctx, ex, api.KindSandboxUnavailable, err)
				}
				continue
			}
			if progressed {
				continue
			}
		}

		done, script, err := s.repair(ctx, ex, att)
		if done {
			return script, err
		}
	}
}

// acquire picks a sandbox and makes it ready, retrying unavailability with
// exponential backoff.
func (s *Supervisor) acquire(ctx context.Context, preferred string) (string, error) {
	var bo backoff.BackOff = &backoff.ZeroBackOff{}
	if s.budget.SandboxBackoff > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = s.budget.SandboxBackoff
		exp.MaxElapsedTime = 0
		bo = exp
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.budget.SandboxAttempts-1)), ctx)

	var id string
	try := 0
	err := backoff.Retry(func() error {
		try++
		id = s.runner.Pick(preferred)
		err := s.runner.EnsureReady(ctx, id)
		if err == nil {
			return nil
		}
		if !api.IsKind(err, api.KindSandboxUnavailable) {
			return backoff.Permanent(err)
		}
		slog.Warn("sandbox unavailable", "sandbox_id", id, "try", try, "error", err)
		return err
	}, policy)
	return id, err
}

// tryDependency installs a missing package named in stderr. It reports
// progress when a new package was installed and the same source should be
// retried. The error is non-nil only when the sandbox was lost.
func (s *Supervisor) tryDependency(ctx context.Context, ex *execution, stderr string) (bool, error) {
	module := s.deps.ExtractMissingPackage(stderr)
	if module == "" {
		return false, nil
	}
	if ex.depRounds >= s.budget.DependencyRounds {
		slog.Info("dependency budget exhausted", "script_id", ex.script.ID, "module", module)
		return false, nil
	}

	res, err := s.deps.Resolve(ctx, ex.sandboxID, module)
	if err != nil {
		return false, err
	}
	if !res.Progress() {
		slog.Info("no dependency progress, falling through to repair", "script_id", ex.script.ID,
			"module", module, "outcome", res.Outcome)
		return false, nil
	}
	ex.depRounds++
	slog.Info("retrying after dependency install", "script_id", ex.script.ID, "package", res.Package,
		"round", ex.depRounds)
	return true, nil
}

// repair asks for corrected source until a proposal is accepted or the
// repair budget runs out. done is true when the execute is over.
func (s *Supervisor) repair(ctx context.Context, ex *execution, att *api.ExecutionAttempt) (bool, *api.Script, error) {
	for {
		if ex.repairRounds >= s.budget.RepairRounds {
			script, err := s.fail(ctx, ex, api.KindBudgetExhausted, errors.New(ex.lastError))
			return true, script, err
		}

		if ex.script.Status != api.ScriptStatusRepairing {
			script, err := s.store.UpdateScript(ctx, ex.script.ID, api.ScriptUpdate{
				Status: api.ScriptStatusRepairing, LastError: ex.lastError,
			})
			if err != nil {
				return true, nil, fmt.Errorf("entering repair: %w", err)
			}
			ex.script = script
		}

		ex.repairRounds++
		proposal, err := s.repairer.ProposeFix(ctx, ex.script.Provider, att.ID, ex.source, ex.lastError)
		if err != nil {
			script, err := s.cancel(ctx, ex, nil)
			return true, script, err
		}

		if !proposal.Accepted {
			result := "rejected"
			if proposal.Reason == repair.ReasonServiceFailure {
				result = "no_proposal"
			}
			observability.RepairRoundsTotal.WithLabelValues(result).Inc()
			slog.Info("repair round produced nothing to run", "script_id", ex.script.ID,
				"round", ex.repairRounds, "error", proposal.RejectionError())
			continue
		}

		observability.RepairRoundsTotal.WithLabelValues("accepted").Inc()
		src := proposal.Source
		script, err := s.store.UpdateScript(ctx, ex.script.ID, api.ScriptUpdate{Source: &src})
		if err != nil {
			return true, nil, fmt.Errorf("accepting repair: %w", err)
		}
		ex.script = script
		ex.source = src
		slog.Info("repair accepted", "script_id", ex.script.ID, "round", ex.repairRounds)
		return false, nil, nil
	}
}

// seal completes att and applies upd in one ledger transaction.
func (s *Supervisor) seal(ctx context.Context, ex *execution, att *api.ExecutionAttempt, outcome api.Outcome, res *sandbox.RunResult, upd api.ScriptUpdate) error {
	result := api.AttemptResult{Outcome: outcome, EndedAt: nowFn()}
	if res != nil {
		result.ExitCode = res.ExitCode
		result.Stdout = res.Stdout
		result.Stderr = res.Stderr
		result.OutputPath = res.OutputPath
	}
	if _, err := s.store.CompleteAttempt(context.WithoutCancel(ctx), att.ID, result, upd); err != nil {
		return fmt.Errorf("sealing attempt %d: %w", att.Number, err)
	}
	observability.AttemptsTotal.WithLabelValues(string(outcome)).Inc()
	observability.ExecutionDuration.WithLabelValues(string(outcome)).Observe(result.EndedAt.Sub(att.StartedAt).Seconds())

	if upd.Status != "" {
		script, err := s.store.GetScript(context.WithoutCancel(ctx), ex.script.ID)
		if err != nil {
			return err
		}
		ex.script = script
	}
	return nil
}

// fail moves the script to failed with kind. The user-visible reason is
// the error text of this execute's last attempt, falling back to cause
// when no attempt ran.
func (s *Supervisor) fail(ctx context.Context, ex *execution, kind api.Kind, cause error) (*api.Script, error) {
	reason := ex.lastError
	if reason == "" && cause != nil {
		reason = cause.Error()
	}
	script, err := s.store.UpdateScript(context.WithoutCancel(ctx), ex.script.ID, api.ScriptUpdate{
		Status: api.ScriptStatusFailed, FailureKind: kind, LastError: reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failing script: %w", err)
	}
	observability.ScriptsFinishedTotal.WithLabelValues(string(api.ScriptStatusFailed), string(kind)).Inc()
	slog.Warn("execution failed", "script_id", ex.script.ID, "kind", kind, "error", cause)
	return script, nil
}

// cancel seals att (when open) as cancelled and fails the script.
func (s *Supervisor) cancel(ctx context.Context, ex *execution, att *api.ExecutionAttempt) (*api.Script, error) {
	msg := ErrCancelled.Error()
	if cause := context.Cause(ctx); cause != nil {
		msg = cause.Error()
	}
	upd := api.ScriptUpdate{Status: api.ScriptStatusFailed, FailureKind: api.KindCancelled, LastError: msg}

	if att == nil {
		script, err := s.store.UpdateScript(context.WithoutCancel(ctx), ex.script.ID, upd)
		if err != nil {
			return nil, fmt.Errorf("cancelling script: %w", err)
		}
		observability.ScriptsFinishedTotal.WithLabelValues(string(api.ScriptStatusFailed), string(api.KindCancelled)).Inc()
		slog.Info("execution cancelled", "script_id", ex.script.ID)
		return script, nil
	}

	if err := s.seal(ctx, ex, att, api.OutcomeCancelled, &sandbox.RunResult{ExitCode: -1, Stderr: msg}, upd); err != nil {
		return nil, err
	}
	observability.ScriptsFinishedTotal.WithLabelValues(string(api.ScriptStatusFailed), string(api.KindCancelled)).Inc()
	slog.Info("execution cancelled", "script_id", ex.script.ID, "attempt", att.Number)
	return ex.script, nil
}

// failureText is the error text carried forward from a failed attempt.
func failureText(res *sandbox.RunResult, runErr error) string {
	if res != nil && res.Stderr != "" {
		return res.Stderr
	}
	if runErr != nil {
		return runErr.Error()
	}
	if res != nil {
		return fmt.Sprintf("script exited with code %d", res.ExitCode)
	}
	return "unknown failure"
}
