package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/ledger"
	"github.com/rhuss/omega/pkg/repair"
)

// ErrNotRunning is returned by Cancel when the script has no execute in
// flight.
var ErrNotRunning = errors.New("script is not executing")

// ErrUnknownProvider is returned by Submit for a provider that is not
// configured.
var ErrUnknownProvider = errors.New("unknown reasoning provider")

// ErrShuttingDown is returned once Shutdown has been called.
var ErrShuttingDown = errors.New("service is shutting down")

// ServiceConfig configures the inbound service.
type ServiceConfig struct {
	// MaxConcurrent bounds executes driven at the same time. Further
	// executes wait for a slot.
	MaxConcurrent int

	// Validation limits submitted source.
	Validation api.ValidationConfig

	// KnownProvider reports whether a provider name is configured. Nil
	// accepts every name.
	KnownProvider func(name string) bool
}

// Service is the inbound surface: submit, get_status, execute, cancel and
// the attempt trail. It owns the in-flight registry, so at most one
// execute per script runs in this process.
type Service struct {
	store    ledger.Store
	sup      *Supervisor
	cfg      ServiceConfig
	inflight *InFlightRegistry
	slots    *semaphore.Weighted

	// base outlives requests; Shutdown cancels it.
	base     context.Context
	stop     context.CancelCauseFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	shutdown bool
}

// NewService creates a Service.
func NewService(store ledger.Store, sup *Supervisor, cfg ServiceConfig) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Validation.MaxSourceSize == 0 {
		cfg.Validation = api.DefaultValidationConfig()
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Service{
		store:    store,
		sup:      sup,
		cfg:      cfg,
		inflight: NewInFlightRegistry(),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		base:     base,
		stop:     stop,
	}
}

// Submit stores a new pending script. A markdown code fence wrapping the
// whole source is removed. With opts.AutoExecute the execute starts in the
// background.
func (s *Service) Submit(ctx context.Context, source string, opts api.SubmitOptions) (*api.Script, error) {
	source = repair.UnwrapFenced(source)
	if apiErr := api.ValidateSubmit(source, opts, s.cfg.Validation); apiErr != nil {
		return nil, apiErr
	}
	if opts.Provider != "" && s.cfg.KnownProvider != nil && !s.cfg.KnownProvider(opts.Provider) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, opts.Provider)
	}

	now := nowFn()
	script := &api.Script{
		ID:        api.NewScriptID(),
		Owner:     opts.Owner,
		Source:    source,
		Status:    api.ScriptStatusPending,
		Provider:  opts.Provider,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateScript(ctx, script); err != nil {
		return nil, fmt.Errorf("storing script: %w", err)
	}
	slog.Info("script submitted", "script_id", script.ID, "auto_execute", opts.AutoExecute)

	if opts.AutoExecute {
		if err := s.Start(script.ID); err != nil {
			return nil, err
		}
	}
	return script, nil
}

// GetStatus returns the status view of a script.
func (s *Service) GetStatus(ctx context.Context, id string) (*api.ScriptStatusView, error) {
	script, err := s.store.GetScript(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &api.ScriptStatusView{
		ID:             script.ID,
		Status:         script.Status,
		Attempts:       len(attempts),
		LastOutputPath: script.OutputPath,
		LastError:      script.LastError,
		FailureKind:    script.FailureKind,
	}, nil
}

// GetScript returns the script record.
func (s *Service) GetScript(ctx context.Context, id string) (*api.Script, error) {
	return s.store.GetScript(ctx, id)
}

// Attempts returns the attempt trail of a script.
func (s *Service) Attempts(ctx context.Context, id string) ([]*api.ExecutionAttempt, error) {
	return s.store.ListAttempts(ctx, id)
}

// Execute runs the script to a terminal status and returns it. ctx
// cancels the execute. A duplicate execute for the same script returns
// ErrAlreadyRunning.
func (s *Service) Execute(ctx context.Context, id string) (*api.Script, error) {
	run, err := s.register(ctx, id)
	if err != nil {
		return nil, err
	}
	return run()
}

// Start begins an execute in the background, detached from any request.
// Duplicates return ErrAlreadyRunning.
func (s *Service) Start(id string) error {
	if _, err := s.store.GetScript(s.base, id); err != nil {
		return err
	}
	run, err := s.register(s.base, id)
	if err != nil {
		return err
	}
	go func() {
		if _, err := run(); err != nil {
			slog.Error("background execute failed", "script_id", id, "error", err)
		}
	}()
	return nil
}

// register claims id in the in-flight registry and returns the function
// that drives the execute and releases the claim.
func (s *Service) register(parent context.Context, id string) (func() (*api.Script, error), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, ErrShuttingDown
	}

	ctx, cancel := context.WithCancelCause(parent)
	if !s.inflight.TryRegister(id, func() { cancel(ErrCancelled) }) {
		cancel(nil)
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	stopOnShutdown := context.AfterFunc(s.base, func() { cancel(context.Cause(s.base)) })
	s.wg.Add(1)

	return func() (*api.Script, error) {
		defer s.wg.Done()
		defer s.inflight.Remove(id)
		defer stopOnShutdown()
		defer cancel(nil)

		if err := s.slots.Acquire(ctx, 1); err != nil {
			// Never started; the script keeps its status.
			return nil, err
		}
		defer s.slots.Release(1)
		return s.sup.Execute(ctx, id)
	}, nil
}

// Cancel stops the execute in flight for id. The open attempt is sealed as
// cancelled and the script fails with kind cancelled.
func (s *Service) Cancel(id string) error {
	if !s.inflight.Cancel(id) {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	slog.Info("cancel requested", "script_id", id)
	return nil
}

// Running returns the number of executes in flight.
func (s *Service) Running() int {
	return s.inflight.Len()
}

// Recover seals attempts left open by a previous process.
func (s *Service) Recover(ctx context.Context) error {
	n, err := s.store.RecoverInterrupted(ctx, nowFn())
	if err != nil {
		return fmt.Errorf("recovering interrupted executions: %w", err)
	}
	if n > 0 {
		slog.Warn("recovered interrupted executions", "scripts", n)
	}
	return nil
}

// Shutdown cancels every execute in flight and waits for them to record
// their outcome, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.stop(errors.New("execution cancelled by shutdown"))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d executes: %w", s.inflight.Len(), ctx.Err())
	}
}
