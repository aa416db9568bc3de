// Package sandbox manages the pool of isolated execution environments that
// run generated scripts.
//
// The pool is an arena of sandboxes indexed by id. Each sandbox has a FIFO
// lock, so at most one run or install is in flight per sandbox and waiters
// are served in arrival order. Waiting is cancellable through the context.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rhuss/omega/pkg/debug"
	"github.com/rhuss/omega/pkg/observability"
	"github.com/rhuss/omega/pkg/sandbox/client"
)

// Runtime is the outbound protocol spoken to a sandbox runtime server.
// *client.Client implements it.
type Runtime interface {
	Health(ctx context.Context, baseURL string) (*client.HealthResponse, error)
	Execute(ctx context.Context, baseURL string, req *client.ExecuteRequest) (*client.ExecuteResponse, error)
	Install(ctx context.Context, baseURL string, req *client.InstallRequest) (*client.InstallResponse, error)
}

// Ensure *client.Client satisfies Runtime at compile time.
var _ Runtime = (*client.Client)(nil)

// Config holds SandboxManager settings.
type Config struct {
	// StartupTimeout bounds the health polling after a sandbox is provisioned.
	StartupTimeout time.Duration

	// HealthInterval is the delay between health polls during startup.
	HealthInterval time.Duration

	// OutputLimit caps stdout and stderr each, in bytes.
	OutputLimit int

	// ArtifactDir is the root directory for copied-out artifacts.
	ArtifactDir string

	// Mode is the runtime mode requested for runs (manim or python).
	Mode string

	// Quality is the manim quality flag requested for runs.
	Quality string

	// InstallTimeout bounds one package installation.
	InstallTimeout time.Duration

	// Grace is added to the run timeout for the HTTP round trip, so the
	// sandbox reports its own timeout before the client gives up.
	Grace time.Duration
}

func (c *Config) defaults() {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 60 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 500 * time.Millisecond
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = 64 << 10
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = "media"
	}
	if c.Mode == "" {
		c.Mode = client.ModeManim
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = 5 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
}

// RunRequest describes one script run.
type RunRequest struct {
	ScriptID string
	Attempt  int
	Source   string
	Timeout  time.Duration
}

// RunResult is the captured result of a run that reached the sandbox.
type RunResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool

	// OutputPath is the primary artifact, copied out on success only.
	OutputPath string

	// Success is set for a zero exit that produced the expected output. In
	// manim mode that requires a rendered file.
	Success bool

	Duration time.Duration
}

// InstallResult is the outcome of an install request.
type InstallResult string

const (
	InstallInstalled        InstallResult = "installed"
	InstallAlreadyRequested InstallResult = "already-requested"
	InstallFailed           InstallResult = "failed"
)

// Status is a point-in-time view of one sandbox.
type Status struct {
	ID              string    `json:"id"`
	Endpoint        string    `json:"endpoint,omitempty"`
	Running         bool      `json:"running"`
	Session         string    `json:"session,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	Installed       []string  `json:"installed,omitempty"`
	FailedInstalls  []string  `json:"failed_installs,omitempty"`
	Queued          int       `json:"queued"`
}

// instance is one arena slot.
type instance struct {
	id string

	// lock serializes runs and installs. semaphore.Weighted grants waiters
	// in FIFO order.
	lock *semaphore.Weighted

	// start serializes EnsureReady.
	start *semaphore.Weighted

	// queued counts callers holding or waiting for lock.
	queued atomic.Int32

	mu         sync.Mutex
	endpoint   string
	running    bool
	session    string
	lastHealth time.Time
	installed  map[string]bool // package -> install succeeded
}

// observeSession resets the per-session install record when the server
// behind the sandbox restarted. Callers hold in.mu.
func (in *instance) observeSession(session string) {
	if session == "" || session == in.session {
		return
	}
	if in.session != "" {
		slog.Info("sandbox session changed, clearing installed packages",
			"sandbox_id", in.id, "previous", in.session, "session", session)
	}
	in.session = session
	in.installed = make(map[string]bool)
}

func (in *instance) markLost() {
	in.mu.Lock()
	in.running = false
	in.mu.Unlock()
}

// Manager owns the sandbox pool.
type Manager struct {
	cfg         Config
	provisioner Provisioner
	runtime     Runtime
	order       []string
	pool        map[string]*instance
}

// NewManager creates a manager for the given pool slot ids.
func NewManager(ids []string, prov Provisioner, rt Runtime, cfg Config) *Manager {
	cfg.defaults()
	m := &Manager{
		cfg:         cfg,
		provisioner: prov,
		runtime:     rt,
		order:       append([]string(nil), ids...),
		pool:        make(map[string]*instance, len(ids)),
	}
	for _, id := range ids {
		m.pool[id] = &instance{
			id:        id,
			lock:      semaphore.NewWeighted(1),
			start:     semaphore.NewWeighted(1),
			installed: make(map[string]bool),
		}
	}
	return m
}

// IDs returns the pool slot ids.
func (m *Manager) IDs() []string {
	return append([]string(nil), m.order...)
}

func (m *Manager) get(id string) (*instance, error) {
	in, ok := m.pool[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandbox, id)
	}
	return in, nil
}

// Pick chooses a sandbox for the next attempt. The preferred sandbox is
// kept while it is running and idle; otherwise the running sandbox with the
// shortest queue wins, falling back to the least queued slot overall.
func (m *Manager) Pick(preferred string) string {
	if in, ok := m.pool[preferred]; ok {
		in.mu.Lock()
		running := in.running
		in.mu.Unlock()
		if running && in.queued.Load() == 0 {
			return preferred
		}
	}

	best, bestRunning, bestQueue := "", false, int32(math.MaxInt32)
	for _, id := range m.order {
		in := m.pool[id]
		in.mu.Lock()
		running := in.running
		in.mu.Unlock()
		q := in.queued.Load()

		better := best == "" ||
			(running && !bestRunning) ||
			(running == bestRunning && q < bestQueue)
		if better {
			best, bestRunning, bestQueue = id, running, q
		}
	}
	return best
}

// EnsureReady makes sure sandbox id is running and healthy. It is
// idempotent: a running sandbox is only health-checked. A failed check
// waits for the sandbox's current run, checks again, and then provisions
// it again and polls health until the startup deadline. The provisioner is
// called at most once per call.
func (m *Manager) EnsureReady(ctx context.Context, id string) error {
	in, err := m.get(id)
	if err != nil {
		return unavailable(id, err)
	}

	if err := in.start.Acquire(ctx, 1); err != nil {
		return err
	}
	defer in.start.Release(1)

	err = m.ensureReady(ctx, in)
	result := "ok"
	if err != nil {
		result = "unavailable"
	}
	observability.SandboxAcquisitionsTotal.WithLabelValues(result).Inc()
	return err
}

func (m *Manager) ensureReady(ctx context.Context, in *instance) error {
	in.mu.Lock()
	running, endpoint := in.running, in.endpoint
	in.mu.Unlock()

	if running {
		health, err := m.runtime.Health(ctx, endpoint)
		if err == nil {
			m.recordHealth(in, health)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A run may still hold the sandbox. Restart only once it is done,
		// and only if the sandbox is still unhealthy then.
		in.queued.Add(1)
		if err := in.lock.Acquire(ctx, 1); err != nil {
			in.queued.Add(-1)
			return err
		}
		defer func() {
			in.lock.Release(1)
			in.queued.Add(-1)
		}()
		health, err = m.runtime.Health(ctx, endpoint)
		if err == nil {
			m.recordHealth(in, health)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("sandbox failed health check, restarting", "sandbox_id", in.id, "error", err)
		in.markLost()
	}

	endpoint, err := m.provisioner.Provision(ctx, in.id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return unavailable(in.id, fmt.Errorf("%w: %v", ErrStartFailed, err))
	}
	in.mu.Lock()
	in.endpoint = endpoint
	in.mu.Unlock()

	debug.Log("sandbox", "waiting for sandbox health", "sandbox_id", in.id, "endpoint", endpoint)

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		health, err := m.runtime.Health(startCtx, endpoint)
		if err == nil {
			m.recordHealth(in, health)
			slog.Info("sandbox ready", "sandbox_id", in.id, "endpoint", endpoint, "session", health.Session)
			return nil
		}
		lastErr = err

		select {
		case <-startCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return unavailable(in.id, fmt.Errorf("%w after %s: %v", ErrStartupTimeout, m.cfg.StartupTimeout, lastErr))
		case <-ticker.C:
		}
	}
}

func (m *Manager) recordHealth(in *instance, health *client.HealthResponse) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.running = true
	in.lastHealth = time.Now()
	in.observeSession(health.Session)
}

// acquire takes the FIFO lock of a running sandbox.
func (m *Manager) acquire(ctx context.Context, id string) (*instance, string, func(), error) {
	in, err := m.get(id)
	if err != nil {
		return nil, "", nil, unavailable(id, err)
	}

	in.queued.Add(1)
	if err := in.lock.Acquire(ctx, 1); err != nil {
		in.queued.Add(-1)
		return nil, "", nil, err
	}
	release := func() {
		in.lock.Release(1)
		in.queued.Add(-1)
	}

	in.mu.Lock()
	running, endpoint := in.running, in.endpoint
	in.mu.Unlock()
	if !running {
		release()
		return nil, "", nil, unavailable(id, ErrNotReady)
	}
	return in, endpoint, release, nil
}

// Run copies the script into sandbox id, executes it under req.Timeout and,
// on success, copies the artifacts out. A script that fails inside the
// sandbox is not an error: its exit code and output are in the result.
// Errors carry api.KindExecutionTimeout (the result still holds the
// captured output) or api.KindSandboxUnavailable (including a failed
// artifact copy-out), or are the context error.
func (m *Manager) Run(ctx context.Context, id string, req RunRequest) (*RunResult, error) {
	in, endpoint, release, err := m.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	timeoutSecs := int(math.Ceil(req.Timeout.Seconds()))
	if timeoutSecs < 1 {
		timeoutSecs = 1
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second+m.cfg.Grace)
	defer cancel()

	debug.Log("sandbox", "run", "sandbox_id", id, "script_id", req.ScriptID, "attempt", req.Attempt,
		"code", debug.Truncate(req.Source, 200))

	resp, err := m.runtime.Execute(runCtx, endpoint, &client.ExecuteRequest{
		Code:           req.Source,
		Mode:           m.cfg.Mode,
		Quality:        m.cfg.Quality,
		TimeoutSeconds: timeoutSecs,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return &RunResult{ExitCode: -1, Stderr: fmt.Sprintf("execution timed out after %s", req.Timeout)},
				timedOut(id, err)
		case errors.Is(err, client.ErrUnreachable):
			in.markLost()
			return nil, unavailable(id, fmt.Errorf("%w: %v", ErrLost, err))
		default:
			return nil, unavailable(id, err)
		}
	}

	in.mu.Lock()
	in.observeSession(resp.Session)
	in.mu.Unlock()

	res := &RunResult{
		ExitCode:  resp.ExitCode,
		Truncated: resp.Truncated,
		Duration:  time.Duration(resp.ExecutionTimeMs) * time.Millisecond,
	}
	var cut bool
	res.Stdout, cut = client.TruncateOutput(resp.Stdout, m.cfg.OutputLimit)
	res.Truncated = res.Truncated || cut
	res.Stderr, cut = client.TruncateOutput(resp.Stderr, m.cfg.OutputLimit)
	res.Truncated = res.Truncated || cut

	if resp.Status == client.StatusTimeout {
		return res, timedOut(id, fmt.Errorf("script exceeded %s", req.Timeout))
	}

	if resp.ExitCode == 0 {
		out, err := writeArtifacts(m.cfg.ArtifactDir, req.ScriptID, req.Attempt, resp.FilesProduced)
		if err != nil {
			return nil, unavailable(id, fmt.Errorf("copying artifacts out: %w", err))
		}
		res.OutputPath = out
		res.Success = out != "" || m.cfg.Mode != client.ModeManim
		if !res.Success {
			if res.Stderr != "" {
				res.Stderr += "\n"
			}
			res.Stderr += "No output file generated"
		}
	}

	return res, nil
}

// Install installs pkg into sandbox id for the current session. A package
// already requested in this session is not requested again, whether or not
// the first request succeeded.
func (m *Manager) Install(ctx context.Context, id, pkg string) (InstallResult, string, error) {
	in, endpoint, release, err := m.acquire(ctx, id)
	if err != nil {
		return InstallFailed, "", err
	}
	defer release()

	in.mu.Lock()
	_, requested := in.installed[pkg]
	if !requested {
		in.installed[pkg] = false
	}
	session := in.session
	in.mu.Unlock()
	if requested {
		return InstallAlreadyRequested, "", nil
	}

	installCtx, cancel := context.WithTimeout(ctx, m.cfg.InstallTimeout+m.cfg.Grace)
	defer cancel()

	resp, err := m.runtime.Install(installCtx, endpoint, &client.InstallRequest{
		Package:        pkg,
		TimeoutSeconds: int(m.cfg.InstallTimeout.Seconds()),
	})
	if err != nil {
		if ctx.Err() != nil {
			return InstallFailed, "", ctx.Err()
		}
		if errors.Is(err, client.ErrUnreachable) {
			in.markLost()
			return InstallFailed, "", unavailable(id, fmt.Errorf("%w: %v", ErrLost, err))
		}
		return InstallFailed, err.Error(), nil
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if resp.Session != session {
		// Restarted mid-request: the new session owns a fresh record.
		in.observeSession(resp.Session)
		in.installed[pkg] = false
	}
	if resp.Status != client.InstallInstalled {
		return InstallFailed, resp.Output, nil
	}
	in.installed[pkg] = true
	return InstallInstalled, resp.Output, nil
}

// Snapshot returns the status of every sandbox in pool order.
func (m *Manager) Snapshot() []Status {
	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		in := m.pool[id]
		in.mu.Lock()
		st := Status{
			ID:              id,
			Endpoint:        in.endpoint,
			Running:         in.running,
			Session:         in.session,
			LastHealthCheck: in.lastHealth,
			Queued:          int(in.queued.Load()),
		}
		for pkg, ok := range in.installed {
			if ok {
				st.Installed = append(st.Installed, pkg)
			} else {
				st.FailedInstalls = append(st.FailedInstalls, pkg)
			}
		}
		in.mu.Unlock()
		sort.Strings(st.Installed)
		sort.Strings(st.FailedInstalls)
		out = append(out, st)
	}
	return out
}

// Close releases every provisioned sandbox.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, id := range m.order {
		if err := m.provisioner.Release(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("releasing %s: %w", id, err))
		}
		m.pool[id].markLost()
	}
	return errors.Join(errs...)
}
