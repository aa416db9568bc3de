package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/deps"
	"github.com/rhuss/omega/pkg/ledger/memory"
	"github.com/rhuss/omega/pkg/reasoning"
	"github.com/rhuss/omega/pkg/repair"
	"github.com/rhuss/omega/pkg/sandbox"
)

// step is one scripted sandbox run.
type step struct {
	res   *sandbox.RunResult
	err   error
	block bool
}

func okStep(path string) step {
	return step{res: &sandbox.RunResult{Stdout: "rendered", OutputPath: path, Success: true}}
}

func failStep(stderr string) step {
	return step{res: &sandbox.RunResult{ExitCode: 1, Stderr: stderr}}
}

func timeoutStep(stderr string) step {
	return step{
		res: &sandbox.RunResult{ExitCode: -1, Stderr: stderr},
		err: api.NewExecError(api.KindExecutionTimeout, "sandbox sb-0", errors.New("script exceeded 1s")),
	}
}

func lostStep() step {
	return step{err: api.NewExecError(api.KindSandboxUnavailable, "sandbox sb-0", sandbox.ErrLost)}
}

func blockStep() step {
	return step{block: true}
}

var errUnavailable = api.NewExecError(api.KindSandboxUnavailable, "sandbox sb-0", sandbox.ErrStartFailed)

// fakeRunner replays steps in order; the last step repeats.
type fakeRunner struct {
	mu         sync.Mutex
	steps      []step
	runs       []sandbox.RunRequest
	ready      func(call int) error
	readyCalls int
	started    chan struct{}

	running    atomic.Int32
	maxRunning atomic.Int32
}

func newRunner(steps ...step) *fakeRunner {
	return &fakeRunner{steps: steps, started: make(chan struct{}, 64)}
}

func (f *fakeRunner) Pick(preferred string) string {
	if preferred != "" {
		return preferred
	}
	return "sb-0"
}

func (f *fakeRunner) EnsureReady(ctx context.Context, id string) error {
	f.mu.Lock()
	f.readyCalls++
	call := f.readyCalls
	ready := f.ready
	f.mu.Unlock()
	if ready == nil {
		return nil
	}
	return ready(call)
}

func (f *fakeRunner) Run(ctx context.Context, id string, req sandbox.RunRequest) (*sandbox.RunResult, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		prev := f.maxRunning.Load()
		if n <= prev || f.maxRunning.CompareAndSwap(prev, n) {
			break
		}
	}

	f.mu.Lock()
	f.runs = append(f.runs, req)
	idx := len(f.runs) - 1
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	st := f.steps[idx]
	f.mu.Unlock()
	f.started <- struct{}{}

	if st.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return st.res, st.err
}

func (f *fakeRunner) Runs() []sandbox.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.RunRequest(nil), f.runs...)
}

func (f *fakeRunner) ReadyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyCalls
}

// fakeInstaller mimics the sandbox's per-session install record.
type fakeInstaller struct {
	mu        sync.Mutex
	requested map[string]bool
	fail      map[string]bool
	calls     []string
}

func newInstaller() *fakeInstaller {
	return &fakeInstaller{requested: map[string]bool{}, fail: map[string]bool{}}
}

func (f *fakeInstaller) Install(_ context.Context, _, pkg string) (sandbox.InstallResult, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pkg)
	if f.requested[pkg] {
		return sandbox.InstallAlreadyRequested, "", nil
	}
	f.requested[pkg] = true
	if f.fail[pkg] {
		return sandbox.InstallFailed, "ERROR: No matching distribution found for " + pkg, nil
	}
	return sandbox.InstallInstalled, "Successfully installed " + pkg, nil
}

// fakeCompleter replays reasoning answers; the last one repeats.
type fakeCompleter struct {
	mu      sync.Mutex
	answers []string
	err     error
	calls   int
}

func (f *fakeCompleter) Complete(_ context.Context, _ string, _ *reasoning.Request) (*reasoning.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.answers) {
		i = len(f.answers) - 1
	}
	return &reasoning.Response{Text: f.answers[i]}, nil
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store     *memory.Store
	runner    *fakeRunner
	installer *fakeInstaller
	completer *fakeCompleter
	sup       *Supervisor
}

func testBudget() Budget {
	return Budget{
		DependencyRounds: 3,
		RepairRounds:     2,
		SandboxAttempts:  3,
		ExecutionTimeout: time.Second,
	}
}

func newHarness(t *testing.T, runner *fakeRunner, answers ...string) *harness {
	t.Helper()
	if len(answers) == 0 {
		answers = []string{""}
	}
	h := &harness{
		store:     memory.New(),
		runner:    runner,
		installer: newInstaller(),
		completer: &fakeCompleter{answers: answers},
	}
	h.sup = New(h.store, runner, deps.NewResolver(h.installer), repair.NewAdvisor(h.completer), testBudget())
	return h
}

func (h *harness) submit(t *testing.T, source string) string {
	t.Helper()
	now := time.Now().UTC()
	s := &api.Script{
		ID:        api.NewScriptID(),
		Source:    source,
		Status:    api.ScriptStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateScript(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return s.ID
}

func (h *harness) attempts(t *testing.T, id string) []*api.ExecutionAttempt {
	t.Helper()
	atts, err := h.store.ListAttempts(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return atts
}

func assertGapFree(t *testing.T, atts []*api.ExecutionAttempt) {
	t.Helper()
	for i, a := range atts {
		if a.Number != i+1 {
			t.Errorf("attempt %d has number %d", i, a.Number)
		}
		if a.InFlight() {
			t.Errorf("attempt %d left open", a.Number)
		}
	}
}
