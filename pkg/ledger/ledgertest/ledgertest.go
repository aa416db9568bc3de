// Package ledgertest provides a behavioural test suite shared by all
// ledger.Store implementations.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/ledger"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ledger.Store

// NewScript returns a pending script with a fresh ID.
func NewScript(source string) *api.Script {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &api.Script{
		ID:        api.NewScriptID(),
		Owner:     "user-1",
		Source:    source,
		Status:    api.ScriptStatusPending,
		Provider:  "openai",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateConflict", func(t *testing.T) { testCreateConflict(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("AttemptNumbersGapFree", func(t *testing.T) { testAttemptNumbers(t, newStore(t)) })
	t.Run("OneAttemptInFlight", func(t *testing.T) { testOneInFlight(t, newStore(t)) })
	t.Run("CompleteUpdatesScript", func(t *testing.T) { testCompleteUpdatesScript(t, newStore(t)) })
	t.Run("CompleteTwice", func(t *testing.T) { testCompleteTwice(t, newStore(t)) })
	t.Run("InvalidTransitionLeavesRecords", func(t *testing.T) { testInvalidTransition(t, newStore(t)) })
	t.Run("RepairReplacesSource", func(t *testing.T) { testRepairReplacesSource(t, newStore(t)) })
	t.Run("ClaimRejectsActive", func(t *testing.T) { testClaimRejectsActive(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("ConcurrentBegin", func(t *testing.T) { testConcurrentBegin(t, newStore(t)) })
	t.Run("RecoverInterrupted", func(t *testing.T) { testRecoverInterrupted(t, newStore(t)) })
}

func mustCreate(t *testing.T, store ledger.Store, source string) *api.Script {
	t.Helper()
	sc := NewScript(source)
	if err := store.CreateScript(context.Background(), sc); err != nil {
		t.Fatalf("CreateScript: %v", err)
	}
	return sc
}

func mustClaim(t *testing.T, store ledger.Store, id string) {
	t.Helper()
	if _, err := store.ClaimScript(context.Background(), id); err != nil {
		t.Fatalf("ClaimScript: %v", err)
	}
}

func runtimeError(stderr string) api.AttemptResult {
	return api.AttemptResult{
		Outcome:  api.OutcomeRuntimeError,
		ExitCode: 1,
		Stderr:   stderr,
		EndedAt:  time.Now().UTC(),
	}
}

func testCreateAndGet(t *testing.T, store ledger.Store) {
	sc := mustCreate(t, store, "print('hi')")

	got, err := store.GetScript(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("GetScript: %v", err)
	}
	if got.Source != sc.Source || got.Status != api.ScriptStatusPending || got.Owner != "user-1" {
		t.Errorf("GetScript = %+v, want source/status/owner round-tripped", got)
	}
	if got.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", got.Provider)
	}
}

func testCreateConflict(t *testing.T, store ledger.Store) {
	sc := mustCreate(t, store, "x = 1")
	if err := store.CreateScript(context.Background(), sc); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("duplicate CreateScript error = %v, want ErrConflict", err)
	}
}

func testGetNotFound(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	if _, err := store.GetScript(ctx, "scr_missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("GetScript error = %v, want ErrNotFound", err)
	}
	if _, err := store.ListAttempts(ctx, "scr_missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("ListAttempts error = %v, want ErrNotFound", err)
	}
	if _, err := store.CompleteAttempt(ctx, "att_missing", runtimeError("x"), api.ScriptUpdate{}); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("CompleteAttempt error = %v, want ErrNotFound", err)
	}
}

func testAttemptNumbers(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	sc := mustCreate(t, store, "import numpy")
	mustClaim(t, store, sc.ID)

	for i := 1; i <= 3; i++ {
		a, err := store.BeginAttempt(ctx, sc.ID, "sandbox-0", time.Now().UTC())
		if err != nil {
			t.Fatalf("BeginAttempt #%d: %v", i, err)
		}
		if a.Number != i {
			t.Errorf("attempt number = %d, want %d", a.Number, i)
		}
		if !a.InFlight() {
			t.Errorf("attempt #%d should be in flight", i)
		}
		if _, err := store.CompleteAttempt(ctx, a.ID, runtimeError("boom"), api.ScriptUpdate{Status: api.ScriptStatusRunning}); err != nil {
			t.Fatalf("CompleteAttempt #%d: %v", i, err)
		}
	}

	trail, err := store.ListAttempts(ctx, sc.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("len(trail) = %d, want 3", len(trail))
	}
	for i, a := range trail {
		if a.Number != i+1 {
			t.Errorf("trail[%d].Number = %d, want %d", i, a.Number, i+1)
		}
		if a.Outcome != api.OutcomeRuntimeError || a.Stderr != "boom" || a.ExitCode != 1 {
			t.Errorf("trail[%d] = %+v, want sealed runtime error", i, a)
		}
		if a.EndedAt == nil {
			t.Errorf("trail[%d] should be sealed", i)
		}
	}
}

func testOneInFlight(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	sc := mustCreate(t, store, "x")
	mustClaim(t, store, sc.ID)

	if _, err := store.BeginAttempt(ctx, sc.ID, "sandbox-0", time.Now().UTC()); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if _, err := store.BeginAttempt(ctx, sc.ID, "sandbox-1", time.Now().UTC()); !errors.Is(err, ledger.ErrAttemptInFlight) {
		t.Errorf("second BeginAttempt error = %v, want ErrAttemptInFlight", err)
	}
}

func testCompleteUpdatesScript(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	sc := mustCreate(t, store, "class A(Scene): pass")
	mustClaim(t, store, sc.ID)

	a, err := store.BeginAttempt(ctx, sc.ID, "sandbox-0", time.Now().UTC())
	if err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	res := api.AttemptResult{
		Outcome:    api.OutcomeSuccess,
		Stdout:     "rendered",
		OutputPath: "media/" + sc.ID + "/1/A.mp4",
		EndedAt:    time.Now().UTC(),
	}
	sealed, err := store.CompleteAttempt(ctx, a.ID, res, api.ScriptUpdate{
		Status:     api.ScriptStatusSucceeded,
		OutputPath: res.OutputPath,
	})
	if err != nil {
		t.Fatalf("CompleteAttempt: %v", err)
	}
	if sealed.OutputPath != res.OutputPath || sealed.Outcome != api.OutcomeSuccess {
		t.Errorf("sealed = %+v, want success with output path", sealed)
	}

	got, err := store.GetScript(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetScript: %v", err)
	}
	if got.Status != api.ScriptStatusSucceeded || got.OutputPath != res.OutputPath {
		t.Errorf("script = %+v, want succeeded with output path", got)
	}
}

func testCompleteTwice(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	sc := mustCreate(t, store, "x")
	mustClaim(t, store, sc.ID)

	a, err := store.BeginAttempt(ctx, sc.ID, "sandbox-0", time.Now().UTC())
	if err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if _, err := store.CompleteAttempt(ctx, a.ID, runtimeError("e"), api.ScriptUpdate{Status: api.ScriptStatusRunning}); err != nil {
		t.Fatalf("CompleteAttempt: %v", err)
	}
	if _, err := store.CompleteAttempt(ctx, a.ID, runtimeError("e"), api.ScriptUpdate{Status: api.ScriptStatusRunning}); !errors.Is(err, ledger.ErrAttemptSealed) {
		t.Errorf("second CompleteAttempt error = %v, want ErrAttemptSealed", err)
	}
}

func testInvalidTransition(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	sc := mustCreate(t, store, "x")
	mustClaim(t, store, sc.ID)

	a, err := store.BeginAttempt(ctx, sc.ID, "sandbox-0", time.Now().UTC())
	if err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	done := api.AttemptResult{Outcome: api.OutcomeSuccess, OutputPath: "out.mp4", EndedAt: time.Now().UTC()}
	if _, err := store.CompleteAttempt(ctx, a.ID, done, api.ScriptUpdate{Status: api.ScriptStatusSucceeded, OutputPath: "out.mp4"}); err != nil {
		t.Fatalf("CompleteAttempt: %v", err)
	}

	// Succeeded is final.
	if _, err := store.UpdateScript(ctx, sc.ID, api.ScriptUpdate{Status: api.ScriptStatusRunning}); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Errorf("UpdateScript(succeeded->running) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := store.BeginAttempt(ctx, sc.ID, "sandbox-0", time.Now().UTC()); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Errorf("BeginAttempt on succeeded error = %v, want ErrInvalidTransition", err)
	}

	trail, err := store.ListAttempts(ctx, sc.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(trail) != 1 {
		t.Errorf("len(trail) = %d, want 1 (rejected begin must not append)", len(trail))
	}
}

func testRepairReplacesSource(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	sc := mustCreate(t, store, "broken(")
	mustClaim(t, store, sc.ID)

	if _, err := store.UpdateScript(ctx, sc.ID, api.ScriptUpdate{Status: api.ScriptStatusRepairing, LastError: "SyntaxError"}); err != nil {
		t.Fatalf("UpdateScript(repairing): %v", err)
	}
	fixed := "fixed()"
	got, err := store.UpdateScript(ctx, sc.ID, api.ScriptUpdate{Source: &fixed})
	if err != nil {
		t.Fatalf("UpdateScript(source): %v", err)
	}
	if got.Source != fixed || got.Status != api.ScriptStatusRepairing || got.LastError != "SyntaxError" {
		t.Errorf("script = %+v, want new source with status and error kept", got)
	}

	a, err := store.BeginAttempt(ctx, sc.ID, "sandbox-0", time.Now().UTC())
	if err != nil {
		t.Fatalf("BeginAttempt after repair: %v", err)
	}
	if a.Number != 1 {
		t.Errorf("attempt number = %d, want 1", a.Number)
	}
	got, _ = store.GetScript(ctx, sc.ID)
	if got.Status != api.ScriptStatusRunning {
		t.Errorf("status after BeginAttempt = %q, want running", got.Status)
	}
}

func testClaimRejectsActive(t *testing.T, store ledger.Store) {
	ctx := context.Background()

	if _, err := store.ClaimScript(ctx, "scr_missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("ClaimScript(missing) = %v, want ErrNotFound", err)
	}

	sc := mustCreate(t, store, "x")
	claimed, err := store.ClaimScript(ctx, sc.ID)
	if err != nil {
		t.Fatalf("ClaimScript(pending): %v", err)
	}
	if claimed.Status != api.ScriptStatusRunning {
		t.Errorf("status = %s, want running", claimed.Status)
	}
	if _, err := store.ClaimScript(ctx, sc.ID); !errors.Is(err, ledger.ErrScriptActive) {
		t.Errorf("ClaimScript(running) = %v, want ErrScriptActive", err)
	}

	if _, err := store.UpdateScript(ctx, sc.ID, api.ScriptUpdate{Status: api.ScriptStatusRepairing, LastError: "NameError"}); err != nil {
		t.Fatalf("UpdateScript(repairing): %v", err)
	}
	if _, err := store.ClaimScript(ctx, sc.ID); !errors.Is(err, ledger.ErrScriptActive) {
		t.Errorf("ClaimScript(repairing) = %v, want ErrScriptActive", err)
	}

	if _, err := store.UpdateScript(ctx, sc.ID, api.ScriptUpdate{
		Status: api.ScriptStatusFailed, FailureKind: api.KindBudgetExhausted, LastError: "NameError",
	}); err != nil {
		t.Fatalf("UpdateScript(failed): %v", err)
	}
	reclaimed, err := store.ClaimScript(ctx, sc.ID)
	if err != nil {
		t.Fatalf("ClaimScript(failed): %v", err)
	}
	if reclaimed.FailureKind != "" || reclaimed.LastError != "NameError" {
		t.Errorf("reclaimed = %+v, want kind cleared and last error kept", reclaimed)
	}

	got, err := store.GetScript(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetScript: %v", err)
	}
	if got.Status != api.ScriptStatusRunning {
		t.Errorf("stored status = %s, want running", got.Status)
	}
}

func testConcurrentClaim(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	sc := mustCreate(t, store, "x")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		active  int
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.ClaimScript(ctx, sc.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed++
			case errors.Is(err, ledger.ErrScriptActive):
				active++
			default:
				t.Errorf("ClaimScript: unexpected error %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if claimed != 1 || active != workers-1 {
		t.Errorf("claimed=%d active=%d, want 1/%d", claimed, active, workers-1)
	}
}

func testConcurrentBegin(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	sc := mustCreate(t, store, "x")
	mustClaim(t, store, sc.ID)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		opened   int
		inFlight int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.BeginAttempt(ctx, sc.ID, "sandbox-0", time.Now().UTC())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				opened++
			case errors.Is(err, ledger.ErrAttemptInFlight):
				inFlight++
			default:
				t.Errorf("BeginAttempt: unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if opened != 1 || inFlight != workers-1 {
		t.Errorf("opened=%d inFlight=%d, want 1/%d", opened, inFlight, workers-1)
	}
}

func testRecoverInterrupted(t *testing.T, store ledger.Store) {
	ctx := context.Background()

	running := mustCreate(t, store, "x")
	mustClaim(t, store, running.ID)
	a, err := store.BeginAttempt(ctx, running.ID, "sandbox-0", time.Now().UTC())
	if err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	repairing := mustCreate(t, store, "y")
	mustClaim(t, store, repairing.ID)
	if _, err := store.UpdateScript(ctx, repairing.ID, api.ScriptUpdate{Status: api.ScriptStatusRepairing}); err != nil {
		t.Fatalf("UpdateScript(repairing): %v", err)
	}

	pending := mustCreate(t, store, "z")

	n, err := store.RecoverInterrupted(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	// Stores shared between subtests may hold other active scripts.
	if n < 2 {
		t.Errorf("recovered = %d, want at least 2", n)
	}

	trail, _ := store.ListAttempts(ctx, running.ID)
	if len(trail) != 1 || trail[0].ID != a.ID || trail[0].InFlight() || trail[0].Outcome != api.OutcomeCancelled {
		t.Errorf("interrupted attempt = %+v, want sealed as cancelled", trail[0])
	}

	for _, id := range []string{running.ID, repairing.ID} {
		got, _ := store.GetScript(ctx, id)
		if got.Status != api.ScriptStatusFailed || got.FailureKind != api.KindCancelled || got.LastError != ledger.InterruptedMessage {
			t.Errorf("script %s = %+v, want failed/cancelled", id, got)
		}
	}
	got, _ := store.GetScript(ctx, pending.ID)
	if got.Status != api.ScriptStatusPending {
		t.Errorf("pending script status = %q, want untouched", got.Status)
	}
}
