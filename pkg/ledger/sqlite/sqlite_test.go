package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/ledger"
	"github.com/rhuss/omega/pkg/ledger/ledgertest"
)

func newStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return newStore(t, filepath.Join(t.TempDir(), "omega.db"))
	})
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	store := newStore(t, filepath.Join(t.TempDir(), "omega.db"))

	applied, err := store.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if applied != 0 {
		t.Errorf("second Migrate applied %d migrations, want 0", applied)
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "omega.db")

	store, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sc := ledgertest.NewScript("print(1)")
	if err := store.CreateScript(ctx, sc); err != nil {
		t.Fatalf("CreateScript: %v", err)
	}
	if _, err := store.UpdateScript(ctx, sc.ID, api.ScriptUpdate{Status: api.ScriptStatusRunning}); err != nil {
		t.Fatalf("UpdateScript: %v", err)
	}
	if _, err := store.BeginAttempt(ctx, sc.ID, "sandbox-0", time.Now().UTC()); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	store.Close()

	// A restart finds the open attempt and recovers it.
	reopened := newStore(t, path)
	n, err := reopened.RecoverInterrupted(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	trail, err := reopened.ListAttempts(ctx, sc.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(trail) != 1 || trail[0].InFlight() {
		t.Errorf("trail = %+v, want one sealed attempt", trail)
	}
}
