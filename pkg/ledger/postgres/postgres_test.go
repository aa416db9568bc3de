package postgres

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhuss/omega/pkg/ledger"
	"github.com/rhuss/omega/pkg/ledger/ledgertest"
)

func init() {
	// Configure testcontainers to use podman when no Docker host is set.
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			sock := strings.TrimSpace(string(out))
			if sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
			}
		}
	}
	// Ryuk needs privileged mode with podman.
	if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
	}
}

// setupTestDB starts a PostgreSQL container and returns its connection string.
// Tests are skipped if no container runtime is available.
func setupTestDB(t *testing.T) string {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}
	if testing.Short() {
		t.Skip("short mode, skipping PostgreSQL integration tests")
	}

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("omega_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container: %v", err)
	}

	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}
	return connStr
}

func newStore(t *testing.T, dsn string) *Store {
	t.Helper()
	store, err := New(context.Background(), Config{
		DSN:            dsn,
		MaxConns:       10,
		MinConns:       1,
		MigrateOnStart: true,
	})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresConformance(t *testing.T) {
	dsn := setupTestDB(t)
	store := newStore(t, dsn)

	// Script IDs are random, so subtests share one database. The recovery
	// subtest only asserts on scripts it created.
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return store })
}

func TestPostgres_MigrateIdempotent(t *testing.T) {
	dsn := setupTestDB(t)
	store := newStore(t, dsn)

	applied, err := store.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if applied != 0 {
		t.Errorf("second Migrate applied %d migrations, want 0", applied)
	}
}

func TestPostgres_HealthCheck(t *testing.T) {
	dsn := setupTestDB(t)
	store := newStore(t, dsn)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name    string
		in      Config
		wantMax int32
		wantMin int32
	}{
		{"zero", Config{}, 25, 2},
		{"migrate pool", Config{MaxConns: 1}, 1, 1},
		{"explicit", Config{MaxConns: 10, MinConns: 4}, 10, 4},
		{"min above max", Config{MaxConns: 3, MinConns: 8}, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.in
			cfg.defaults()
			if cfg.MaxConns != tt.wantMax || cfg.MinConns != tt.wantMin {
				t.Errorf("conns = %d/%d, want %d/%d", cfg.MaxConns, cfg.MinConns, tt.wantMax, tt.wantMin)
			}
			if cfg.ApplicationName != DefaultApplicationName || cfg.MaxConnLifetime != 5*time.Minute {
				t.Errorf("defaults = %+v", cfg)
			}
		})
	}
}
