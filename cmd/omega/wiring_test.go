package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/config"
	sandboxclient "github.com/rhuss/omega/pkg/sandbox/client"
	"github.com/rhuss/omega/pkg/sandbox/kubernetes"
)

// fakeSandbox serves the sandbox runtime API. Scripts containing "boom"
// fail with a NameError.
func fakeSandbox(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sandboxclient.HealthResponse{Status: "healthy", Mode: sandboxclient.ModePython, Session: "s1"})
	})
	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		var req sandboxclient.ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := sandboxclient.ExecuteResponse{Status: sandboxclient.StatusSuccess, Stdout: "ok\n", Session: "s1"}
		if strings.Contains(req.Code, "boom") {
			resp = sandboxclient.ExecuteResponse{
				Status:   sandboxclient.StatusError,
				Stderr:   "NameError: name 'boom' is not defined",
				ExitCode: 1,
				Session:  "s1",
			}
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Sandbox.Endpoints = []string{endpoint}
	cfg.Sandbox.Runtime = sandboxclient.ModePython
	cfg.Supervisor.ArtifactDir = t.TempDir()
	cfg.Supervisor.SandboxBackoff = 0
	cfg.Supervisor.RepairRounds = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	return &cfg
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "run": false, "migrate": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("--config flag missing")
	}
}

func TestBuildStore(t *testing.T) {
	tests := []struct {
		name string
		sc   config.StorageConfig
	}{
		{"memory", config.StorageConfig{Type: "memory"}},
		{"sqlite", config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "omega.db")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := buildStore(context.Background(), tt.sc)
			if err != nil {
				t.Fatalf("buildStore() = %v", err)
			}
			defer store.Close()
			if err := store.HealthCheck(context.Background()); err != nil {
				t.Errorf("HealthCheck() = %v", err)
			}
		})
	}
}

func TestBuildReasoning(t *testing.T) {
	registry, err := buildReasoning(config.ReasoningConfig{
		DefaultProvider: "flash",
		Providers: []config.ProviderConfig{
			{Name: "local", Type: "litellm", BaseURL: "http://litellm:4000", Model: "gpt-4o"},
			{Name: "azure", Type: "azure_openai", BaseURL: "https://example.openai.azure.com", Deployment: "gpt-4o"},
			{Name: "flash", Type: "gemini", APIKey: "k", Model: "gemini-2.5-flash"},
		},
	})
	if err != nil {
		t.Fatalf("buildReasoning() = %v", err)
	}
	defer registry.Close()

	if got := registry.Names(); len(got) != 3 {
		t.Errorf("Names() = %v", got)
	}
	if registry.Default() != "flash" {
		t.Errorf("Default() = %q, want flash", registry.Default())
	}

	if _, err := buildReasoning(config.ReasoningConfig{
		Providers: []config.ProviderConfig{{Name: "bad", Type: "azure_openai", BaseURL: "https://x"}},
	}); err == nil {
		t.Error("azure provider without deployment: expected error")
	}
}

func TestBuildAuth(t *testing.T) {
	if mw := buildAuth(config.AuthConfig{Type: "none"}, "/metrics"); mw != nil {
		t.Fatal("auth type none should not install middleware")
	}

	mw := buildAuth(config.AuthConfig{
		Type:    "apikey",
		APIKeys: []config.APIKeyConfig{{Key: "k1", Subject: "ci"}},
	}, "/internal/metrics")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"no key", "/scripts", "", http.StatusUnauthorized},
		{"valid key", "/scripts", "k1", http.StatusOK},
		{"healthz bypass", "/healthz", "", http.StatusOK},
		{"metrics bypass", "/internal/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("Authorization", "Bearer "+tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestBuildSandboxesKubernetes(t *testing.T) {
	orig := newKubeClient
	t.Cleanup(func() { newKubeClient = orig })
	newKubeClient = func() (client.Client, error) {
		scheme, err := kubernetes.NewScheme()
		if err != nil {
			return nil, err
		}
		return fake.NewClientBuilder().WithScheme(scheme).Build(), nil
	}

	cfg := config.Defaults()
	cfg.Sandbox.Mode = "kubernetes"
	cfg.Sandbox.Template = "manim-runtime"
	cfg.Sandbox.Namespace = "omega"
	cfg.Sandbox.PoolSize = 3

	m, err := buildSandboxes(&cfg)
	if err != nil {
		t.Fatalf("buildSandboxes() = %v", err)
	}
	if got := m.IDs(); len(got) != 3 || got[0] != "sandbox-0" {
		t.Errorf("IDs() = %v", got)
	}
	if snap := m.Snapshot(); len(snap) != 3 || snap[0].Running {
		t.Errorf("Snapshot() = %+v, want 3 stopped sandboxes", snap)
	}
}

func TestRunScript(t *testing.T) {
	sb := fakeSandbox(t)

	tests := []struct {
		name       string
		source     string
		wantStatus api.ScriptStatus
		wantErr    bool
	}{
		{"succeeds", "print('ok')", api.ScriptStatusSucceeded, false},
		{"fails without repair budget", "print(boom)", api.ScriptStatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runScript(context.Background(), testConfig(t, sb.URL), tt.source, &runOptions{owner: "cli"}, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("runScript() error = %v, wantErr %v", err, tt.wantErr)
			}

			var report runReport
			if err := json.Unmarshal(out.Bytes(), &report); err != nil {
				t.Fatalf("decoding report: %v\n%s", err, out.String())
			}
			if report.Script.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", report.Script.Status, tt.wantStatus)
			}
			if report.Script.Owner != "cli" {
				t.Errorf("owner = %q", report.Script.Owner)
			}
			if len(report.Attempts) != 1 || report.Attempts[0].Number != 1 {
				t.Errorf("attempts = %+v, want exactly one", report.Attempts)
			}
		})
	}
}

func TestMigrateRejectsMemory(t *testing.T) {
	err := migrate(context.Background(), config.StorageConfig{Type: "memory"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for memory storage")
	}
}

func TestMigrateSQLite(t *testing.T) {
	var out bytes.Buffer
	sc := config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "omega.db")}}
	if err := migrate(context.Background(), sc, &out); err != nil {
		t.Fatalf("migrate() = %v", err)
	}
	// sqlite.New already migrated, so nothing is left to apply.
	if !strings.Contains(out.String(), "0 migration(s) applied") {
		t.Errorf("output = %q", out.String())
	}
}
