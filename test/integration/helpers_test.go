// Package integration provides end-to-end tests for the omega API.
//
// Tests run against a real omega HTTP server backed by a sqlite ledger, a
// mock sandbox runtime and a mock Chat Completions backend, all started
// in-process using net/http/httptest.
package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/deps"
	"github.com/rhuss/omega/pkg/ledger/sqlite"
	"github.com/rhuss/omega/pkg/reasoning"
	"github.com/rhuss/omega/pkg/reasoning/openaicompat"
	"github.com/rhuss/omega/pkg/repair"
	"github.com/rhuss/omega/pkg/sandbox"
	"github.com/rhuss/omega/pkg/sandbox/client"
	"github.com/rhuss/omega/pkg/supervisor"
	transporthttp "github.com/rhuss/omega/pkg/transport/http"
)

// testSecret signs supervisor requests to the mock sandbox.
const testSecret = "integration-secret"

// testEnv holds the shared servers for all integration tests.
var testEnv *TestEnvironment

// TestEnvironment holds the omega server and its mock collaborators.
type TestEnvironment struct {
	OmegaServer *httptest.Server
	MockSandbox *mockSandbox
	MockBackend *httptest.Server

	service  *supervisor.Service
	store    *sqlite.Store
	manager  *sandbox.Manager
	registry *reasoning.Registry
	dir      string
}

// TestMain starts the mocks and the omega server before running tests.
func TestMain(m *testing.M) {
	testEnv = setupTestEnvironment()
	code := m.Run()
	testEnv.Teardown()
	os.Exit(code)
}

// setupTestEnvironment wires the production components to the mocks.
func setupTestEnvironment() *TestEnvironment {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "omega-integration-*")
	if err != nil {
		panic(fmt.Sprintf("creating temp dir: %v", err))
	}

	sb := startMockSandbox()
	backend := startMockBackend()

	store, err := sqlite.New(ctx, filepath.Join(dir, "ledger.db"))
	if err != nil {
		panic(fmt.Sprintf("creating ledger: %v", err))
	}

	static, err := sandbox.NewStaticProvisioner([]string{sb.URL})
	if err != nil {
		panic(fmt.Sprintf("creating provisioner: %v", err))
	}
	manager := sandbox.NewManager(static.IDs(), static,
		client.New(client.WithSigningSecret([]byte(testSecret), "integration")),
		sandbox.Config{
			HealthInterval: 10 * time.Millisecond,
			ArtifactDir:    filepath.Join(dir, "media"),
			Mode:           client.ModeManim,
			Quality:        "l",
		})

	prov, err := openaicompat.New(openaicompat.Config{
		Name:    "mock",
		Flavor:  openaicompat.FlavorLiteLLM,
		BaseURL: backend.URL,
		Model:   "mock-model",
	})
	if err != nil {
		panic(fmt.Sprintf("creating provider: %v", err))
	}
	registry := reasoning.NewRegistry()
	if err := registry.Register(prov); err != nil {
		panic(err)
	}
	completer := reasoning.NewClient(registry, reasoning.ClientConfig{Timeout: 5 * time.Second})

	sup := supervisor.New(store, manager, deps.NewResolver(manager), repair.NewAdvisor(completer), supervisor.Budget{
		DependencyRounds: 3,
		RepairRounds:     2,
		SandboxAttempts:  2,
		ExecutionTimeout: 5 * time.Second,
	})
	service := supervisor.NewService(store, sup, supervisor.ServiceConfig{
		MaxConcurrent: 4,
		Validation:    api.DefaultValidationConfig(),
		KnownProvider: registry.Has,
	})

	srv := transporthttp.NewServer(service, manager, transporthttp.WithHealthCheck(store.HealthCheck))

	return &TestEnvironment{
		OmegaServer: httptest.NewServer(srv.Handler()),
		MockSandbox: sb,
		MockBackend: backend,
		service:     service,
		store:       store,
		manager:     manager,
		registry:    registry,
		dir:         dir,
	}
}

// Teardown stops all servers and removes the ledger and artifacts.
func (env *TestEnvironment) Teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env.OmegaServer.Close()
	env.service.Shutdown(ctx)
	env.manager.Close(ctx)
	env.registry.Close()
	env.store.Close()
	env.MockSandbox.Close()
	env.MockBackend.Close()
	os.RemoveAll(env.dir)
}

// BaseURL returns the omega server base URL.
func (env *TestEnvironment) BaseURL() string {
	return env.OmegaServer.URL
}

// --- HTTP helpers ---

// postJSON sends a POST request with JSON body and returns the response.
func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

// getURL sends a GET request and returns the response.
func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return string(body)
}

// decodeJSON reads the response body and decodes it into the target.
func decodeJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decoding JSON: %v", err)
	}
}

// submit posts source and returns the stored script.
func submit(t *testing.T, source string) *api.Script {
	t.Helper()
	resp := postJSON(t, testEnv.BaseURL()+"/scripts", map[string]any{"source": source, "owner": "integration"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var s api.Script
	decodeJSON(t, resp, &s)
	return &s
}

// executeAndWait runs the script synchronously and returns the final state.
func executeAndWait(t *testing.T, id string) *api.Script {
	t.Helper()
	resp := postJSON(t, testEnv.BaseURL()+"/scripts/"+id+"/execute?wait=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var s api.Script
	decodeJSON(t, resp, &s)
	return &s
}

// listAttempts returns the attempt trail of a script.
func listAttempts(t *testing.T, id string) []*api.ExecutionAttempt {
	t.Helper()
	resp := getURL(t, testEnv.BaseURL()+"/scripts/"+id+"/attempts")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("attempts: status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var list struct {
		Data []*api.ExecutionAttempt `json:"data"`
	}
	decodeJSON(t, resp, &list)
	return list.Data
}

// waitForStatus polls GET /scripts/{id} until the script reaches want.
func waitForStatus(t *testing.T, id string, want api.ScriptStatus) *api.ScriptStatusView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		var view api.ScriptStatusView
		decodeJSON(t, getURL(t, testEnv.BaseURL()+"/scripts/"+id), &view)
		if view.Status == want {
			return &view
		}
		if time.Now().After(deadline) {
			t.Fatalf("script %s: status %s, want %s", id, view.Status, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// --- Mock sandbox ---

// mockSandbox mimics the sandbox runtime server. Scripts behave by
// content:
//
//	"import <mod>"   fails with ModuleNotFoundError until <mod> is installed
//	"boom"           fails with a NameError
//	"hang()"         blocks until the request is cancelled
//
// Anything else renders a video.
type mockSandbox struct {
	*httptest.Server

	mu        sync.Mutex
	installed map[string]bool
	installs  []string
}

func startMockSandbox() *mockSandbox {
	m := &mockSandbox{installed: map[string]bool{"manim": true}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, client.HealthResponse{Status: "healthy", Mode: client.ModeManim, Session: "mock-session", Capacity: 4})
	})
	mux.HandleFunc("POST /execute", m.authorized(m.handleExecute))
	mux.HandleFunc("POST /install", m.authorized(m.handleInstall))
	m.Server = httptest.NewServer(mux)
	return m
}

func (m *mockSandbox) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := client.VerifyToken([]byte(testSecret), token); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (m *mockSandbox) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req client.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if strings.Contains(req.Code, "hang()") {
		<-r.Context().Done()
		return
	}

	resp := client.ExecuteResponse{Session: "mock-session", ExecutionTimeMs: 5}
	if mod := m.missingImport(req.Code); mod != "" {
		resp.Status = client.StatusError
		resp.ExitCode = 1
		resp.Stderr = fmt.Sprintf("Traceback (most recent call last):\n  File \"scene.py\", line 1, in <module>\nModuleNotFoundError: No module named '%s'", mod)
	} else if strings.Contains(req.Code, "boom") {
		resp.Status = client.StatusError
		resp.ExitCode = 1
		resp.Stderr = "Traceback (most recent call last):\n  File \"scene.py\", line 5, in construct\nNameError: name 'boom' is not defined"
	} else {
		resp.Status = client.StatusSuccess
		resp.Stdout = "File ready at media/videos/scene/480p15/Demo.mp4\n"
		resp.FilesProduced = map[string]string{
			"videos/scene/480p15/Demo.mp4": base64.StdEncoding.EncodeToString([]byte("mp4")),
		}
	}
	writeJSON(w, resp)
}

func (m *mockSandbox) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req client.InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.installs = append(m.installs, req.Package)
	m.installed[strings.ToLower(req.Package)] = true
	m.mu.Unlock()
	writeJSON(w, client.InstallResponse{Status: client.InstallInstalled, Output: "Successfully installed " + req.Package, Session: "mock-session"})
}

// missingImport returns the first imported module not yet installed.
func (m *mockSandbox) missingImport(code string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, line := range strings.Split(code, "\n") {
		mod, ok := strings.CutPrefix(strings.TrimSpace(line), "import ")
		if !ok {
			continue
		}
		mod = strings.Fields(mod)[0]
		if !m.installed[strings.ToLower(mod)] {
			return mod
		}
	}
	return ""
}

// Installs returns the packages requested so far.
func (m *mockSandbox) Installs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.installs...)
}

// --- Mock backend ---

// startMockBackend creates an httptest server that mimics a Chat
// Completions API. It repairs scripts by replacing "boom" with a string
// literal; scripts containing "unfixable" are echoed back unchanged.
func startMockBackend() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handleMockChatCompletions)
	return httptest.NewServer(mux)
}

func handleMockChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaicompat.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, openaicompat.ChatErrorResponse{Error: openaicompat.ChatError{Message: "invalid request", Type: "invalid_request_error"}})
		return
	}

	var prompt string
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			prompt = msg.Content
		}
	}
	source := extractSource(prompt)
	if !strings.Contains(source, "unfixable") {
		source = strings.ReplaceAll(source, "boom", "'fixed'")
	}
	answer := "```python\n" + source + "```"

	writeJSON(w, openaicompat.ChatCompletionResponse{
		ID:    "chatcmpl-mock",
		Model: req.Model,
		Choices: []openaicompat.ChatChoice{{
			Message:      openaicompat.ChatChoiceDelta{Role: "assistant", Content: &answer},
			FinishReason: "stop",
		}},
	})
}

// extractSource pulls the fenced script out of a repair prompt.
func extractSource(prompt string) string {
	_, rest, ok := strings.Cut(prompt, "```python\n")
	if !ok {
		return ""
	}
	source, _, _ := strings.Cut(rest, "```")
	return source
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
