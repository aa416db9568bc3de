// Package server implements the HTTP runtime that runs inside a sandbox
// pod or container. It executes scripts in isolated working directories,
// installs Python packages into a per-session library directory, and
// returns captured output and produced files.
//
// Endpoints:
//
//	GET  /health   - liveness plus the session id
//	POST /execute  - run a script (manim or python mode)
//	POST /install  - install one Python package for this session
//
// The session id changes every time the server process starts. Packages
// installed in one session are not visible in the next.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/omega/pkg/sandbox/client"
)

// Config holds sandbox server settings.
type Config struct {
	// Mode is the default runtime mode: manim or python.
	Mode string

	// MaxConcurrent bounds concurrent /execute and /install requests.
	MaxConcurrent int

	// PythonIndex is the package index used by /install.
	PythonIndex string

	// OutputDirName is the output directory created in each working dir.
	OutputDirName string

	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration

	// OutputLimit caps stdout and stderr each, in bytes.
	OutputLimit int

	// MaxArtifactBytes caps the total size of returned files.
	MaxArtifactBytes int64

	// Quality is the default manim quality flag.
	Quality string

	// Secret, when set, requires HS256 bearer tokens on /execute and /install.
	Secret []byte

	// Interpreter runs python-mode scripts (default: python3).
	Interpreter []string

	// ManimCommand runs manim-mode scripts (default: python3 -m manim).
	ManimCommand []string

	// InstallCommand installs a package (default: uv pip install --system).
	// "--target <dir> --index-url <url> <package>" is appended.
	InstallCommand []string

	// LibDir is where this session installs packages. Empty creates a
	// fresh temporary directory.
	LibDir string
}

func (c *Config) defaults() {
	if c.Mode == "" {
		c.Mode = client.ModeManim
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.PythonIndex == "" {
		c.PythonIndex = "https://pypi.org/simple/"
	}
	if c.OutputDirName == "" {
		c.OutputDirName = "media"
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 120 * time.Second
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = 64 << 10
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = 256 << 20
	}
	if c.Quality == "" {
		c.Quality = "m"
	}
	if len(c.Interpreter) == 0 {
		c.Interpreter = []string{"python3"}
	}
	if len(c.ManimCommand) == 0 {
		c.ManimCommand = []string{"python3", "-m", "manim"}
	}
	if len(c.InstallCommand) == 0 {
		c.InstallCommand = []string{"uv", "pip", "install", "--system"}
	}
}

// Server is the sandbox runtime HTTP server.
type Server struct {
	cfg            Config
	session        string
	libDir         string
	runtimeVersion string
	currentLoad    atomic.Int32
	startTime      time.Time
}

// New creates a server with a fresh session id and library directory.
func New(cfg Config) (*Server, error) {
	cfg.defaults()
	if cfg.Mode != client.ModeManim && cfg.Mode != client.ModePython {
		return nil, fmt.Errorf("unsupported mode %q (supported: manim, python)", cfg.Mode)
	}

	session := uuid.NewString()

	libDir := cfg.LibDir
	if libDir == "" {
		dir, err := os.MkdirTemp("", "omega-pylibs-*")
		if err != nil {
			return nil, fmt.Errorf("creating library dir: %w", err)
		}
		libDir = dir
	} else if err := os.MkdirAll(libDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating library dir: %w", err)
	}

	return &Server{
		cfg:            cfg,
		session:        session,
		libDir:         libDir,
		runtimeVersion: detectRuntimeVersion(cfg.Interpreter),
		startTime:      time.Now(),
	}, nil
}

// Session returns the id of this server process.
func (s *Server) Session() string {
	return s.session
}

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /execute", s.requireToken(s.withCapacity(s.handleExecute)))
	mux.Handle("POST /install", s.requireToken(s.withCapacity(s.handleInstall)))
	return mux
}

// requireToken verifies the bearer token when a secret is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	if len(s.cfg.Secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := client.VerifyToken(s.cfg.Secret, token); err != nil {
			slog.Debug("rejected sandbox token", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCapacity rejects requests beyond MaxConcurrent with 429.
func (s *Server) withCapacity(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := s.currentLoad.Add(1)
		defer s.currentLoad.Add(-1)

		if int(current) > s.cfg.MaxConcurrent {
			writeError(w, http.StatusTooManyRequests,
				fmt.Sprintf("at capacity (%d/%d concurrent requests)", current, s.cfg.MaxConcurrent))
			return
		}
		next(w, r)
	})
}

// --- Execute handler ---

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req client.ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10*1024*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = s.cfg.Mode
	}
	if mode != client.ModeManim && mode != client.ModePython {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported mode %q", mode))
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	slog.Info("execute request",
		"code", preview(req.Code, 120),
		"mode", mode,
		"timeout", timeout,
		"files", len(req.Files),
	)

	tmpDir, err := os.MkdirTemp("", "sandbox-exec-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create temp dir: "+err.Error())
		return
	}
	defer os.RemoveAll(tmpDir)

	outputDir := filepath.Join(tmpDir, s.cfg.OutputDirName)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create output dir: "+err.Error())
		return
	}

	for name, b64Content := range req.Files {
		content, err := base64.StdEncoding.DecodeString(b64Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode file %q: %v", name, err))
			return
		}
		// Base name only, to prevent path traversal.
		if err := os.WriteFile(filepath.Join(tmpDir, filepath.Base(name)), content, 0o644); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write file %q: %v", name, err))
			return
		}
	}

	codePath := filepath.Join(tmpDir, "script.py")
	if err := os.WriteFile(codePath, []byte(req.Code), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write code: "+err.Error())
		return
	}

	argv, err := s.command(mode, req, codePath, outputDir)
	if err != nil {
		// No runnable entry point is a script error, reported like one.
		writeJSON(w, client.ExecuteResponse{
			Status:   client.StatusError,
			Stderr:   err.Error(),
			ExitCode: 1,
			Session:  s.session,
		})
		return
	}

	resp := s.run(r.Context(), argv, tmpDir, outputDir, timeout)

	slog.Info("execute complete",
		"status", resp.Status,
		"exit_code", resp.ExitCode,
		"duration_ms", resp.ExecutionTimeMs,
		"stdout_len", len(resp.Stdout),
		"files_produced", len(resp.FilesProduced),
	)

	writeJSON(w, resp)
}

// command builds the argv for the requested mode.
func (s *Server) command(mode string, req client.ExecuteRequest, codePath, outputDir string) ([]string, error) {
	switch mode {
	case client.ModePython:
		return append(append([]string{}, s.cfg.Interpreter...), codePath), nil
	default:
		scene, ok := DetectScene(req.Code)
		if !ok {
			return nil, errors.New("ValueError: Could not find a Scene class in the script")
		}
		quality := req.Quality
		if quality == "" {
			quality = s.cfg.Quality
		}
		argv := append([]string{}, s.cfg.ManimCommand...)
		return append(argv, codePath, scene, "-q"+quality, "--media_dir", outputDir), nil
	}
}

// run executes argv under timeout and collects bounded output and files.
func (s *Server) run(ctx context.Context, argv []string, workDir, outputDir string, timeout time.Duration) client.ExecuteResponse {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newBoundedBuffer(s.cfg.OutputLimit)
	stderr := newBoundedBuffer(s.cfg.OutputLimit)

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"OUTPUT_DIR="+outputDir,
		"PYTHONPATH="+s.libDir,
	)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	execErr := cmd.Run()
	duration := time.Since(start)

	resp := client.ExecuteResponse{
		Status:          client.StatusSuccess,
		ExecutionTimeMs: duration.Milliseconds(),
		Session:         s.session,
	}

	if execErr != nil {
		resp.Status = client.StatusError
		resp.ExitCode = -1
		// Context deadline takes precedence over the exit error.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			resp.Status = client.StatusTimeout
			if stderr.Len() == 0 {
				fmt.Fprintf(stderr, "execution timed out after %s", timeout)
			}
		} else if exitErr, ok := execErr.(*exec.ExitError); ok {
			resp.ExitCode = exitErr.ExitCode()
		} else if stderr.Len() == 0 {
			stderr.WriteString(execErr.Error())
		}
	}

	resp.Stdout = stdout.String()
	resp.Stderr = stderr.String()
	resp.Truncated = stdout.Truncated() || stderr.Truncated()

	// No partial artifact leaves the sandbox on timeout.
	if resp.Status != client.StatusTimeout {
		resp.FilesProduced = collectOutputFiles(outputDir, s.cfg.MaxArtifactBytes)
	}
	return resp
}

// --- Install handler ---

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req client.InstallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if !ValidPackageName(req.Package) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid package name %q", req.Package))
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	args := append([]string{}, s.cfg.InstallCommand[1:]...)
	args = append(args, "--target", s.libDir, "--index-url", s.cfg.PythonIndex, req.Package)
	cmd := exec.CommandContext(ctx, s.cfg.InstallCommand[0], args...)
	cmd.WaitDelay = 2 * time.Second

	output, err := cmd.CombinedOutput()
	out, _ := client.TruncateOutput(string(output), s.cfg.OutputLimit)

	resp := client.InstallResponse{Status: client.InstallInstalled, Output: out, Session: s.session}
	if err != nil {
		resp.Status = client.InstallFailed
		if resp.Output == "" {
			resp.Output = err.Error()
		}
		slog.Warn("package install failed", "package", req.Package, "error", err)
	} else {
		slog.Info("package installed", "package", req.Package)
	}
	writeJSON(w, resp)
}

// --- Health handler ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, client.HealthResponse{
		Status:         "healthy",
		Mode:           s.cfg.Mode,
		RuntimeVersion: s.runtimeVersion,
		Session:        s.session,
		Capacity:       s.cfg.MaxConcurrent,
		CurrentLoad:    int(s.currentLoad.Load()),
		UptimeSecs:     int64(time.Since(s.startTime).Seconds()),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func preview(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
