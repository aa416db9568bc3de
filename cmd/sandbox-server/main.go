// Command sandbox-server runs the omega sandbox runtime inside a sandbox
// pod or container.
//
// Configuration:
//
//	SANDBOX_PORT             - Listen port (default: 8080)
//	SANDBOX_MODE             - Runtime mode: manim or python (default: manim)
//	SANDBOX_MAX_CONCURRENT   - Max concurrent executions (default: 3)
//	SANDBOX_PYTHON_INDEX     - Python package index URL (default: https://pypi.org/simple/)
//	SANDBOX_OUTPUT_DIR       - Output directory name within the work dir (default: media)
//	SANDBOX_QUALITY          - Default manim quality flag: l, m, h, k (default: m)
//	SANDBOX_OUTPUT_LIMIT     - Per-stream output cap in bytes (default: 65536)
//	SANDBOX_SECRET           - HS256 secret required on /execute and /install (optional)
//	SANDBOX_SECRET_FILE      - File holding SANDBOX_SECRET
//	SANDBOX_LOG_LEVEL        - ERROR, WARN, INFO, DEBUG, TRACE (default: INFO)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rhuss/omega/pkg/debug"
	"github.com/rhuss/omega/pkg/sandbox/server"
)

func main() {
	debug.Init("", envOr("SANDBOX_LOG_LEVEL", "INFO"), "text")

	port := envOr("SANDBOX_PORT", "8080")
	secret, err := loadSecret()
	if err != nil {
		slog.Error("failed to read sandbox secret", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(server.Config{
		Mode:          envOr("SANDBOX_MODE", ""),
		MaxConcurrent: envOrInt("SANDBOX_MAX_CONCURRENT", 3),
		PythonIndex:   envOr("SANDBOX_PYTHON_INDEX", ""),
		OutputDirName: envOr("SANDBOX_OUTPUT_DIR", ""),
		Quality:       envOr("SANDBOX_QUALITY", ""),
		OutputLimit:   envOrInt("SANDBOX_OUTPUT_LIMIT", 0),
		Secret:        secret,
	})
	if err != nil {
		slog.Error("failed to start sandbox runtime", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:        ":" + port,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		// Execution can run long; the per-request timeout bounds it.
		WriteTimeout: 15 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("sandbox server starting", "port", port, "session", srv.Session())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}

func loadSecret() ([]byte, error) {
	if v := os.Getenv("SANDBOX_SECRET"); v != "" {
		return []byte(v), nil
	}
	path := os.Getenv("SANDBOX_SECRET_FILE")
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return n
}
