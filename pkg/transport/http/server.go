package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rhuss/omega/pkg/observability"
	"github.com/rhuss/omega/pkg/transport"
)

// Server wraps an http.Server with the script adapter and manages
// the full lifecycle including startup and graceful shutdown.
type Server struct {
	httpServer *http.Server
	adapter    *Adapter
	config     ServerConfig
	logger     *slog.Logger
}

// ServerConfig holds configuration for the transport server.
type ServerConfig struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // zero leaves synchronous executes unbounded
	Logger          *slog.Logger

	// Health reports readiness for GET /healthz. Nil always reports ok.
	Health func(ctx context.Context) error

	// Auth wraps every route. Nil serves unauthenticated.
	Auth transport.Middleware

	MetricsPath    string
	MetricsHandler http.Handler
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		MaxBodySize:     DefaultConfig().MaxBodySize,
		ShutdownTimeout: 30 * time.Second,
		Logger:          slog.Default(),
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.config.Addr = addr }
}

// WithMaxBodySize sets the maximum request body size.
func WithMaxBodySize(n int64) ServerOption {
	return func(s *Server) { s.config.MaxBodySize = n }
}

// WithShutdownTimeout sets the graceful shutdown deadline.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.ShutdownTimeout = d }
}

// WithTimeouts sets the http.Server read and write timeouts.
func WithTimeouts(read, write time.Duration) ServerOption {
	return func(s *Server) {
		s.config.ReadTimeout = read
		s.config.WriteTimeout = write
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.config.Logger = l; s.logger = l }
}

// WithHealthCheck sets the readiness probe behind GET /healthz.
func WithHealthCheck(fn func(ctx context.Context) error) ServerOption {
	return func(s *Server) { s.config.Health = fn }
}

// WithAuth installs an authentication middleware in front of all routes.
func WithAuth(mw func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.config.Auth = mw }
}

// WithMetricsHandler mounts h (typically promhttp.Handler()) at path.
func WithMetricsHandler(path string, h http.Handler) ServerOption {
	return func(s *Server) {
		s.config.MetricsPath = path
		s.config.MetricsHandler = h
	}
}

// NewServer creates a new transport server for service. sandboxes is
// optional. Default middleware (recovery, request ID, logging, metrics)
// is applied automatically.
func NewServer(service transport.ScriptService, sandboxes transport.SandboxLister, opts ...ServerOption) *Server {
	s := &Server{
		config: DefaultServerConfig(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.adapter = NewAdapter(service, sandboxes, Config{MaxBodySize: s.config.MaxBodySize})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.config.MetricsHandler != nil && s.config.MetricsPath != "" {
		mux.Handle("GET "+s.config.MetricsPath, s.config.MetricsHandler)
	}
	mux.Handle("/", observability.MetricsMiddleware(s.adapter.Handler()))

	middlewares := []transport.Middleware{
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(s.logger),
	}
	if s.config.Auth != nil {
		middlewares = append(middlewares, s.config.Auth)
	}
	chain := transport.Chain(middlewares...)

	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           chain(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	return s
}

// Handler returns the fully wrapped handler. Used for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.config.Health != nil {
		if err := s.config.Health(r.Context()); err != nil {
			transport.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	transport.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe starts the server and blocks until ctx is done. It then
// gracefully shuts down, waiting for in-flight requests to complete within
// the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.ServeOn(ctx, ln)
}

// ServeOn serves on the given listener until ctx is done.
func (s *Server) ServeOn(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("server starting", slog.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down gracefully", slog.Duration("timeout", s.config.ShutdownTimeout))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Shutdown gracefully shuts down the server with the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
