package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rhuss/omega/pkg/config"
	"github.com/rhuss/omega/pkg/debug"
	transporthttp "github.com/rhuss/omega/pkg/transport/http"
)

// shutdownTimeout bounds draining in-flight executes and HTTP requests.
const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the script API and execution supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	debug.Init(cfg.Debug.Categories, cfg.Debug.Level, cfg.Debug.Format)
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			slog.Warn("cleanup failed", "error", err)
		}
	}()

	if err := a.service.Recover(ctx); err != nil {
		return fmt.Errorf("recovering interrupted scripts: %w", err)
	}

	srv := transporthttp.NewServer(a.service, a.manager, serverOptions(cfg, a)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.service.Shutdown(drainCtx)
	})
	return g.Wait()
}

func serverOptions(cfg *config.Config, a *app) []transporthttp.ServerOption {
	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(shutdownTimeout),
		transporthttp.WithLogger(slog.Default()),
		transporthttp.WithHealthCheck(a.store.HealthCheck),
	}

	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
		opts = append(opts, transporthttp.WithMetricsHandler(metricsPath, promhttp.Handler()))
	}
	if mw := buildAuth(cfg.Auth, metricsPath); mw != nil {
		opts = append(opts, transporthttp.WithAuth(mw))
	}
	return opts
}
