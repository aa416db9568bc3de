package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/auth"
	"github.com/rhuss/omega/pkg/auth/apikey"
	"github.com/rhuss/omega/pkg/config"
	"github.com/rhuss/omega/pkg/deps"
	"github.com/rhuss/omega/pkg/ledger"
	"github.com/rhuss/omega/pkg/ledger/memory"
	"github.com/rhuss/omega/pkg/ledger/postgres"
	"github.com/rhuss/omega/pkg/ledger/sqlite"
	"github.com/rhuss/omega/pkg/reasoning"
	"github.com/rhuss/omega/pkg/reasoning/gemini"
	"github.com/rhuss/omega/pkg/reasoning/openaicompat"
	"github.com/rhuss/omega/pkg/repair"
	"github.com/rhuss/omega/pkg/sandbox"
	sandboxclient "github.com/rhuss/omega/pkg/sandbox/client"
	"github.com/rhuss/omega/pkg/sandbox/kubernetes"
	"github.com/rhuss/omega/pkg/supervisor"
)

// signingSubject names this process in sandbox request tokens.
const signingSubject = "omega-supervisor"

// sandboxPort is the runtime server port inside kubernetes sandboxes.
const sandboxPort = 8080

// newKubeClient is replaced in tests.
var newKubeClient = func() (client.Client, error) {
	scheme, err := kubernetes.NewScheme()
	if err != nil {
		return nil, err
	}
	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	return client.New(restCfg, client.Options{Scheme: scheme})
}

// app holds the wired components shared by serve and run.
type app struct {
	store    ledger.Store
	manager  *sandbox.Manager
	registry *reasoning.Registry
	service  *supervisor.Service
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	manager, err := buildSandboxes(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry, err := buildReasoning(cfg.Reasoning)
	if err != nil {
		store.Close()
		return nil, err
	}
	if len(registry.Names()) == 0 {
		slog.Warn("no reasoning providers configured, failures will not be repaired")
	}

	completer := reasoning.NewClient(registry, reasoning.ClientConfig{
		Timeout:    cfg.Reasoning.Timeout,
		MaxRetries: cfg.Reasoning.MaxRetries,
	})

	sup := supervisor.New(store, manager, deps.NewResolver(manager), repair.NewAdvisor(completer), supervisor.Budget{
		DependencyRounds: cfg.Supervisor.DependencyRounds,
		RepairRounds:     cfg.Supervisor.RepairRounds,
		SandboxAttempts:  cfg.Supervisor.SandboxRetries,
		SandboxBackoff:   cfg.Supervisor.SandboxBackoff,
		ExecutionTimeout: cfg.Supervisor.ExecutionTimeout,
	})

	service := supervisor.NewService(store, sup, supervisor.ServiceConfig{
		MaxConcurrent: cfg.Supervisor.MaxConcurrent,
		Validation:    api.DefaultValidationConfig(),
		KnownProvider: registry.Has,
	})

	return &app{
		store:    store,
		manager:  manager,
		registry: registry,
		service:  service,
	}, nil
}

// Close releases the sandbox pool, the providers and the store.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(
		a.manager.Close(ctx),
		a.registry.Close(),
		a.store.Close(),
	)
}

func buildStore(ctx context.Context, sc config.StorageConfig) (ledger.Store, error) {
	switch sc.Type {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            sc.Postgres.DSN,
			MaxConns:       sc.Postgres.MaxConns,
			MigrateOnStart: sc.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("creating postgres ledger: %w", err)
		}
		slog.Info("ledger", "type", "postgres")
		return store, nil
	case "sqlite":
		store, err := sqlite.New(ctx, sc.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("creating sqlite ledger: %w", err)
		}
		slog.Info("ledger", "type", "sqlite", "path", sc.SQLite.Path)
		return store, nil
	default:
		slog.Info("ledger", "type", "memory")
		return memory.New(), nil
	}
}

func buildSandboxes(cfg *config.Config) (*sandbox.Manager, error) {
	sc := cfg.Sandbox

	var (
		prov sandbox.Provisioner
		ids  []string
	)
	switch sc.Mode {
	case "kubernetes":
		c, err := newKubeClient()
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		prov = kubernetes.NewClaimProvisioner(c, sc.Template, sc.Namespace, sandboxPort, sc.StartupTimeout)
		for i := range sc.PoolSize {
			ids = append(ids, fmt.Sprintf("sandbox-%d", i))
		}
	default:
		static, err := sandbox.NewStaticProvisioner(sc.Endpoints)
		if err != nil {
			return nil, err
		}
		prov, ids = static, static.IDs()
	}

	var opts []sandboxclient.Option
	if sc.SigningSecret != "" {
		opts = append(opts, sandboxclient.WithSigningSecret([]byte(sc.SigningSecret), signingSubject))
	}

	slog.Info("sandbox pool", "mode", sc.Mode, "size", len(ids), "runtime", sc.Runtime)
	return sandbox.NewManager(ids, prov, sandboxclient.New(opts...), sandbox.Config{
		StartupTimeout: sc.StartupTimeout,
		HealthInterval: sc.HealthInterval,
		OutputLimit:    sc.OutputLimit,
		ArtifactDir:    cfg.Supervisor.ArtifactDir,
		Mode:           sc.Runtime,
		Quality:        sc.Quality,
		InstallTimeout: sc.InstallTimeout,
	}), nil
}

func buildReasoning(rc config.ReasoningConfig) (*reasoning.Registry, error) {
	registry := reasoning.NewRegistry()

	for _, pc := range rc.Providers {
		var (
			p   reasoning.Provider
			err error
		)
		switch pc.Type {
		case "gemini":
			p, err = gemini.New(gemini.Config{
				Name:    pc.Name,
				BaseURL: pc.BaseURL,
				APIKey:  pc.APIKey,
				Model:   pc.Model,
				Timeout: rc.Timeout,
			})
		default:
			p, err = openaicompat.New(openaicompat.Config{
				Name:         pc.Name,
				Flavor:       openaicompat.Flavor(pc.Type),
				BaseURL:      pc.BaseURL,
				APIKey:       pc.APIKey,
				Model:        pc.Model,
				Deployment:   pc.Deployment,
				APIVersion:   pc.APIVersion,
				ModelMapping: pc.ModelMapping,
				Timeout:      rc.Timeout,
			})
		}
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("creating provider %q: %w", pc.Name, err)
		}
		if err := registry.Register(p); err != nil {
			registry.Close()
			return nil, err
		}
		slog.Info("reasoning provider registered", "name", pc.Name, "type", pc.Type, "model", pc.Model)
	}

	if rc.DefaultProvider != "" {
		if err := registry.SetDefault(rc.DefaultProvider); err != nil {
			registry.Close()
			return nil, err
		}
	}
	return registry, nil
}

// buildAuth returns the inbound auth middleware, or nil when auth is off.
func buildAuth(ac config.AuthConfig, metricsPath string) func(http.Handler) http.Handler {
	if ac.Type != "apikey" {
		return nil
	}

	entries := make([]apikey.RawKeyEntry, 0, len(ac.APIKeys))
	for _, k := range ac.APIKeys {
		entries = append(entries, apikey.RawKeyEntry{
			Key:      k.Key,
			Identity: auth.Identity{Subject: k.Subject, Scopes: k.Scopes},
		})
	}
	chain := &auth.AuthChain{
		Authenticators:  []auth.Authenticator{apikey.New(entries)},
		DefaultDecision: auth.No,
	}

	bypass := append([]string(nil), auth.DefaultBypassEndpoints...)
	if metricsPath != "" {
		bypass = append(bypass, metricsPath)
	}
	slog.Info("auth enabled", "type", "apikey", "keys", len(entries))
	return auth.Middleware(chain, bypass)
}
