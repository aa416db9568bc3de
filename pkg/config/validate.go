package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	// Budgets.
	if c.Supervisor.DependencyRounds < 0 {
		errs = append(errs, fmt.Errorf("supervisor.dependency_rounds must be >= 0, got %d", c.Supervisor.DependencyRounds))
	}
	if c.Supervisor.RepairRounds < 0 {
		errs = append(errs, fmt.Errorf("supervisor.repair_rounds must be >= 0, got %d", c.Supervisor.RepairRounds))
	}
	if c.Supervisor.SandboxRetries < 1 {
		errs = append(errs, fmt.Errorf("supervisor.sandbox_retries must be >= 1, got %d", c.Supervisor.SandboxRetries))
	}
	if c.Supervisor.ExecutionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.execution_timeout must be > 0"))
	}
	if c.Supervisor.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("supervisor.max_concurrent must be >= 1, got %d", c.Supervisor.MaxConcurrent))
	}
	if c.Supervisor.ArtifactDir == "" {
		errs = append(errs, fmt.Errorf("supervisor.artifact_dir is required"))
	}

	// sandbox.mode must be a known value with its required fields.
	switch c.Sandbox.Mode {
	case "static":
		if len(c.Sandbox.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("sandbox.endpoints is required when sandbox.mode is \"static\""))
		}
	case "kubernetes":
		if c.Sandbox.Template == "" {
			errs = append(errs, fmt.Errorf("sandbox.template is required when sandbox.mode is \"kubernetes\""))
		}
		if c.Sandbox.Namespace == "" {
			errs = append(errs, fmt.Errorf("sandbox.namespace is required when sandbox.mode is \"kubernetes\""))
		}
		if c.Sandbox.PoolSize < 1 {
			errs = append(errs, fmt.Errorf("sandbox.pool_size must be >= 1, got %d", c.Sandbox.PoolSize))
		}
	default:
		errs = append(errs, fmt.Errorf("sandbox.mode must be \"static\" or \"kubernetes\", got %q", c.Sandbox.Mode))
	}
	switch c.Sandbox.Runtime {
	case "manim", "python":
	default:
		errs = append(errs, fmt.Errorf("sandbox.runtime must be \"manim\" or \"python\", got %q", c.Sandbox.Runtime))
	}
	if q := c.Sandbox.Quality; q != "" && (len(q) != 1 || !strings.Contains("lmhpk", q)) {
		errs = append(errs, fmt.Errorf("sandbox.quality must be one of l, m, h, p, k, got %q", c.Sandbox.Quality))
	}
	if c.Sandbox.OutputLimit <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.output_limit must be > 0, got %d", c.Sandbox.OutputLimit))
	}

	// storage.type must be a known value.
	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, fmt.Errorf("storage.sqlite.path is required when storage.type is \"sqlite\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"postgres\", or \"sqlite\", got %q", c.Storage.Type))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" && k.KeyFile == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].key or key_file is required", i))
			}
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\" or \"apikey\", got %q", c.Auth.Type))
	}

	errs = append(errs, c.Reasoning.validate()...)

	return errors.Join(errs...)
}

func (r *ReasoningConfig) validate() []error {
	var errs []error
	seen := make(map[string]bool)

	for i, p := range r.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("reasoning.providers[%d].name is required", i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Errorf("reasoning.providers[%d].name %q is duplicated", i, p.Name))
		}
		seen[p.Name] = true

		switch p.Type {
		case "openai", "litellm":
			if p.BaseURL == "" {
				errs = append(errs, fmt.Errorf("reasoning.providers[%d].base_url is required for type %q", i, p.Type))
			}
		case "azure_openai":
			if p.BaseURL == "" || p.Deployment == "" {
				errs = append(errs, fmt.Errorf("reasoning.providers[%d].base_url and deployment are required for type \"azure_openai\"", i))
			}
		case "gemini":
			if p.APIKey == "" && p.APIKeyFile == "" {
				errs = append(errs, fmt.Errorf("reasoning.providers[%d].api_key is required for type \"gemini\"", i))
			}
		default:
			errs = append(errs, fmt.Errorf("reasoning.providers[%d].type must be \"openai\", \"litellm\", \"azure_openai\", or \"gemini\", got %q", i, p.Type))
		}
	}

	if r.DefaultProvider != "" && !seen[r.DefaultProvider] {
		errs = append(errs, fmt.Errorf("reasoning.default_provider %q does not name a configured provider", r.DefaultProvider))
	}
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reasoning.max_retries must be >= 0, got %d", r.MaxRetries))
	}

	return errs
}
