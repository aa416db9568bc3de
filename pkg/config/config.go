// Package config provides unified configuration for the omega orchestrator.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (OMEGA_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the omega orchestrator.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Supervisor    SupervisorConfig    `yaml:"supervisor"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Reasoning     ReasoningConfig     `yaml:"reasoning"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Debug         DebugConfig         `yaml:"debug"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 60s
}

// SupervisorConfig holds retry budgets and execution limits.
type SupervisorConfig struct {
	DependencyRounds int           `yaml:"dependency_rounds"` // default: 3
	RepairRounds     int           `yaml:"repair_rounds"`     // default: 2
	SandboxRetries   int           `yaml:"sandbox_retries"`   // default: 3
	SandboxBackoff   time.Duration `yaml:"sandbox_backoff"`   // default: 1s
	ExecutionTimeout time.Duration `yaml:"execution_timeout"` // default: 120s
	MaxConcurrent    int           `yaml:"max_concurrent"`    // default: 4
	ArtifactDir      string        `yaml:"artifact_dir"`      // default: "media"
}

// SandboxConfig holds sandbox pool settings.
type SandboxConfig struct {
	Mode              string        `yaml:"mode"`      // "static" or "kubernetes", default: "static"
	Endpoints         []string      `yaml:"endpoints"` // static mode: sandbox server URLs
	Template          string        `yaml:"template"`  // kubernetes mode: SandboxTemplate name
	Namespace         string        `yaml:"namespace"` // kubernetes mode
	PoolSize          int           `yaml:"pool_size"` // kubernetes mode, default: 2
	StartupTimeout    time.Duration `yaml:"startup_timeout"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	OutputLimit       int           `yaml:"output_limit"` // bytes per stream, default: 64KiB
	Runtime           string        `yaml:"runtime"`      // "manim" or "python", default: "manim"
	Quality           string        `yaml:"quality"`      // manim quality flag, default: "l"
	InstallTimeout    time.Duration `yaml:"install_timeout"`
	SigningSecret     string        `yaml:"signing_secret"`
	SigningSecretFile string        `yaml:"signing_secret_file"` // _file variant for signing_secret
}

// ReasoningConfig holds the reasoning service providers used for repairs.
type ReasoningConfig struct {
	DefaultProvider string           `yaml:"default_provider"`
	Timeout         time.Duration    `yaml:"timeout"`     // default: 120s
	MaxRetries      int              `yaml:"max_retries"` // default: 2
	Providers       []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes a single reasoning provider.
type ProviderConfig struct {
	Name         string            `yaml:"name" json:"name"`
	Type         string            `yaml:"type" json:"type"` // openai, litellm, azure_openai, gemini
	BaseURL      string            `yaml:"base_url" json:"base_url"`
	APIKey       string            `yaml:"api_key" json:"api_key"`
	APIKeyFile   string            `yaml:"api_key_file" json:"api_key_file"`
	Model        string            `yaml:"model" json:"model"`
	Deployment   string            `yaml:"deployment" json:"deployment"`   // azure_openai
	APIVersion   string            `yaml:"api_version" json:"api_version"` // azure_openai
	ModelMapping map[string]string `yaml:"model_mapping" json:"model_mapping"`
}

// StorageConfig holds attempt ledger settings.
type StorageConfig struct {
	Type     string         `yaml:"type"` // "memory", "postgres", or "sqlite", default: "memory"
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"` // default: "omega.db"
}

// AuthConfig holds inbound authentication settings.
type AuthConfig struct {
	Type    string         `yaml:"type"`     // "none", "apikey", default: "none"
	APIKeys []APIKeyConfig `yaml:"api_keys"` // API key entries for type=apikey
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key     string   `yaml:"key" json:"key"`
	KeyFile string   `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject string   `yaml:"subject" json:"subject"`
	Scopes  []string `yaml:"scopes" json:"scopes"` // empty grants every scope
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// DebugConfig holds logging settings.
type DebugConfig struct {
	Categories string `yaml:"categories"`
	Level      string `yaml:"level"`  // default: INFO
	Format     string `yaml:"format"` // "text" or "json", default: "text"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Supervisor: SupervisorConfig{
			DependencyRounds: 3,
			RepairRounds:     2,
			SandboxRetries:   3,
			SandboxBackoff:   time.Second,
			ExecutionTimeout: 120 * time.Second,
			MaxConcurrent:    4,
			ArtifactDir:      "media",
		},
		Sandbox: SandboxConfig{
			Mode:           "static",
			PoolSize:       2,
			StartupTimeout: 60 * time.Second,
			HealthInterval: 500 * time.Millisecond,
			OutputLimit:    64 << 10,
			Runtime:        "manim",
			Quality:        "l",
			InstallTimeout: 5 * time.Minute,
		},
		Reasoning: ReasoningConfig{
			Timeout:    120 * time.Second,
			MaxRetries: 2,
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
			SQLite: SQLiteConfig{
				Path: "omega.db",
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Debug: DebugConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}
