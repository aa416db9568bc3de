package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, OMEGA_CONFIG env, ./config.yaml, /etc/omega/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. OMEGA_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/omega/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("OMEGA_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/omega/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps OMEGA_* environment variables to config fields.
// Malformed numeric and duration values are ignored.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OMEGA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OMEGA_STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("OMEGA_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("OMEGA_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv("OMEGA_ARTIFACT_DIR"); v != "" {
		cfg.Supervisor.ArtifactDir = v
	}
	if v := os.Getenv("OMEGA_DEPENDENCY_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.DependencyRounds = n
		}
	}
	if v := os.Getenv("OMEGA_REPAIR_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.RepairRounds = n
		}
	}
	if v := os.Getenv("OMEGA_EXECUTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Supervisor.ExecutionTimeout = d
		}
	}
	if v := os.Getenv("OMEGA_SANDBOX_MODE"); v != "" {
		cfg.Sandbox.Mode = v
	}
	if v := os.Getenv("OMEGA_SANDBOX_ENDPOINTS"); v != "" {
		cfg.Sandbox.Endpoints = splitList(v)
	}
	if v := os.Getenv("OMEGA_SANDBOX_RUNTIME"); v != "" {
		cfg.Sandbox.Runtime = v
	}
	if v := os.Getenv("OMEGA_SANDBOX_SECRET"); v != "" {
		cfg.Sandbox.SigningSecret = v
	}
	if v := os.Getenv("OMEGA_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}

	// OMEGA_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("OMEGA_API_KEYS"); v != "" {
		var keys []APIKeyConfig
		if err := json.Unmarshal([]byte(v), &keys); err == nil && len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}
	if v := os.Getenv("OMEGA_DEFAULT_PROVIDER"); v != "" {
		cfg.Reasoning.DefaultProvider = v
	}

	// OMEGA_REASONING_PROVIDERS: JSON array of provider configs.
	if v := os.Getenv("OMEGA_REASONING_PROVIDERS"); v != "" {
		providers, err := parseProvidersJSON(v)
		if err == nil && len(providers) > 0 {
			cfg.Reasoning.Providers = providers
		}
	}
}

// parseProvidersJSON parses a JSON array of provider configurations.
func parseProvidersJSON(jsonStr string) ([]ProviderConfig, error) {
	var providers []ProviderConfig
	if err := json.Unmarshal([]byte(jsonStr), &providers); err != nil {
		return nil, fmt.Errorf("parsing reasoning providers JSON: %w", err)
	}
	return providers, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// storage.postgres.dsn_file -> storage.postgres.dsn
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	// sandbox.signing_secret_file -> sandbox.signing_secret
	if cfg.Sandbox.SigningSecretFile != "" && cfg.Sandbox.SigningSecret == "" {
		val, err := readSecretFile(cfg.Sandbox.SigningSecretFile)
		if err != nil {
			return fmt.Errorf("sandbox.signing_secret_file: %w", err)
		}
		cfg.Sandbox.SigningSecret = val
	}

	// auth.api_keys[*].key_file -> auth.api_keys[*].key
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		if k.KeyFile != "" && k.Key == "" {
			val, err := readSecretFile(k.KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			k.Key = val
		}
	}

	// reasoning.providers[*].api_key_file -> reasoning.providers[*].api_key
	for i := range cfg.Reasoning.Providers {
		p := &cfg.Reasoning.Providers[i]
		if p.APIKeyFile != "" && p.APIKey == "" {
			val, err := readSecretFile(p.APIKeyFile)
			if err != nil {
				return fmt.Errorf("reasoning.providers[%d].api_key_file: %w", i, err)
			}
			p.APIKey = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
