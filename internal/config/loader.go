package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the configuration file at
// configPath. A directory is accepted if it contains config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	// Unmarshal over the defaults so omitted keys keep their default values.
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $DEXTER_CONFIG, ~/.config/dexter/config.yaml,
// /etc/dexter/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("DEXTER_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "dexter", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/dexter/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $DEXTER_CONFIG, ~/.config/dexter/config.yaml, /etc/dexter/config.yaml, ./config.yaml)")
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if strings.TrimSpace(cfg.Workspace.Root) == "" {
		return fmt.Errorf("workspace.root is required")
	}

	if err := validatePool(cfg.Pool); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Agent.Home) == "" {
		return fmt.Errorf("agent.home is required")
	}
	if len(cfg.Agent.Command) == 0 || strings.TrimSpace(cfg.Agent.Command[0]) == "" {
		return fmt.Errorf("agent.command is required")
	}
	if cfg.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	if cfg.Agent.SessionSubdir == "" || strings.ContainsAny(cfg.Agent.SessionSubdir, `/\`) {
		return fmt.Errorf("agent.session_subdir must be a single directory name")
	}

	if cfg.Archive.Enabled() {
		if envVarPattern.MatchString(cfg.Archive.Bucket) {
			return fmt.Errorf("archive.bucket: unresolved environment variable")
		}
		if cfg.Archive.Region == "" {
			return fmt.Errorf("archive.region is required when archive.bucket is set")
		}
		if cfg.Archive.Timeout <= 0 {
			return fmt.Errorf("archive.timeout must be positive")
		}
		if (cfg.Archive.AccessKeyID == "") != (cfg.Archive.SecretAccessKey == "") {
			return fmt.Errorf("archive.access_key_id and archive.secret_access_key must be set together")
		}
		if err := checkUnresolved("archive.secret_access_key", cfg.Archive.SecretAccessKey); err != nil {
			return err
		}
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if cfg.Retry.BackoffBase <= 0 || cfg.Retry.BackoffMax < cfg.Retry.BackoffBase {
		return fmt.Errorf("retry.backoff_base must be positive and not exceed retry.backoff_max")
	}

	if cfg.API.Enabled {
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := checkUnresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Webhooks != nil {
		for i, ep := range cfg.Webhooks.Endpoints {
			if ep.Source != "github" && ep.Source != "jira" {
				return fmt.Errorf("webhooks.endpoints[%d].source must be github or jira (got %q)", i, ep.Source)
			}
			if err := checkUnresolved(fmt.Sprintf("webhooks.endpoints[%d].secret", i), ep.Secret); err != nil {
				return err
			}
		}
	}

	return nil
}

func validatePool(p PoolConfig) error {
	if p.MaxSessions < 1 {
		return fmt.Errorf("pool.max_sessions must be at least 1 (got %d)", p.MaxSessions)
	}
	if p.PruneThresholdDays < 1 {
		return fmt.Errorf("pool.prune_threshold_days must be at least 1 (got %d)", p.PruneThresholdDays)
	}
	if p.PruneIntervalDays < 1 {
		return fmt.Errorf("pool.prune_interval_days must be at least 1 (got %d)", p.PruneIntervalDays)
	}
	return nil
}

// checkUnresolved rejects values that still carry a ${VAR} placeholder, so a
// missing secret fails at load time instead of being used literally.
func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
