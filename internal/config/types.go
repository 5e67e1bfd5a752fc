package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the complete dexter configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Pool      PoolConfig      `yaml:"pool"`
	Agent     AgentConfig     `yaml:"agent"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Retry     RetryConfig     `yaml:"retry"`
	API       APIConfig       `yaml:"api,omitempty"`
	Webhooks  *WebhooksConfig `yaml:"webhooks,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	JobLogRetention time.Duration `yaml:"job_log_retention"`
}

// StateConfig defines job-store settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig locates the workspace root.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// PoolConfig is the mutable part of the configuration. It is re-read while
// the service runs, see Watcher.
type PoolConfig struct {
	// MaxSessions is the soft cap on workspaces with an active agent session.
	MaxSessions        int  `yaml:"max_sessions"`
	PruneThresholdDays int  `yaml:"prune_threshold_days"`
	PruneIntervalDays  int  `yaml:"prune_interval_days"`
	EvictOnCapacity    bool `yaml:"evict_on_capacity"`
}

// AgentConfig describes the external coding agent.
type AgentConfig struct {
	Home          string        `yaml:"home"` // e.g. ~/.claude
	ProjectsDir   string        `yaml:"projects_dir"`
	SessionSubdir string        `yaml:"session_subdir"` // archived with the session
	Command       []string      `yaml:"command"`
	ResumeArgs    []string      `yaml:"resume_args,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ArchiveConfig configures durable session archives. Archival is enabled only
// when Bucket is set. Static credentials are optional; without them the
// default AWS credential chain is used.
type ArchiveConfig struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint,omitempty"` // S3-compatible emulator
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	Timeout         time.Duration `yaml:"timeout"`
	OnEvict         bool          `yaml:"on_evict"`
	RestoreOnAdmit  bool          `yaml:"restore_on_admit"`
	AfterRun        bool          `yaml:"after_run"`
}

// Enabled reports whether object storage is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// RetryConfig defines retry and deferral behavior for jobs.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines webhook listener settings.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Mention   string            `yaml:"mention"` // token a comment must contain
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Source          string `yaml:"source"` // github or jira
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}

	return &Config{
		Service: ServiceConfig{
			Name:            "dexter",
			TickInterval:    60 * time.Second,
			LogLevel:        "info",
			LogFormat:       "json",
			JobLogRetention: 30 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Workspace: WorkspaceConfig{
			Root: "./data/workspaces",
		},
		Pool: PoolConfig{
			MaxSessions:        5,
			PruneThresholdDays: 7,
			PruneIntervalDays:  1,
			EvictOnCapacity:    true,
		},
		Agent: AgentConfig{
			Home:          filepath.Join(home, ".claude"),
			ProjectsDir:   "projects",
			SessionSubdir: ".claude",
			Command:       []string{"claude", "-p"},
			ResumeArgs:    []string{"--continue"},
			Timeout:       30 * time.Minute,
		},
		Archive: ArchiveConfig{
			Region:         "us-east-1",
			Prefix:         "sessions",
			Timeout:        5 * time.Minute,
			OnEvict:        true,
			RestoreOnAdmit: true,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BackoffBase: 30 * time.Second,
			BackoffMax:  15 * time.Minute,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
