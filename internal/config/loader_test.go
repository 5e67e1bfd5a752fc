package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config keeps defaults",
			yaml: `
workspace:
  root: /srv/dexter/workspaces
agent:
  home: /home/bot/.claude
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Workspace.Root != "/srv/dexter/workspaces" {
					t.Errorf("workspace.root = %q", cfg.Workspace.Root)
				}
				if cfg.Pool.MaxSessions != 5 || cfg.Pool.PruneThresholdDays != 7 || cfg.Pool.PruneIntervalDays != 1 {
					t.Errorf("pool defaults not applied: %+v", cfg.Pool)
				}
				if cfg.Service.TickInterval != 60*time.Second {
					t.Errorf("tick_interval default = %v", cfg.Service.TickInterval)
				}
				if cfg.Archive.Enabled() {
					t.Error("archive should be disabled without a bucket")
				}
				if len(cfg.Agent.Command) != 2 || cfg.Agent.Command[0] != "claude" {
					t.Errorf("agent.command default = %v", cfg.Agent.Command)
				}
			},
		},
		{
			name: "pool and archive overrides",
			yaml: `
pool:
  max_sessions: 2
  prune_threshold_days: 3
  prune_interval_days: 2
  evict_on_capacity: false
archive:
  bucket: ${ARCHIVE_BUCKET}
  region: eu-west-1
  endpoint: http://localhost:9000
`,
			env: map[string]string{"ARCHIVE_BUCKET": "dexter-sessions"},
			checkFn: func(t *testing.T, cfg *Config) {
				want := PoolConfig{MaxSessions: 2, PruneThresholdDays: 3, PruneIntervalDays: 2}
				if cfg.Pool != want {
					t.Errorf("pool = %+v, want %+v", cfg.Pool, want)
				}
				if !cfg.Archive.Enabled() || cfg.Archive.Bucket != "dexter-sessions" {
					t.Errorf("archive bucket not interpolated: %q", cfg.Archive.Bucket)
				}
				if cfg.Archive.Prefix != "sessions" || !cfg.Archive.OnEvict {
					t.Errorf("archive defaults lost: %+v", cfg.Archive)
				}
			},
		},
		{
			name: "unset bucket variable fails",
			yaml: `
archive:
  bucket: ${DEXTER_TEST_MISSING_BUCKET}
`,
			wantErr: true,
		},
		{
			name: "zero max sessions",
			yaml: `
pool:
  max_sessions: 0
`,
			wantErr: true,
		},
		{
			name: "negative prune threshold",
			yaml: `
pool:
  prune_threshold_days: -1
`,
			wantErr: true,
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: verbose
`,
			wantErr: true,
		},
		{
			name: "empty agent command",
			yaml: `
agent:
  command: []
`,
			wantErr: true,
		},
		{
			name: "enabled api requires credentials",
			yaml: `
api:
  enabled: true
`,
			wantErr: true,
		},
		{
			name: "api token with unresolved secret",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: ${DEXTER_TEST_MISSING_TOKEN}
        scopes: ["sessions:ro"]
`,
			wantErr: true,
		},
		{
			name: "webhook source must be known",
			yaml: `
webhooks:
  listen: 127.0.0.1:8091
  endpoints:
    - path: /hooks/gitlab
      source: gitlab
      secret: s3cret
`,
			wantErr: true,
		},
		{
			name: "webhook endpoints parsed",
			yaml: `
webhooks:
  listen: 127.0.0.1:8091
  mention: "@dexter"
  endpoints:
    - path: /hooks/github
      source: github
      secret: ${GH_SECRET}
      signature_header: X-Hub-Signature-256
`,
			env: map[string]string{"GH_SECRET": "topsecret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Webhooks == nil || len(cfg.Webhooks.Endpoints) != 1 {
					t.Fatalf("webhooks = %+v", cfg.Webhooks)
				}
				ep := cfg.Webhooks.Endpoints[0]
				if ep.Secret != "topsecret" || ep.Source != "github" {
					t.Errorf("endpoint = %+v", ep)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadAcceptsDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("pool:\n  max_sessions: 9\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Pool.MaxSessions != 9 {
		t.Errorf("max_sessions = %d, want 9", cfg.Pool.MaxSessions)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) should fail")
	}
}

func TestDiscoverConfigPathPrefersEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("DEXTER_CONFIG", path)

	got, err := DiscoverConfigPath()
	if err != nil {
		t.Fatalf("DiscoverConfigPath() error = %v", err)
	}
	if got != path {
		t.Errorf("DiscoverConfigPath() = %q, want %q", got, path)
	}
}
