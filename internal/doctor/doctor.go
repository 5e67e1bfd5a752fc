// Package doctor checks a loaded dexter configuration against the host it is
// about to run on, and for settings that are valid alone but conflict.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/dexter/internal/auth"
	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/storage"
	"github.com/mattjoyce/dexter/internal/webhook"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration against the local environment.
type Doctor struct {
	cfg        *config.Config
	lookPath   func(string) (string, error)
	checkLocal func(path, setting string) error
}

// New creates a Doctor for a config that already passed config.Load.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:        cfg,
		lookPath:   exec.LookPath,
		checkLocal: storage.ValidateLocalFilesystem,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateWorkspace(r)
	d.validateAgent(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateWebhooks(r)
	d.warnPoolSettings(r)
	d.warnArchiveSettings(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateWorkspace checks that the root is on local disk and does not
// overlap the agent's own directories or the state database.
func (d *Doctor) validateWorkspace(r *Result) {
	root := absClean(d.cfg.Workspace.Root)

	if err := d.checkLocal(root, "workspace.root"); err != nil {
		d.addError(r, "workspace", "workspace.root", err.Error())
	}
	if err := d.checkLocal(absClean(d.cfg.State.Path), "state.path"); err != nil {
		d.addError(r, "workspace", "state.path", err.Error())
	}

	home := absClean(d.cfg.Agent.Home)
	if within(home, root) || within(root, home) {
		d.addError(r, "workspace", "workspace.root",
			fmt.Sprintf("workspace root %s overlaps agent home %s", root, home))
	}

	// A directory under the root that is named like a key would be listed as
	// a workspace.
	stateDir := filepath.Dir(absClean(d.cfg.State.Path))
	if stateDir != root && within(stateDir, root) {
		d.addWarning(r, "workspace", "state.path",
			fmt.Sprintf("state database directory %s is inside the workspace root", stateDir))
	}
}

func (d *Doctor) validateAgent(r *Result) {
	cmd := d.cfg.Agent.Command[0]
	if _, err := d.lookPath(cmd); err != nil {
		d.addError(r, "agent", "agent.command",
			fmt.Sprintf("agent command %q not found: %v", cmd, err))
	}

	home := d.cfg.Agent.Home
	if info, err := os.Stat(home); err != nil {
		d.addWarning(r, "agent", "agent.home",
			fmt.Sprintf("agent home %s does not exist yet; it is created on the first run", home))
	} else if !info.IsDir() {
		d.addError(r, "agent", "agent.home", fmt.Sprintf("agent home %s is not a directory", home))
	}

	if len(d.cfg.Agent.ResumeArgs) == 0 {
		d.addWarning(r, "agent", "agent.resume_args",
			"no resume arguments; every run starts a fresh agent session")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.Webhooks != nil && d.cfg.Webhooks.Listen != "" && d.cfg.Webhooks.Listen == d.cfg.API.Listen {
		d.addError(r, "api", "webhooks.listen",
			fmt.Sprintf("webhooks.listen %q is also used by the API", d.cfg.Webhooks.Listen))
	}
}

var knownScopes = map[string]bool{
	auth.ScopeAll:        true,
	auth.ScopeSessionsRO: true,
	auth.ScopeSessionsRW: true,
	auth.ScopeJobsRO:     true,
	auth.ScopeJobsRW:     true,
}

// validateTokenScopes rejects scopes the API does not recognise.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if knownScopes[strings.TrimSpace(scope)] {
				continue
			}
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
				fmt.Sprintf("unknown scope %q (expected *, sessions:ro, sessions:rw, jobs:ro or jobs:rw)", scope))
		}
	}
}

// validateWebhooks checks for path conflicts and endpoint settings the
// listener would reject at startup.
func (d *Doctor) validateWebhooks(r *Result) {
	if d.cfg.Webhooks == nil {
		return
	}
	if len(d.cfg.Webhooks.Endpoints) == 0 {
		d.addWarning(r, "webhooks", "webhooks.endpoints", "webhooks configured without endpoints")
		return
	}

	seen := make(map[string]int)
	for i, ep := range d.cfg.Webhooks.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)

		if !strings.HasPrefix(ep.Path, "/") {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("webhook path %q must start with /", ep.Path))
		}

		normalized := strings.TrimSuffix(ep.Path, "/")
		if prevIdx, exists := seen[normalized]; exists {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("webhook path %q conflicts with webhooks.endpoints[%d]", ep.Path, prevIdx))
		}
		seen[normalized] = i
	}

	if _, err := webhook.FromGlobalConfig(d.cfg.Webhooks, d.cfg.Retry.MaxAttempts); err != nil {
		d.addError(r, "webhooks", "webhooks", err.Error())
	}
}

func (d *Doctor) warnPoolSettings(r *Result) {
	p := d.cfg.Pool
	if p.PruneIntervalDays > p.PruneThresholdDays {
		d.addWarning(r, "pool", "pool.prune_interval_days",
			fmt.Sprintf("prune runs every %d days but the threshold is %d; idle sessions can outlive the threshold",
				p.PruneIntervalDays, p.PruneThresholdDays))
	}
	if !p.EvictOnCapacity {
		d.addWarning(r, "pool", "pool.evict_on_capacity",
			"eviction on capacity is off; runs for new keys wait until a prune frees a slot")
	}
}

func (d *Doctor) warnArchiveSettings(r *Result) {
	a := d.cfg.Archive
	if !a.Enabled() {
		if a.AfterRun {
			d.addWarning(r, "archive", "archive.after_run", "after_run has no effect without archive.bucket")
		}
		return
	}
	if !a.OnEvict && !a.AfterRun {
		d.addWarning(r, "archive", "archive.on_evict",
			"archives are only written by explicit commands; evicted sessions are lost")
	}
	if a.Endpoint != "" && a.AccessKeyID == "" {
		d.addWarning(r, "archive", "archive.endpoint",
			"custom endpoint with the default AWS credential chain")
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

func absClean(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// within reports whether path is dir or below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
