package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/doctor"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "session":
		return runSessionNoun(args)
	case "config":
		return runConfigNoun(args)
	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: dexter version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("dexter %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`dexter - session workspace pool for the coding agent

Usage:
  dexter <noun> <action> [flags]

System Commands:
  system start               Run dispatcher, scheduler, API and webhooks in foreground
  system watch               Live pool monitor over the admin API

Session Commands:
  session list               Show workspaces, most recently used first
  session delete <key>       Remove a workspace and its agent session
  session prune              Reclaim sessions idle past the threshold
  session evict              Reclaim the least recently used active session
  session archive <key>      Upload a session to object storage
  session restore <key>      Download a session from object storage
  session inspect <key>      Show a session with its archive, jobs and files

Config Commands:
  config check               Validate the configuration file
  config doctor              Check the configuration against this host

General:
  version                    Show version information
  help                       Show this help message

Every command accepts --config <path>. Without it the config is discovered
from $DEXTER_CONFIG, ~/.config/dexter/config.yaml, /etc/dexter/config.yaml
and ./config.yaml.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dexter system <start|watch> [flags]")
		return 1
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "help", "--help", "-h":
		fmt.Println("Usage: dexter system <start|watch> [flags]")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dexter config <check|doctor> [--config path] [--json]")
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "doctor":
		return runConfigDoctor(args[1:])
	case "help", "--help", "-h":
		fmt.Println("Usage: dexter config <check|doctor> [--config path] [--json]")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

type configSummary struct {
	Path          string `json:"path"`
	WorkspaceRoot string `json:"workspace_root"`
	StatePath     string `json:"state_path"`
	MaxSessions   int    `json:"max_sessions"`
	PruneDays     int    `json:"prune_threshold_days"`
	Archive       bool   `json:"archive_enabled"`
	API           bool   `json:"api_enabled"`
	Webhooks      int    `json:"webhook_endpoints"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}

	summary := configSummary{
		Path:          path,
		WorkspaceRoot: cfg.Workspace.Root,
		StatePath:     cfg.State.Path,
		MaxSessions:   cfg.Pool.MaxSessions,
		PruneDays:     cfg.Pool.PruneThresholdDays,
		Archive:       cfg.Archive.Enabled(),
		API:           cfg.API.Enabled,
	}
	if cfg.Webhooks != nil {
		summary.Webhooks = len(cfg.Webhooks.Endpoints)
	}

	if *jsonOut {
		return printJSON(summary)
	}
	fmt.Printf("Config OK: %s\n", path)
	fmt.Printf("  workspace root: %s\n", summary.WorkspaceRoot)
	fmt.Printf("  max sessions:   %d\n", summary.MaxSessions)
	fmt.Printf("  prune after:    %d days\n", summary.PruneDays)
	fmt.Printf("  archive:        %t\n", summary.Archive)
	return 0
}

func runConfigDoctor(args []string) int {
	fs := flag.NewFlagSet("config doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

// loadConfig loads the config at configPath or, when empty, the discovered one.
func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, configPath, nil
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// parseInterspersed parses flags that may appear before or after positional
// arguments and returns the positionals in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}
