package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/inspect"
	"github.com/mattjoyce/dexter/internal/lock"
	"github.com/mattjoyce/dexter/internal/log"
	"github.com/mattjoyce/dexter/internal/queue"
	"github.com/mattjoyce/dexter/internal/storage"
)

const sessionUsage = `Usage: dexter session <action> [--config path] [flags]

Actions:
  list [--json]                     Show workspaces, most recently used first
  delete <key> [--purge-archive]    Remove a workspace and its agent session
  prune [--days N]                  Reclaim sessions idle for N days (default: config)
  evict                             Reclaim the least recently used active session
  archive <key>                     Upload a session to object storage
  restore <key>                     Download a session from object storage
  inspect <key> [--jobs N] [--json] Show a session with its archive, jobs and files

delete, prune and evict run directly when the service is stopped. While it
runs they are queued for the dispatcher instead.
`

func runSessionNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, sessionUsage)
		return 1
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		return runSessionList(actionArgs)
	case "delete":
		return runSessionDelete(actionArgs)
	case "prune":
		return runSessionPrune(actionArgs)
	case "evict":
		return runSessionEvict(actionArgs)
	case "archive":
		return runSessionArchive(actionArgs)
	case "restore":
		return runSessionRestore(actionArgs)
	case "inspect":
		return runSessionInspect(actionArgs)
	case "help", "--help", "-h":
		fmt.Print(sessionUsage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown session action: %s\n", action)
		return 1
	}
}

// sessionCmd is the shared state of one session subcommand.
type sessionCmd struct {
	cfg  *config.Config
	deps *poolDeps
	log  *slog.Logger
}

func openSessionCmd(ctx context.Context, configPath string) (*sessionCmd, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("cli")

	deps, err := buildPool(ctx, cfg, config.StaticPool(cfg.Pool), events.Discard, logger)
	if err != nil {
		return nil, err
	}
	return &sessionCmd{cfg: cfg, deps: deps, log: logger}, nil
}

// mutate runs fn directly when no service holds the workspace root. When one
// does, the equivalent job is queued for its dispatcher.
func (c *sessionCmd) mutate(ctx context.Context, job queue.EnqueueRequest, fn func() error) int {
	l, err := lock.AcquirePIDLock(lock.PathFor(c.cfg.Workspace.Root))
	if err == nil {
		defer func() { _ = l.Release() }()
		if err := fn(); err != nil {
			fmt.Fprintf(os.Stderr, "%s failed: %v\n", job.Kind, err)
			return 1
		}
		return 0
	}
	if !errors.Is(err, lock.ErrLocked) {
		fmt.Fprintf(os.Stderr, "Failed to lock workspace root: %v\n", err)
		return 1
	}

	db, err := storage.OpenSQLite(ctx, c.cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	job.SubmittedBy = "cli"
	job.MaxAttempts = c.cfg.Retry.MaxAttempts
	id, err := queue.New(db).Enqueue(ctx, job)
	var dedupe *queue.DedupeDropError
	switch {
	case errors.As(err, &dedupe):
		fmt.Printf("Service is running; %s already queued as job %s\n", job.Kind, dedupe.ExistingJobID)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Failed to enqueue %s: %v\n", job.Kind, err)
		return 1
	default:
		fmt.Printf("Service is running; queued %s as job %s\n", job.Kind, id)
	}
	return 0
}

func runSessionList(args []string) int {
	fs := flag.NewFlagSet("session list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	c, err := openSessionCmd(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session pool: %v\n", err)
		return 1
	}

	records, err := c.deps.pool.ListSessions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list sessions: %v\n", err)
		return 1
	}
	stats, err := c.deps.pool.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to compute pool stats: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(map[string]any{"sessions": records, "stats": stats})
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tLAST USED\tCREATED\tAGENT SESSION\tSIZE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
			r.Key,
			r.LastUsedAt.Local().Format(time.DateTime),
			r.CreatedAt.Local().Format(time.DateTime),
			r.HasActiveAgentSession,
			humanBytes(r.SizeBytes),
		)
	}
	_ = tw.Flush()
	fmt.Printf("\n%d/%d active sessions, %d available\n", stats.Count, stats.SoftCap, stats.Available)
	return 0
}

func runSessionDelete(args []string) int {
	fs := flag.NewFlagSet("session delete", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	purge := fs.Bool("purge-archive", false, "Also delete the archived copy")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: dexter session delete <key> [--purge-archive]")
		return 1
	}
	key := positional[0]

	ctx := context.Background()
	c, err := openSessionCmd(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session pool: %v\n", err)
		return 1
	}

	payload, _ := json.Marshal(queue.DeletePayload{PurgeArchive: *purge})
	return c.mutate(ctx, queue.EnqueueRequest{
		Kind:         queue.KindSessionDelete,
		WorkspaceKey: key,
		Payload:      payload,
	}, func() error {
		report, err := c.deps.pool.Delete(ctx, key, *purge)
		if err != nil {
			return err
		}
		if !report.RemovedWorkspace && !report.RemovedAgentSession {
			fmt.Printf("Nothing to delete for %s\n", key)
			return nil
		}
		fmt.Printf("Deleted %s (workspace: %t, agent session: %t)\n", key, report.RemovedWorkspace, report.RemovedAgentSession)
		return report.Err()
	})
}

func runSessionPrune(args []string) int {
	fs := flag.NewFlagSet("session prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	days := fs.Int("days", 0, "Idle threshold in days (default: pool.prune_threshold_days)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *days < 0 {
		fmt.Fprintln(os.Stderr, "--days must be positive")
		return 1
	}

	ctx := context.Background()
	c, err := openSessionCmd(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session pool: %v\n", err)
		return 1
	}

	threshold := *days
	if threshold == 0 {
		threshold = c.cfg.Pool.PruneThresholdDays
	}

	dedupe := "session.prune"
	payload, _ := json.Marshal(queue.PrunePayload{ThresholdDays: threshold})
	return c.mutate(ctx, queue.EnqueueRequest{
		Kind:      queue.KindSessionPrune,
		Payload:   payload,
		DedupeKey: &dedupe,
	}, func() error {
		pruned, err := c.deps.pool.PruneInactive(ctx, threshold)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d session(s) idle for more than %d days\n", len(pruned), threshold)
		for _, key := range pruned {
			fmt.Printf("  %s\n", key)
		}
		return nil
	})
}

func runSessionEvict(args []string) int {
	fs := flag.NewFlagSet("session evict", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	c, err := openSessionCmd(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session pool: %v\n", err)
		return 1
	}

	dedupe := "session.evict"
	return c.mutate(ctx, queue.EnqueueRequest{
		Kind:      queue.KindSessionEvict,
		DedupeKey: &dedupe,
	}, func() error {
		key, err := c.deps.pool.EvictOldest(ctx)
		if err != nil {
			return err
		}
		if key == "" {
			fmt.Println("No active session to evict")
			return nil
		}
		fmt.Printf("Evicted %s\n", key)
		return nil
	})
}

func runSessionInspect(args []string) int {
	fs := flag.NewFlagSet("session inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jobs := fs.Int("jobs", 10, "Number of recent jobs to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: dexter session inspect <key> [--jobs N] [--json]")
		return 1
	}
	key := positional[0]

	ctx := context.Background()
	c, err := openSessionCmd(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session pool: %v\n", err)
		return 1
	}

	db, err := storage.OpenSQLite(ctx, c.cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	var archives inspect.ArchiveSource
	if c.deps.archive != nil {
		archives = c.deps.archive
	}
	builder := inspect.NewBuilder(db, c.deps.pool, archives)
	opts := inspect.Options{JobLimit: *jobs}

	var out string
	if *jsonOut {
		out, err = builder.BuildJSONReport(ctx, key, opts)
	} else {
		out, err = builder.BuildReport(ctx, key, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runSessionArchive(args []string) int {
	return runArchiveAction("archive", args)
}

func runSessionRestore(args []string) int {
	return runArchiveAction("restore", args)
}

// runArchiveAction uploads or downloads one session. Restore writes into the
// workspace root, so it needs the root to itself.
func runArchiveAction(action string, args []string) int {
	fs := flag.NewFlagSet("session "+action, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: dexter session %s <key>\n", action)
		return 1
	}
	key := positional[0]

	ctx := context.Background()
	c, err := openSessionCmd(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session pool: %v\n", err)
		return 1
	}
	if c.deps.archive == nil {
		fmt.Fprintln(os.Stderr, "Archival is disabled: set archive.bucket")
		return 1
	}

	var ok bool
	if action == "restore" {
		l, err := lock.AcquirePIDLock(lock.PathFor(c.cfg.Workspace.Root))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot restore while the service is running: %v\n", err)
			return 1
		}
		defer func() { _ = l.Release() }()
		ok, err = c.deps.pool.RestoreSession(ctx, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Restore failed: %v\n", err)
			return 1
		}
	} else {
		ok, err = c.deps.pool.ArchiveSession(ctx, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Archive failed: %v\n", err)
			return 1
		}
	}

	if !ok {
		fmt.Printf("Nothing to %s for %s\n", action, key)
		return 0
	}
	fmt.Printf("%sd %s (s3://%s/%s)\n", capitalize(action), key, c.cfg.Archive.Bucket, c.deps.archive.ObjectKey(key))
	return 0
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
