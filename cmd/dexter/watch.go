package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/dexter/internal/tui/watch"
)

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Admin API base URL")
	token := fs.String("token", os.Getenv("DEXTER_API_TOKEN"), "Bearer token with sessions:ro")
	fs.Usage = printSystemWatchHelp
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: API token required. Use --token or DEXTER_API_TOKEN env var.")
		return 1
	}

	m := watch.New(watch.NewClient(*apiURL, *token))
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func printSystemWatchHelp() {
	fmt.Println("Usage: dexter system watch [flags]")
	fmt.Println()
	fmt.Println("Live view of the session pool, running jobs and pool events.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Admin API base URL (default: http://127.0.0.1:8080)")
	fmt.Println("  --token TOKEN    Bearer token with sessions:ro (or DEXTER_API_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select session")
	fmt.Println("  r                Refresh sessions")
}
