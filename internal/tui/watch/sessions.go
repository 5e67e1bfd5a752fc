package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dexter/internal/pool"
)

const gaugeWidth = 20

func newSessionTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Key", Width: 32},
			{Title: "Last used", Width: 10},
			{Title: "Age", Width: 8},
			{Title: "Size", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// sessionRows renders records in the order the API returns them, most
// recently used first. Workspaces without an agent session are marked "-".
func sessionRows(records []pool.SessionRecord, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(records))
	for _, r := range records {
		st := "-"
		if r.HasActiveAgentSession {
			st = "●"
		}
		rows = append(rows, table.Row{
			st,
			r.Key,
			formatAgo(now.Sub(r.LastUsedAt)),
			formatAge(now.Sub(r.CreatedAt)),
			formatBytes(r.SizeBytes),
		})
	}
	return rows
}

func renderSessions(t table.Model, stats pool.Stats, theme Theme, width int) string {
	innerWidth := width - 4

	title := theme.Title.Render("SESSIONS")
	summary := fmt.Sprintf(" %s  prune after %dd",
		capacityGauge(stats.Count, stats.SoftCap, gaugeWidth, theme),
		stats.PruneThresholdDays,
	)

	body := t.View()
	if len(t.Rows()) == 0 {
		body = theme.Dim.Render("  No workspaces yet...")
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, summary, body)
	return theme.Border.Width(innerWidth).Render(content)
}

// capacityGauge draws count against the soft cap. The filled part turns
// yellow from 80% and red at the cap.
func capacityGauge(count, softCap, width int, theme Theme) string {
	if softCap <= 0 {
		return theme.Dim.Render("capacity unknown")
	}

	filled := count * width / softCap
	if filled > width {
		filled = width
	}

	style := theme.StatusOK
	switch {
	case count >= softCap:
		style = theme.StatusFailed
	case count*5 >= softCap*4:
		style = theme.StatusRunning
	}

	bar := style.Render(strings.Repeat("█", filled)) + theme.GaugeFree.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("[%s] %d/%d active", bar, count, softCap)
}

func formatAgo(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func formatAge(d time.Duration) string {
	if d < 24*time.Hour {
		return "<1d"
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func formatBytes(n int64) string {
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
