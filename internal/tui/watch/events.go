package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dexter/internal/events"
)

const visibleEvents = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.JobCompleted, events.SessionAdmitted, events.SessionRestored, events.SessionArchived:
		typeStyle = theme.StatusOK
	case events.JobFailed, events.SessionAtCapacity, events.SessionArchiveFailed:
		typeStyle = theme.StatusFailed
	case events.JobStarted, events.JobDeferred:
		typeStyle = theme.StatusRunning
	case events.SessionEvicted, events.SessionPruned, events.SessionDeleted:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

// extractEventDesc summarizes an event's payload in one short line.
func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if jobID, ok := data["job_id"].(string); ok {
		if len(jobID) > 8 {
			jobID = jobID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", jobID))
	}
	if kind, ok := data["kind"].(string); ok {
		parts = append(parts, kind)
	}
	for _, field := range []string{"key", "workspace_key"} {
		if key, ok := data[field].(string); ok && key != "" {
			parts = append(parts, key)
			break
		}
	}
	if status, ok := data["status"].(string); ok {
		parts = append(parts, status)
	}
	if count, ok := data["count"].(float64); ok {
		if maxSessions, ok := data["max_sessions"].(float64); ok {
			parts = append(parts, fmt.Sprintf("%d/%d", int(count), int(maxSessions)))
		}
	}
	if restored, ok := data["restored"].(bool); ok && restored {
		parts = append(parts, "restored")
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
