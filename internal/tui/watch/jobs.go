package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dexter/internal/events"
)

const (
	maxFinishedJobs = 5
	finishedJobTTL  = 10 * time.Minute
)

// JobState tracks a job seen on the event stream.
type JobState struct {
	ID        string
	Kind      string
	Key       string
	Status    string // running, deferred, succeeded, failed, timed_out, dead
	Attempt   int
	Error     string
	StartTime time.Time
	EndTime   time.Time
}

func (j *JobState) active() bool {
	return j.Status == "running" || j.Status == "deferred"
}

// updateJobState folds a job event into jobs. Non-job events are ignored.
func updateJobState(jobs map[string]*JobState, e events.Event, now time.Time) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	jobID, _ := data["job_id"].(string)
	if jobID == "" {
		return
	}

	job, ok := jobs[jobID]
	if !ok {
		job = &JobState{ID: jobID}
		jobs[jobID] = job
	}
	if kind, ok := data["kind"].(string); ok && kind != "" {
		job.Kind = kind
	}
	if key, ok := data["workspace_key"].(string); ok && key != "" {
		job.Key = key
	}

	switch e.Type {
	case events.JobStarted:
		job.Status = "running"
		job.StartTime = now
		job.EndTime = time.Time{}
		if attempt, ok := data["attempt"].(float64); ok {
			job.Attempt = int(attempt)
		}
	case events.JobDeferred:
		job.Status = "deferred"
		if job.Kind == "" {
			job.Kind = "agent.run"
		}
	case events.JobCompleted:
		job.Status = "succeeded"
		job.EndTime = now
	case events.JobFailed:
		job.Status, _ = data["status"].(string)
		if job.Status == "" {
			job.Status = "failed"
		}
		job.Error, _ = data["error"].(string)
		job.EndTime = now
	default:
		if !ok {
			delete(jobs, jobID)
		}
	}
}

// expireJobs drops finished jobs older than finishedJobTTL.
func expireJobs(jobs map[string]*JobState, now time.Time) {
	for id, j := range jobs {
		if !j.active() && !j.EndTime.IsZero() && now.Sub(j.EndTime) > finishedJobTTL {
			delete(jobs, id)
		}
	}
}

// orderedJobs returns active jobs oldest first, then the most recently
// finished ones.
func orderedJobs(jobs map[string]*JobState) []*JobState {
	var active, done []*JobState
	for _, j := range jobs {
		if j.active() {
			active = append(active, j)
		} else {
			done = append(done, j)
		}
	}
	sort.Slice(active, func(a, b int) bool {
		if !active[a].StartTime.Equal(active[b].StartTime) {
			return active[a].StartTime.Before(active[b].StartTime)
		}
		return active[a].ID < active[b].ID
	})
	sort.Slice(done, func(a, b int) bool {
		if !done[a].EndTime.Equal(done[b].EndTime) {
			return done[a].EndTime.After(done[b].EndTime)
		}
		return done[a].ID < done[b].ID
	})
	if len(done) > maxFinishedJobs {
		done = done[:maxFinishedJobs]
	}
	return append(active, done...)
}

func renderJobs(jobs map[string]*JobState, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	ordered := orderedJobs(jobs)
	if len(ordered) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("JOBS"),
			theme.Dim.Render("  No job activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Title.Render("JOBS")}
	for _, j := range ordered {
		lines = append(lines, renderJobRow(j, theme, now))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderJobRow(j *JobState, theme Theme, now time.Time) string {
	id := j.ID
	if len(id) > 8 {
		id = id[:8]
	}

	var elapsed string
	switch {
	case j.Status == "running" && !j.StartTime.IsZero():
		elapsed = now.Sub(j.StartTime).Round(time.Second).String()
	case !j.EndTime.IsZero():
		elapsed = formatAgo(now.Sub(j.EndTime))
	}

	var row strings.Builder
	fmt.Fprintf(&row, " %s %s %-14s %-28s %s",
		statusStyle(j.Status, theme).Render(fmt.Sprintf("%-9s", j.Status)),
		theme.Highlight.Render(id),
		j.Kind,
		j.Key,
		theme.Dim.Render(elapsed),
	)
	if j.Attempt > 1 {
		fmt.Fprintf(&row, " %s", theme.Dim.Render(fmt.Sprintf("attempt %d", j.Attempt)))
	}
	if j.Error != "" {
		msg := j.Error
		if len(msg) > 60 {
			msg = msg[:60] + "..."
		}
		fmt.Fprintf(&row, "\n    └─ %s", theme.StatusFailed.Render(msg))
	}
	return row.String()
}

func statusStyle(status string, theme Theme) lipgloss.Style {
	switch status {
	case "succeeded":
		return theme.StatusOK
	case "running":
		return theme.StatusRunning
	case "deferred":
		return theme.StatusQueued
	default:
		return theme.StatusFailed
	}
}
