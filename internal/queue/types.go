package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusDead      Status = "dead"
)

// Kind identifies what a job does.
type Kind string

const (
	KindAgentRun      Kind = "agent.run"
	KindSessionDelete Kind = "session.delete"
	KindSessionEvict  Kind = "session.evict"
	KindSessionPrune  Kind = "session.prune"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAgentRun, KindSessionDelete, KindSessionEvict, KindSessionPrune:
		return true
	}
	return false
}

type Job struct {
	ID           string          `json:"job_id"`
	Kind         Kind            `json:"kind"`
	WorkspaceKey string          `json:"workspace_key,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       Status          `json:"status"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
	Deferrals    int             `json:"deferrals"` // capacity deferrals; never count as attempts
	SubmittedBy  string          `json:"submitted_by"`
	DedupeKey    *string         `json:"dedupe_key,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	LastError    *string         `json:"last_error,omitempty"`
}

type EnqueueRequest struct {
	Kind         Kind
	WorkspaceKey string
	Payload      json.RawMessage
	MaxAttempts  int
	SubmittedBy  string
	DedupeKey    *string
}

var ErrJobNotFound = errors.New("job not found")

// DedupeDropError is returned by Enqueue when a queued or running job already
// carries the same dedupe key.
type DedupeDropError struct {
	DedupeKey     string
	ExistingJobID string
}

func (e *DedupeDropError) Error() string {
	return fmt.Sprintf("dedupe drop: job %s already holds key %q", e.ExistingJobID, e.DedupeKey)
}

// AgentRunPayload is the payload of an agent.run job.
type AgentRunPayload struct {
	Prompt    string `json:"prompt"`
	Source    string `json:"source,omitempty"`     // github, jira, api, cli
	SourceRef string `json:"source_ref,omitempty"` // comment URL or issue key
}

// DeletePayload is the payload of a session.delete job.
type DeletePayload struct {
	PurgeArchive bool `json:"purge_archive,omitempty"`
}

// PrunePayload is the payload of a session.prune job. A zero threshold means
// the configured pool.prune_threshold_days.
type PrunePayload struct {
	ThresholdDays int `json:"threshold_days,omitempty"`
}
