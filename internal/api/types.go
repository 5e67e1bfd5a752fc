package api

import (
	"github.com/mattjoyce/dexter/internal/pool"
)

// RunRequest is the JSON body for POST /sessions/{key}/runs.
type RunRequest struct {
	Prompt string `json:"prompt"`
}

// PruneRequest is the optional JSON body for POST /sessions/prune.
type PruneRequest struct {
	ThresholdDays int `json:"threshold_days,omitempty"`
}

// EnqueueResponse is returned when a mutation was accepted as a job.
type EnqueueResponse struct {
	JobID        string `json:"job_id"`
	Kind         string `json:"kind"`
	WorkspaceKey string `json:"workspace_key,omitempty"`
	// Deduplicated is set when an equivalent job was already pending and
	// JobID refers to it.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// SessionListResponse is returned by GET /sessions.
type SessionListResponse struct {
	Sessions []pool.SessionRecord `json:"sessions"`
	Stats    pool.Stats           `json:"stats"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	Sessions      int    `json:"sessions"`
	SoftCap       int    `json:"soft_cap"`
}
