package webhook

import (
	"context"

	"github.com/mattjoyce/dexter/internal/queue"
)

// JobQueuer defines the interface for enqueueing webhook-triggered jobs.
type JobQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Source is the system a webhook endpoint receives from.
type Source string

const (
	SourceGitHub Source = "github"
	SourceJira   Source = "jira"
)

// Config holds webhook server configuration.
type Config struct {
	Listen      string
	Mention     string
	MaxAttempts int // for enqueued agent runs
	Endpoints   []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/webhook/github")
	Path   string
	Source Source

	// Secret is the HMAC secret for signature verification
	Secret string

	// SignatureHeader is the HTTP header containing the HMAC signature.
	// Defaults per source: X-Hub-Signature-256 (GitHub), X-Hub-Signature (JIRA).
	SignatureHeader string

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64
}

// TriggerResponse is the JSON response for accepted deliveries.
type TriggerResponse struct {
	Status       string `json:"status"` // enqueued, deduplicated or ignored
	JobID        string `json:"job_id,omitempty"`
	WorkspaceKey string `json:"workspace_key,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize = 1048576 // 1 MB
	DefaultMention     = "@dexter"
)

func defaultSignatureHeader(src Source) string {
	if src == SourceJira {
		return "X-Hub-Signature"
	}
	return "X-Hub-Signature-256"
}
