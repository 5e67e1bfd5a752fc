package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestNewLoggerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn", "json")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("INFO should be filtered at WARN, got %q", buf.String())
	}
	l.Warn("kept")
	if out := decodeLine(t, &buf); out["msg"] != "kept" {
		t.Errorf("Expected msg 'kept', got %v", out["msg"])
	}

	buf.Reset()
	newLogger(&buf, "bogus", "text").Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text handler output = %q", buf.String())
	}
}

func TestContextHelpers(t *testing.T) {
	tests := []struct {
		name  string
		build func() *slog.Logger
		field string
		want  string
	}{
		{name: "component", build: func() *slog.Logger { return WithComponent("pool") }, field: "component", want: "pool"},
		{name: "job", build: func() *slog.Logger { return WithJob("job-123") }, field: "job_id", want: "job-123"},
		{name: "session", build: func() *slog.Logger { return WithSession("DXTR-123") }, field: "workspace_key", want: "DXTR-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger = slog.New(slog.NewJSONHandler(&buf, nil))

			tt.build().Info("hello")

			out := decodeLine(t, &buf)
			if out[tt.field] != tt.want {
				t.Errorf("Expected %s %q, got %v", tt.field, tt.want, out[tt.field])
			}
		})
	}
}
