// Package agent runs the external coding agent inside a workspace.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/dexter/internal/config"
)

const (
	// maxOutputBytes caps the stdout and stderr kept from one run.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

var (
	// ErrTimeout is returned when the agent exceeded its timeout and was stopped.
	ErrTimeout = errors.New("agent timed out")
	// ErrFailed is returned (wrapped) when the agent exits non-zero.
	ErrFailed = errors.New("agent failed")
)

// Request is one agent invocation.
type Request struct {
	WorkspaceKey string
	Dir          string // workspace directory, used as the working directory
	Prompt       string
	Resume       bool // continue the agent's previous session
}

// Result is what the agent produced.
type Result struct {
	Output   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExecRunner spawns the agent command as a subprocess per request.
type ExecRunner struct {
	command    []string
	resumeArgs []string
	timeout    time.Duration
	grace      time.Duration
	logger     *slog.Logger
}

// NewExecRunner returns a runner for the configured agent command.
func NewExecRunner(cfg config.AgentConfig, logger *slog.Logger) (*ExecRunner, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("agent command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		command:    append([]string(nil), cfg.Command...),
		resumeArgs: append([]string(nil), cfg.ResumeArgs...),
		timeout:    cfg.Timeout,
		grace:      terminationGracePeriod,
		logger:     logger.With("component", "agent"),
	}, nil
}

// Run executes the agent in req.Dir with the prompt as its final argument.
// On timeout or cancellation the process gets SIGTERM and, after a grace
// period, SIGKILL.
func (r *ExecRunner) Run(ctx context.Context, req Request) (Result, error) {
	args := append([]string(nil), r.command[1:]...)
	if req.Resume {
		args = append(args, r.resumeArgs...)
	}
	args = append(args, req.Prompt)

	// Not CommandContext: termination is managed below.
	cmd := exec.Command(r.command[0], args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), "DEXTER_WORKSPACE_KEY="+req.WorkspaceKey, "DEXTER_WORKSPACE_DIR="+req.Dir)
	cmd.WaitDelay = r.grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := r.logger.With("workspace_key", req.WorkspaceKey)
	logger.Debug("spawning agent", "command", r.command[0], "resume", req.Resume, "timeout", r.timeout)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start agent: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	result := func() Result {
		return Result{
			Output:   tail(stdout.String()),
			Stderr:   tail(stderr.String()),
			ExitCode: cmd.ProcessState.ExitCode(),
			Duration: time.Since(started),
		}
	}

	select {
	case <-timeoutC:
		logger.Warn("agent timed out, sending SIGTERM", "timeout", r.timeout)
		r.terminate(cmd, waitErr, logger)
		return result(), fmt.Errorf("%w after %s", ErrTimeout, r.timeout)

	case <-ctx.Done():
		logger.Warn("agent run cancelled, sending SIGTERM")
		r.terminate(cmd, waitErr, logger)
		return result(), ctx.Err()

	case err := <-waitErr:
		res := result()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				logger.Warn("agent exited with non-zero status", "exit_code", exitErr.ExitCode())
				return res, fmt.Errorf("%w: exit status %d", ErrFailed, exitErr.ExitCode())
			}
			return res, fmt.Errorf("wait for agent: %w", err)
		}
		logger.Info("agent run finished", "duration", res.Duration)
		return res, nil
	}
}

func (r *ExecRunner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("agent exited after SIGTERM")
	case <-grace.C:
		logger.Warn("agent did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// tail keeps the last maxOutputBytes of s; agents print their summary last.
func tail(s string) string {
	if len(s) > maxOutputBytes {
		return s[len(s)-maxOutputBytes:]
	}
	return s
}
