package driver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// External is the live driver. It pipes the prompt to a configured command's
// stdin and captures stdout as the unit-of-work output. With no command
// configured every unit of work reports RUN_AGENT_REQUIRED, turning the run
// into a resumable out-of-band workflow.
type External struct {
	command string
	now     func() time.Time
}

// ExternalOption customizes the live driver.
type ExternalOption func(*External)

// WithClock overrides the live clock (primarily for tests).
func WithClock(clock func() time.Time) ExternalOption {
	return func(e *External) {
		if clock != nil {
			e.now = clock
		}
	}
}

// NewExternal builds a live driver around a shell command.
func NewExternal(command string, opts ...ExternalOption) *External {
	ext := &External{command: strings.TrimSpace(command), now: time.Now}
	for _, opt := range opts {
		opt(ext)
	}
	return ext
}

// RunUnitOfWork invokes the configured command once.
func (e *External) RunUnitOfWork(ctx context.Context, in UnitOfWork) (UnitResult, error) {
	if e.command == "" {
		return UnitResult{}, AgentRequired(in.PerspectiveID)
	}
	started := e.now()
	cmd := exec.CommandContext(ctx, "sh", "-c", e.command)
	cmd.Stdin = strings.NewReader(in.Prompt)
	cmd.Env = append(cmd.Environ(), "INQUEST_PERSPECTIVE="+in.PerspectiveID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	finished := e.now()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return UnitResult{}, fmt.Errorf("driver: unit of work for %s: %s", in.PerspectiveID, detail)
	}
	return UnitResult{
		Output:     stdout.String(),
		AttemptID:  uuid.NewString(),
		StartedAt:  started,
		FinishedAt: finished,
	}, nil
}

// Now returns the wall clock.
func (e *External) Now() time.Time {
	return e.now()
}

// Sleep waits on the wall clock.
func (e *External) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
