// Package driver defines the capability boundary through which the core asks
// for non-deterministic work: unit-of-work execution, the clock, and sleep.
//
// Two implementations exist: a deterministic fixture for tests and a live
// driver that shells out to an external command. The caller selects one
// explicitly at construction; nothing reads global state to pick a driver.
package driver

import (
	"context"
	"time"

	"github.com/leppikallio/inquest/internal/fault"
)

// UnitOfWork is one request for externally produced content.
type UnitOfWork struct {
	PerspectiveID string
	Prompt        string
}

// UnitResult is the outcome of one unit of work. Live and fixture drivers
// return the identical shape, timestamps and attempt id included.
type UnitResult struct {
	Output     string
	AttemptID  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Driver is implemented by every execution backend.
type Driver interface {
	// RunUnitOfWork produces content for one perspective. It is the only
	// call in the core that may block for externally bounded latency.
	RunUnitOfWork(ctx context.Context, in UnitOfWork) (UnitResult, error)
	// Now returns the driver's clock reading.
	Now() time.Time
	// Sleep pauses for the given duration, honoring the driver's clock.
	Sleep(d time.Duration)
}

// AgentRequired builds the resumable fault meaning: this unit of work needs
// an out-of-band agent before the next tick. It is a pause point, not a
// failure.
func AgentRequired(perspectiveID string) error {
	return fault.New(fault.CodeRunAgentRequired, "driver.run", perspectiveID,
		"unit of work requires an external agent")
}
