package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedResult is one pre-recorded fixture response. Err, when set, is
// returned instead of the output.
type ScriptedResult struct {
	Output string
	Err    error
}

// Fixture is the deterministic test driver: it replays scripted outputs per
// perspective with a stepped clock, so identical fixtures produce identical
// artifacts and digests.
type Fixture struct {
	mu      sync.Mutex
	scripts map[string][]ScriptedResult
	calls   map[string]int
	clock   time.Time
	step    time.Duration
	nextID  int
}

// NewFixture builds a fixture driver starting at the given clock reading.
// Each driver interaction advances the clock by one deterministic step.
func NewFixture(start time.Time, step time.Duration) *Fixture {
	if step <= 0 {
		step = time.Second
	}
	return &Fixture{
		scripts: make(map[string][]ScriptedResult),
		calls:   make(map[string]int),
		clock:   start.UTC(),
		step:    step,
	}
}

// Script appends pre-recorded results for a perspective, consumed in order.
// The last result repeats once the script runs out.
func (f *Fixture) Script(perspectiveID string, results ...ScriptedResult) *Fixture {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[perspectiveID] = append(f.scripts[perspectiveID], results...)
	return f
}

// Calls reports how many units of work ran for a perspective.
func (f *Fixture) Calls(perspectiveID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[perspectiveID]
}

// RunUnitOfWork replays the next scripted result.
func (f *Fixture) RunUnitOfWork(ctx context.Context, in UnitOfWork) (UnitResult, error) {
	if err := ctx.Err(); err != nil {
		return UnitResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	script, ok := f.scripts[in.PerspectiveID]
	if !ok || len(script) == 0 {
		return UnitResult{}, AgentRequired(in.PerspectiveID)
	}
	call := f.calls[in.PerspectiveID]
	f.calls[in.PerspectiveID] = call + 1
	if call >= len(script) {
		call = len(script) - 1
	}
	result := script[call]

	started := f.clock
	f.clock = f.clock.Add(f.step)
	finished := f.clock
	f.nextID++

	if result.Err != nil {
		return UnitResult{}, result.Err
	}
	return UnitResult{
		Output:     result.Output,
		AttemptID:  fmt.Sprintf("fixture-%04d", f.nextID),
		StartedAt:  started,
		FinishedAt: finished,
	}, nil
}

// Now returns the stepped fixture clock.
func (f *Fixture) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

// Sleep advances the fixture clock without waiting.
func (f *Fixture) Sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d > 0 {
		f.clock = f.clock.Add(d)
	}
}
