// Package watchdog enforces per-stage time budgets.
//
// Budgets are read from the limits frozen into the manifest, never from live
// configuration. A paused run accrues no elapsed time against its budget: the
// clock restarts when the stage is re-entered on resume.
package watchdog

import (
	"fmt"
	"time"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/fault"
	"github.com/leppikallio/inquest/internal/logbook"
	"github.com/leppikallio/inquest/internal/manifest"
)

// Verdict reports one watchdog inspection.
type Verdict struct {
	Stage   manifest.Stage
	Budget  time.Duration
	Elapsed time.Duration
	// TimedOut is true when the stage exceeded its budget and the run was
	// closed as failed.
	TimedOut bool
	// CheckpointPath is the diagnostic checkpoint written on timeout.
	CheckpointPath string
}

// Watchdog inspects one run's stage timer.
type Watchdog struct {
	store *artifact.Store
	log   *logbook.Logbook
	now   func() time.Time
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithClock fixes the watchdog's clock (used in tests).
func WithClock(clock func() time.Time) Option {
	return func(w *Watchdog) {
		if clock != nil {
			w.now = clock
		}
	}
}

// New wires a watchdog to the run's store.
func New(store *artifact.Store, log *logbook.Logbook, opts ...Option) *Watchdog {
	w := &Watchdog{store: store, log: log, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Check compares the current stage's elapsed time against its frozen budget.
// On timeout it marks the run failed, writes a checkpoint, and returns a
// WATCHDOG_TIMEOUT fault alongside the verdict.
func (w *Watchdog) Check() (Verdict, error) {
	man, rev, err := manifest.Load(w.store)
	if err != nil {
		return Verdict{}, err
	}
	stage := man.CurrentStage()
	budget := man.Limits.StageBudget(string(stage))
	verdict := Verdict{Stage: stage, Budget: budget}

	// Terminal and paused runs have no running stage clock.
	if man.Status.IsTerminal() || man.Status == manifest.StatusPaused {
		return verdict, nil
	}
	if budget <= 0 {
		return verdict, nil
	}

	verdict.Elapsed = w.now().UTC().Sub(man.Stage.StartedAt)
	if verdict.Elapsed <= budget {
		return verdict, nil
	}

	verdict.TimedOut = true
	man.Status = manifest.StatusFailed
	if _, err := manifest.Save(w.store, man, rev, "watchdog timeout"); err != nil {
		return verdict, err
	}
	cp := logbook.Checkpoint{
		RunID:   man.RunID,
		Stage:   string(stage),
		Reason:  "stage time budget exceeded",
		Elapsed: verdict.Elapsed.Truncate(time.Second).String(),
		At:      w.now().UTC().Format(time.RFC3339),
	}
	body := fmt.Sprintf("Stage %s ran %s against a budget of %s. The run was closed as failed; artifacts remain for inspection.",
		stage, verdict.Elapsed.Truncate(time.Second), budget)
	path, cpErr := w.log.WriteCheckpoint("watchdog-"+string(stage), cp, body)
	if cpErr != nil {
		w.log.Append("checkpoint.error", map[string]any{"error": cpErr.Error()})
	} else {
		verdict.CheckpointPath = path
	}
	w.log.Append("watchdog.timeout", map[string]any{
		"run_id": man.RunID, "stage": string(stage),
		"elapsed": verdict.Elapsed.String(), "budget": budget.String(),
	})
	return verdict, fault.New(fault.CodeWatchdogTimeout, "watchdog.check", string(stage),
		"stage exceeded its %s budget after %s", budget, verdict.Elapsed.Truncate(time.Second))
}
