package watchdog

import (
	"testing"
	"time"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/config"
	"github.com/leppikallio/inquest/internal/fault"
	"github.com/leppikallio/inquest/internal/gate"
	"github.com/leppikallio/inquest/internal/logbook"
	"github.com/leppikallio/inquest/internal/manifest"
)

var watchdogStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newWatchdogHarness(t *testing.T, limits config.Limits, clock *time.Time) (*Watchdog, *artifact.Store, *logbook.Logbook) {
	t.Helper()
	root := t.TempDir()
	log, err := logbook.New(root)
	if err != nil {
		t.Fatalf("logbook: %v", err)
	}
	store := artifact.NewStore(root, artifact.WithAuditor(log))
	manifest.Register(store)
	gate.Register(store)
	if err := manifest.Create(store, manifest.New("run-1", limits, watchdogStart)); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	dog := New(store, log, WithClock(func() time.Time { return *clock }))
	return dog, store, log
}

func TestCheckWithinBudget(t *testing.T) {
	limits := config.Default().Limits
	limits.StageBudgets = map[string]int{"scoping": 600}
	clock := watchdogStart.Add(5 * time.Minute)
	dog, _, _ := newWatchdogHarness(t, limits, &clock)

	verdict, err := dog.Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if verdict.TimedOut {
		t.Fatalf("verdict timed out inside the budget: %+v", verdict)
	}
}

func TestCheckTimeoutFailsRunAndWritesCheckpoint(t *testing.T) {
	limits := config.Default().Limits
	limits.StageBudgets = map[string]int{"scoping": 600}
	clock := watchdogStart.Add(11 * time.Minute)
	dog, store, log := newWatchdogHarness(t, limits, &clock)

	verdict, err := dog.Check()
	if !fault.HasCode(err, fault.CodeWatchdogTimeout) {
		t.Fatalf("expected WATCHDOG_TIMEOUT, got %v", err)
	}
	if !verdict.TimedOut || verdict.CheckpointPath == "" {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
	man, _, err := manifest.Load(store)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if man.Status != manifest.StatusFailed {
		t.Fatalf("timed-out run must be failed, got %s", man.Status)
	}
	if len(log.Checkpoints()) != 1 {
		t.Fatalf("expected exactly one checkpoint, got %d", len(log.Checkpoints()))
	}
}

func TestCheckNoBudgetNeverTimesOut(t *testing.T) {
	limits := config.Default().Limits
	limits.StageBudgets = map[string]int{}
	clock := watchdogStart.Add(1000 * time.Hour)
	dog, _, _ := newWatchdogHarness(t, limits, &clock)

	verdict, err := dog.Check()
	if err != nil || verdict.TimedOut {
		t.Fatalf("stage without budget timed out: %+v err=%v", verdict, err)
	}
}

func TestCheckPausedRunAccruesNothing(t *testing.T) {
	limits := config.Default().Limits
	limits.StageBudgets = map[string]int{"scoping": 60}
	clock := watchdogStart.Add(24 * time.Hour)
	dog, store, _ := newWatchdogHarness(t, limits, &clock)

	man, rev, err := manifest.Load(store)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	man.Status = manifest.StatusPaused
	if _, err := manifest.Save(store, man, rev, "pause"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	verdict, err := dog.Check()
	if err != nil || verdict.TimedOut {
		t.Fatalf("paused run must never time out: %+v err=%v", verdict, err)
	}
}

func TestCheckTerminalRunIsLeftAlone(t *testing.T) {
	limits := config.Default().Limits
	limits.StageBudgets = map[string]int{"scoping": 60}
	clock := watchdogStart.Add(time.Hour)
	dog, store, _ := newWatchdogHarness(t, limits, &clock)

	man, rev, err := manifest.Load(store)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	man.Status = manifest.StatusCancelled
	if _, err := manifest.Save(store, man, rev, "cancel"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	verdict, err := dog.Check()
	if err != nil || verdict.TimedOut {
		t.Fatalf("terminal run must not be re-failed: %+v err=%v", verdict, err)
	}
}
