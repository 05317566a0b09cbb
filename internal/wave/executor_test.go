package wave

import (
	"context"
	"testing"
	"time"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/config"
	"github.com/leppikallio/inquest/internal/driver"
	"github.com/leppikallio/inquest/internal/fault"
	"github.com/leppikallio/inquest/internal/gate"
	"github.com/leppikallio/inquest/internal/logbook"
	"github.com/leppikallio/inquest/internal/manifest"
)

var waveTestStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newWaveHarness(t *testing.T, limits config.Limits, entries []Entry) (*artifact.Store, *logbook.Logbook) {
	t.Helper()
	root := t.TempDir()
	log, err := logbook.New(root)
	if err != nil {
		t.Fatalf("logbook: %v", err)
	}
	store := artifact.NewStore(root, artifact.WithAuditor(log))
	manifest.Register(store)
	gate.Register(store)
	RegisterSchemas(store)

	if err := manifest.Create(store, manifest.New("run-1", limits, waveTestStart)); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if err := gate.Create(store); err != nil {
		t.Fatalf("gates: %v", err)
	}
	plan := Plan{SchemaVersion: PlanSchemaVersion, Topic: "tidal energy", Route: RouteFanOut, Entries: entries}
	if _, err := SavePlan(store, plan, 0, "test plan"); err != nil {
		t.Fatalf("plan: %v", err)
	}
	return store, log
}

func waveEntries(ids ...string) []Entry {
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, Entry{PerspectiveID: id, Prompt: "research " + id})
	}
	return entries
}

func TestExecuteWaveCompletesInOneTick(t *testing.T) {
	limits := config.Default().Limits
	store, log := newWaveHarness(t, limits, waveEntries("economics", "engineering", "policy"))
	fixture := driver.NewFixture(waveTestStart, time.Second).
		Script("economics", driver.ScriptedResult{Output: "finding A"}).
		Script("engineering", driver.ScriptedResult{Output: "finding B"}).
		Script("policy", driver.ScriptedResult{Output: "finding C"})

	result, err := NewExecutor(store, fixture, log).ExecuteWave(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Complete || result.Gate != gate.StatusPass || result.Accepted != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.NewAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", result.NewAttempts)
	}

	state, _, err := LoadState(store)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	for _, id := range []string{"economics", "engineering", "policy"} {
		ps := state.Perspectives[id]
		if !ps.Validated || ps.Attempts != 1 || ps.AcceptedPath == "" {
			t.Fatalf("%s not accepted: %+v", id, ps)
		}
		meta, _, err := artifact.ReadFrontMatterFile(store.Path(ps.AcceptedPath))
		if err != nil {
			t.Fatalf("%s accepted output: %v", id, err)
		}
		if meta.PerspectiveID != id || meta.AttemptNumber != 1 || meta.PromptDigest != ps.AcceptedDigest {
			t.Fatalf("%s frontmatter wrong: %+v", id, meta)
		}
	}

	ledger, _, err := gate.Load(store)
	if err != nil {
		t.Fatalf("gates: %v", err)
	}
	if ledger.StatusOf(gate.ResearchComplete) != gate.StatusPass {
		t.Fatalf("wave gate not derived: %s", ledger.StatusOf(gate.ResearchComplete))
	}
}

func TestExecuteWaveRetriesWithDirectives(t *testing.T) {
	limits := config.Default().Limits
	store, log := newWaveHarness(t, limits, waveEntries("p1", "p2", "p3", "p4", "p5"))
	fixture := driver.NewFixture(waveTestStart, time.Second).
		Script("p1", driver.ScriptedResult{Output: "ok 1"}).
		Script("p2", driver.ScriptedResult{Output: ""}, driver.ScriptedResult{Output: "ok 2 revised"}).
		Script("p3", driver.ScriptedResult{Output: "ok 3"}).
		Script("p4", driver.ScriptedResult{Output: "ok 4"}).
		Script("p5", driver.ScriptedResult{Output: "   "}, driver.ScriptedResult{Output: "ok 5 revised"})
	ex := NewExecutor(store, fixture, log)

	first, err := ex.ExecuteWave(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first.Complete || first.Accepted != 3 || len(first.Directives) != 2 {
		t.Fatalf("unexpected first pass: %+v", first)
	}
	if first.Gate != gate.StatusPending {
		t.Fatalf("incomplete wave must leave the gate pending, got %s", first.Gate)
	}

	second, err := ex.ExecuteWave(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !second.Complete || second.Accepted != 5 {
		t.Fatalf("unexpected second pass: %+v", second)
	}
	if second.NewAttempts != 2 {
		t.Fatalf("second pass must only retry the failures, got %d attempts", second.NewAttempts)
	}
	for _, id := range []string{"p1", "p3", "p4"} {
		if fixture.Calls(id) != 1 {
			t.Fatalf("%s re-invoked despite acceptance: %d calls", id, fixture.Calls(id))
		}
	}

	// The retry prompt carried the directive, so the accepted digest differs
	// from the first attempt's.
	state, _, err := LoadState(store)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	p2 := state.Perspectives["p2"]
	if p2.Attempts != 2 || len(p2.Directives) != 1 {
		t.Fatalf("p2 retry state wrong: %+v", p2)
	}
	if base := promptDigest("p2", "research p2"); p2.AcceptedDigest == base {
		t.Fatalf("directive did not change the effective prompt digest")
	}
}

func TestExecuteWaveExhaustsRetryBudget(t *testing.T) {
	limits := config.Default().Limits
	limits.MaxRetryAttempts = 2
	store, log := newWaveHarness(t, limits, waveEntries("stubborn", "fine"))
	fixture := driver.NewFixture(waveTestStart, time.Second).
		Script("stubborn", driver.ScriptedResult{Output: ""}).
		Script("fine", driver.ScriptedResult{Output: "ok"})
	ex := NewExecutor(store, fixture, log)

	if _, err := ex.ExecuteWave(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	result, err := ex.ExecuteWave(context.Background())
	if !fault.HasCode(err, fault.CodeRetryCapExceeded) {
		t.Fatalf("expected RETRY_CAP_EXCEEDED, got %v", err)
	}
	if result.Gate != gate.StatusFail || len(result.Exhausted) != 1 || result.Exhausted[0] != "stubborn" {
		t.Fatalf("unexpected result: %+v", result)
	}
	ledger, _, err := gate.Load(store)
	if err != nil {
		t.Fatalf("gates: %v", err)
	}
	if ledger.StatusOf(gate.ResearchComplete) != gate.StatusFail {
		t.Fatalf("exhausted wave must fail the gate, got %s", ledger.StatusOf(gate.ResearchComplete))
	}
}

func TestExecuteWaveUnscriptedPerspectiveNeedsAgent(t *testing.T) {
	limits := config.Default().Limits
	store, log := newWaveHarness(t, limits, waveEntries("scripted", "unscripted"))
	fixture := driver.NewFixture(waveTestStart, time.Second).
		Script("scripted", driver.ScriptedResult{Output: "done"})
	ex := NewExecutor(store, fixture, log)

	_, err := ex.ExecuteWave(context.Background())
	if !fault.HasCode(err, fault.CodeRunAgentRequired) {
		t.Fatalf("expected RUN_AGENT_REQUIRED, got %v", err)
	}

	// The scripted perspective's progress must survive the pause.
	state, _, err := LoadState(store)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.Perspectives["scripted"].Validated {
		t.Fatalf("scripted perspective lost its accepted output")
	}
	if state.Perspectives["unscripted"].Attempts != 0 {
		t.Fatalf("unscripted perspective must not consume attempts")
	}
}

func TestExecuteWaveFanoutCap(t *testing.T) {
	limits := config.Default().Limits
	limits.MaxPerspectives = 2
	store, log := newWaveHarness(t, limits, waveEntries("a", "b", "c"))
	fixture := driver.NewFixture(waveTestStart, time.Second)

	_, err := NewExecutor(store, fixture, log).ExecuteWave(context.Background())
	if !fault.HasCode(err, fault.CodeFanoutCapExceeded) {
		t.Fatalf("expected FANOUT_CAP_EXCEEDED, got %v", err)
	}
}

func TestExecuteWaveIsIdempotentWhenComplete(t *testing.T) {
	limits := config.Default().Limits
	store, log := newWaveHarness(t, limits, waveEntries("solo"))
	fixture := driver.NewFixture(waveTestStart, time.Second).
		Script("solo", driver.ScriptedResult{Output: "finding"})
	ex := NewExecutor(store, fixture, log)

	if _, err := ex.ExecuteWave(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	_, stateRev, err := LoadState(store)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	_, gateRev, err := gate.Load(store)
	if err != nil {
		t.Fatalf("gates: %v", err)
	}

	result, err := ex.ExecuteWave(context.Background())
	if err != nil {
		t.Fatalf("re-tick: %v", err)
	}
	if !result.Complete || result.NewAttempts != 0 {
		t.Fatalf("re-tick did extra work: %+v", result)
	}
	if fixture.Calls("solo") != 1 {
		t.Fatalf("re-tick re-invoked the driver")
	}
	_, stateRev2, _ := LoadState(store)
	_, gateRev2, _ := gate.Load(store)
	if stateRev2 != stateRev || gateRev2 != gateRev {
		t.Fatalf("re-tick wrote new revisions: state %d->%d gates %d->%d", stateRev, stateRev2, gateRev, gateRev2)
	}
}

func TestExecuteWaveWritesAttemptsUnderPlannedPaths(t *testing.T) {
	limits := config.Default().Limits
	entries := []Entry{
		{PerspectiveID: "economics", Prompt: "research economics", ExpectedOutputPath: "research/custom/economics"},
		{PerspectiveID: "policy", Prompt: "research policy"},
	}
	store, log := newWaveHarness(t, limits, entries)
	fixture := driver.NewFixture(waveTestStart, time.Second).
		Script("economics", driver.ScriptedResult{Output: "finding A"}).
		Script("policy", driver.ScriptedResult{Output: "finding B"})

	result, err := NewExecutor(store, fixture, log).ExecuteWave(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Complete {
		t.Fatalf("unexpected result: %+v", result)
	}

	state, _, err := LoadState(store)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got := state.Perspectives["economics"].AcceptedPath; got != "research/custom/economics/attempt-1.md" {
		t.Fatalf("planned output path ignored: %s", got)
	}
	// Entries without an explicit path keep the default layout.
	if got := state.Perspectives["policy"].AcceptedPath; got != "research/policy/attempt-1.md" {
		t.Fatalf("default output path wrong: %s", got)
	}
	for _, ps := range state.Perspectives {
		if _, _, err := artifact.ReadFrontMatterFile(store.Path(ps.AcceptedPath)); err != nil {
			t.Fatalf("accepted output unreadable at %s: %v", ps.AcceptedPath, err)
		}
	}
}

func TestPlanRejectsEscapingOutputPath(t *testing.T) {
	limits := config.Default().Limits
	store, _ := newWaveHarness(t, limits, waveEntries("economics"))
	plan, rev, err := LoadPlan(store)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	plan.Entries[0].ExpectedOutputPath = "../outside"
	if _, err := SavePlan(store, plan, rev, "bad path"); !fault.HasCode(err, fault.CodeSchemaInvalid) {
		t.Fatalf("expected SCHEMA_INVALID for escaping output path, got %v", err)
	}
}
