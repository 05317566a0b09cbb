package stage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/config"
	"github.com/leppikallio/inquest/internal/fault"
	"github.com/leppikallio/inquest/internal/gate"
	"github.com/leppikallio/inquest/internal/logbook"
	"github.com/leppikallio/inquest/internal/manifest"
	"github.com/leppikallio/inquest/internal/wave"
)

var stageTestStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stageHarness struct {
	store   *artifact.Store
	log     *logbook.Logbook
	machine *Machine
	limits  config.Limits
	clock   *time.Time
}

func newStageHarness(t *testing.T, limits config.Limits) *stageHarness {
	t.Helper()
	root := t.TempDir()
	log, err := logbook.New(root)
	if err != nil {
		t.Fatalf("logbook: %v", err)
	}
	store := artifact.NewStore(root, artifact.WithAuditor(log))
	manifest.Register(store)
	gate.Register(store)
	wave.RegisterSchemas(store)
	store.Register(ReviewStatePath, ReviewSchema{})

	if err := manifest.Create(store, manifest.New("run-1", limits, stageTestStart)); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if err := gate.Create(store); err != nil {
		t.Fatalf("gates: %v", err)
	}
	clock := stageTestStart
	machine := NewMachine(store, log, WithClock(func() time.Time { return clock }))
	return &stageHarness{store: store, log: log, machine: machine, limits: limits, clock: &clock}
}

func (h *stageHarness) writeArtifact(t *testing.T, rel, body string) {
	t.Helper()
	man, _, err := manifest.Load(h.store)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	meta := artifact.Metadata{
		RunID:      man.RunID,
		Stage:      string(man.CurrentStage()),
		ProducedAt: stageTestStart,
	}
	encoded, err := artifact.WriteFrontMatter(meta, []byte(body))
	if err != nil {
		t.Fatalf("frontmatter: %v", err)
	}
	path := h.store.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func (h *stageHarness) setGate(t *testing.T, id gate.ID, status gate.Status, dig string) {
	t.Helper()
	_, rev, err := gate.Load(h.store)
	if err != nil {
		t.Fatalf("gates: %v", err)
	}
	if _, err := gate.Set(h.store, id, status, dig, stageTestStart, rev, "test"); err != nil {
		t.Fatalf("set gate %s: %v", id, err)
	}
}

func (h *stageHarness) savePlan(t *testing.T, route wave.Route, ids ...string) {
	t.Helper()
	plan := wave.Plan{SchemaVersion: wave.PlanSchemaVersion, Topic: "tides", Route: route}
	for _, id := range ids {
		plan.Entries = append(plan.Entries, wave.Entry{PerspectiveID: id, Prompt: "research " + id})
	}
	if _, err := wave.SavePlan(h.store, plan, 0, "test plan"); err != nil {
		t.Fatalf("plan: %v", err)
	}
}

func TestAdvanceBlockedOnMissingScope(t *testing.T) {
	h := newStageHarness(t, config.Default().Limits)
	decision, err := h.machine.Advance(Request{Reason: "tick"})
	if !fault.HasCode(err, fault.CodeMissingArtifact) {
		t.Fatalf("expected MISSING_ARTIFACT, got %v", err)
	}
	if decision.From != manifest.StageScoping || decision.To != manifest.StagePlanning {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if decision.InputsDigest == "" {
		t.Fatalf("blocked decisions still carry a digest")
	}

	// Blocked advances write nothing.
	man, rev, err := manifest.Load(h.store)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if rev != 1 || man.CurrentStage() != manifest.StageScoping {
		t.Fatalf("blocked advance mutated the manifest: rev=%d stage=%s", rev, man.CurrentStage())
	}
}

func TestAdvanceScopingToPlanning(t *testing.T) {
	h := newStageHarness(t, config.Default().Limits)
	h.writeArtifact(t, ScopePath, "the scope")

	decision, err := h.machine.Advance(Request{Reason: "scope ready"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if decision.To != manifest.StagePlanning {
		t.Fatalf("expected planning, got %s", decision.To)
	}
	man, _, err := manifest.Load(h.store)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if man.CurrentStage() != manifest.StagePlanning || len(man.Stage.History) != 1 {
		t.Fatalf("transition not recorded: %+v", man.Stage)
	}
	if man.Stage.History[0].InputsDigest != decision.InputsDigest {
		t.Fatalf("history digest differs from decision digest")
	}
}

func TestAdvanceBlockedDigestIsDeterministic(t *testing.T) {
	h := newStageHarness(t, config.Default().Limits)
	first, err1 := h.machine.Advance(Request{Reason: "tick"})
	// Same inputs hours later must hash identically: wall-clock time is not
	// part of the decision digest.
	*h.clock = h.clock.Add(3 * time.Hour)
	second, err2 := h.machine.Advance(Request{Reason: "tick"})
	if err1 == nil || err2 == nil {
		t.Fatalf("expected both advances blocked")
	}
	if first.InputsDigest != second.InputsDigest {
		t.Fatalf("identical inputs produced different digests: %s vs %s", first.InputsDigest, second.InputsDigest)
	}
}

func TestAdvancePlanningGateBlocked(t *testing.T) {
	h := newStageHarness(t, config.Default().Limits)
	h.writeArtifact(t, ScopePath, "the scope")
	if _, err := h.machine.Advance(Request{}); err != nil {
		t.Fatalf("to planning: %v", err)
	}
	h.savePlan(t, wave.RouteFanOut, "p1", "p2")

	_, err := h.machine.Advance(Request{})
	if !fault.HasCode(err, fault.CodeGateBlocked) {
		t.Fatalf("expected GATE_BLOCKED on pending plan-approved, got %v", err)
	}

	h.setGate(t, gate.PlanApproved, gate.StatusPass, "plan-digest")
	decision, err := h.machine.Advance(Request{})
	if err != nil {
		t.Fatalf("advance after approval: %v", err)
	}
	if decision.To != manifest.StageResearch {
		t.Fatalf("fan-out plan must derive research, got %s", decision.To)
	}
}

func TestAdvanceDirectRouteSkipsResearch(t *testing.T) {
	h := newStageHarness(t, config.Default().Limits)
	h.writeArtifact(t, ScopePath, "the scope")
	if _, err := h.machine.Advance(Request{}); err != nil {
		t.Fatalf("to planning: %v", err)
	}
	h.savePlan(t, wave.RouteDirect)
	h.setGate(t, gate.PlanApproved, gate.StatusPass, "plan-digest")

	decision, err := h.machine.Advance(Request{})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if decision.To != manifest.StageSynthesis {
		t.Fatalf("direct plan must derive synthesis, got %s", decision.To)
	}
}

func TestAdvanceRejectsDivergentRequest(t *testing.T) {
	h := newStageHarness(t, config.Default().Limits)
	h.writeArtifact(t, ScopePath, "the scope")

	_, err := h.machine.Advance(Request{To: manifest.StageDone})
	if !fault.HasCode(err, fault.CodeSchemaInvalid) {
		t.Fatalf("expected SCHEMA_INVALID for an impossible edge, got %v", err)
	}
}

func TestAdvanceSoftGateWarnProceeds(t *testing.T) {
	h := advanceToSynthesis(t)
	h.writeArtifact(t, SynthesisPath, "the report [1]")
	h.setGate(t, gate.CitationsVerified, gate.StatusWarn, "syn-digest")

	decision, err := h.machine.Advance(Request{})
	if err != nil {
		t.Fatalf("warn must not block: %v", err)
	}
	if decision.To != manifest.StageReview {
		t.Fatalf("expected review, got %s", decision.To)
	}
}

func TestAdvanceSoftGateFailBlocks(t *testing.T) {
	h := advanceToSynthesis(t)
	h.writeArtifact(t, SynthesisPath, "the report")
	h.setGate(t, gate.CitationsVerified, gate.StatusFail, "syn-digest")

	_, err := h.machine.Advance(Request{})
	if !fault.HasCode(err, fault.CodeGateBlocked) {
		t.Fatalf("expected GATE_BLOCKED on failed soft gate, got %v", err)
	}
}

func TestAdvanceReviewReviseLoopsToSynthesis(t *testing.T) {
	h := advanceToReview(t)
	rs := NewReviewState()
	rs.Iterations = 1
	rs.Verdict = VerdictRevise
	rs.Notes = "tighten the citations"
	if _, err := SaveReview(h.store, rs, 0, "first review"); err != nil {
		t.Fatalf("review: %v", err)
	}

	decision, err := h.machine.Advance(Request{})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if decision.To != manifest.StageSynthesis || decision.Failed {
		t.Fatalf("revise within budget must loop to synthesis: %+v", decision)
	}
}

func TestAdvanceReviewBudgetExhaustedFailsRun(t *testing.T) {
	limits := config.Default().Limits
	limits.MaxReviewIterations = 1
	h := advanceToReviewWithLimits(t, limits)
	rs := NewReviewState()
	rs.Iterations = 1
	rs.Verdict = VerdictRevise
	if _, err := SaveReview(h.store, rs, 0, "only review"); err != nil {
		t.Fatalf("review: %v", err)
	}

	decision, err := h.machine.Advance(Request{})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if decision.To != manifest.TerminalStage || !decision.Failed {
		t.Fatalf("budget exhaustion must close the run as failed: %+v", decision)
	}
	man, _, err := manifest.Load(h.store)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if man.Status != manifest.StatusFailed {
		t.Fatalf("expected failed status, got %s", man.Status)
	}
	if len(h.log.Checkpoints()) == 0 {
		t.Fatalf("terminal failure must leave a checkpoint")
	}
}

func TestAdvanceReviewApprovedCompletes(t *testing.T) {
	h := advanceToReview(t)
	rs := NewReviewState()
	rs.Iterations = 1
	rs.Verdict = VerdictApproved
	if _, err := SaveReview(h.store, rs, 0, "review"); err != nil {
		t.Fatalf("review: %v", err)
	}
	h.setGate(t, gate.ReviewPassed, gate.StatusPass, "verdict-digest")

	decision, err := h.machine.Advance(Request{})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if decision.To != manifest.StageDone || decision.Failed {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	man, _, err := manifest.Load(h.store)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if man.Status != manifest.StatusCompleted {
		t.Fatalf("expected completed, got %s", man.Status)
	}
	if _, err := h.machine.Advance(Request{}); err == nil {
		t.Fatalf("terminal runs must not advance")
	}
}

// advanceToSynthesis walks a direct-route run into the synthesis stage.
func advanceToSynthesis(t *testing.T) *stageHarness {
	t.Helper()
	return advanceToSynthesisWithLimits(t, config.Default().Limits)
}

func advanceToSynthesisWithLimits(t *testing.T, limits config.Limits) *stageHarness {
	t.Helper()
	h := newStageHarness(t, limits)
	h.writeArtifact(t, ScopePath, "the scope")
	if _, err := h.machine.Advance(Request{}); err != nil {
		t.Fatalf("to planning: %v", err)
	}
	h.savePlan(t, wave.RouteDirect)
	h.setGate(t, gate.PlanApproved, gate.StatusPass, "plan-digest")
	if _, err := h.machine.Advance(Request{}); err != nil {
		t.Fatalf("to synthesis: %v", err)
	}
	return h
}

func advanceToReview(t *testing.T) *stageHarness {
	t.Helper()
	return advanceToReviewWithLimits(t, config.Default().Limits)
}

func advanceToReviewWithLimits(t *testing.T, limits config.Limits) *stageHarness {
	t.Helper()
	h := advanceToSynthesisWithLimits(t, limits)
	h.writeArtifact(t, SynthesisPath, "the report [1]")
	if _, err := h.machine.Advance(Request{}); err != nil {
		t.Fatalf("to review: %v", err)
	}
	return h
}
