// Package stage advances a run through its fixed stage graph.
//
// Every advance is decided against the run's current artifacts and gates,
// recorded as an immutable history entry, and stamped with a digest of the
// inputs that justified it. The digest deliberately excludes wall-clock time:
// replaying the same decision over the same inputs yields the same digest.
package stage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/digest"
	"github.com/leppikallio/inquest/internal/fault"
	"github.com/leppikallio/inquest/internal/gate"
	"github.com/leppikallio/inquest/internal/logbook"
	"github.com/leppikallio/inquest/internal/manifest"
	"github.com/leppikallio/inquest/internal/wave"
)

// ScopePath is the store-relative path of the scoping artifact.
const ScopePath = "scoping/scope.md"

// SynthesisPath is the store-relative path of the synthesis artifact.
const SynthesisPath = "synthesis/synthesis.md"

// Check is one evaluated precondition.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Request asks the machine to advance. To is optional; when set it must match
// the machine's own derivation.
type Request struct {
	To     manifest.Stage
	Reason string
}

// Decision records one advance attempt, blocked or not.
type Decision struct {
	From         manifest.Stage
	To           manifest.Stage
	Reason       string
	Evaluated    []Check
	InputsDigest string
	// Failed marks an advance that terminates the run unsuccessfully, such
	// as entering done after the review budget ran out.
	Failed bool
}

// Machine advances one run's manifest through the stage graph.
type Machine struct {
	store *artifact.Store
	log   *logbook.Logbook
	now   func() time.Time
}

// MachineOption customizes a Machine.
type MachineOption func(*Machine)

// WithClock fixes the machine's clock (used in tests).
func WithClock(clock func() time.Time) MachineOption {
	return func(m *Machine) {
		if clock != nil {
			m.now = clock
		}
	}
}

// NewMachine wires a machine to the run's store.
func NewMachine(store *artifact.Store, log *logbook.Logbook, opts ...MachineOption) *Machine {
	m := &Machine{store: store, log: log, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// allowed is the full stage graph. Derivation picks among multiple successors.
var allowed = map[manifest.Stage][]manifest.Stage{
	manifest.StageScoping:   {manifest.StagePlanning},
	manifest.StagePlanning:  {manifest.StageResearch, manifest.StageSynthesis},
	manifest.StageResearch:  {manifest.StageSynthesis},
	manifest.StageSynthesis: {manifest.StageReview},
	manifest.StageReview:    {manifest.StageDone, manifest.StageSynthesis},
	manifest.StageDone:      nil,
}

// Allowed reports whether from may ever transition to to.
func Allowed(from, to manifest.Stage) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance derives the next stage, evaluates its preconditions in stable
// order, and commits the transition through the manifest's revision check.
// A blocked advance returns the evaluated decision alongside a typed fault;
// nothing is written in that case.
func (m *Machine) Advance(req Request) (Decision, error) {
	man, rev, err := manifest.Load(m.store)
	if err != nil {
		return Decision{}, err
	}
	if man.Status.IsTerminal() || man.CurrentStage() == manifest.TerminalStage {
		return Decision{}, fault.New(fault.CodeSchemaInvalid, "stage.advance", string(man.CurrentStage()),
			"run %s is terminal (status %s), nothing to advance", man.RunID, man.Status)
	}
	if man.Status == manifest.StatusPaused {
		return Decision{}, fault.New(fault.CodeSchemaInvalid, "stage.advance", string(man.CurrentStage()),
			"run %s is paused, resume it before advancing", man.RunID)
	}

	ledger, gateRev, err := gate.Load(m.store)
	if err != nil {
		return Decision{}, err
	}

	from := man.CurrentStage()
	to, failed, err := m.deriveNext(man)
	if err != nil {
		return Decision{}, err
	}
	if req.To != "" && req.To != to {
		if !Allowed(from, req.To) {
			return Decision{}, fault.New(fault.CodeSchemaInvalid, "stage.advance", string(req.To),
				"no edge from %s to %s", from, req.To)
		}
		return Decision{}, fault.New(fault.CodeSchemaInvalid, "stage.advance", string(req.To),
			"requested %s but the run's state derives %s", req.To, to)
	}

	checks, blocker := m.evaluate(man, ledger, from, to)
	decision := Decision{
		From:      from,
		To:        to,
		Reason:    req.Reason,
		Evaluated: checks,
		Failed:    failed,
	}
	decision.InputsDigest = m.inputsDigest(man, ledger, rev, gateRev, decision, req.To)

	if blocker != nil {
		m.log.Append("stage.blocked", map[string]any{
			"run_id": man.RunID, "from": string(from), "to": string(to),
			"blocker": blocker.Error(),
		})
		return decision, blocker
	}

	now := m.now().UTC()
	man.Stage.History = append(man.Stage.History, manifest.Transition{
		From:         from,
		To:           to,
		Reason:       decision.Reason,
		InputsDigest: decision.InputsDigest,
		At:           now,
	})
	man.Stage.Current = to
	man.Stage.StartedAt = now
	if to == manifest.TerminalStage {
		if failed {
			man.Status = manifest.StatusFailed
		} else {
			man.Status = manifest.StatusCompleted
		}
	}
	if _, err := manifest.Save(m.store, man, rev, decision.Reason); err != nil {
		return decision, err
	}
	m.log.Append("stage.advance", map[string]any{
		"run_id": man.RunID, "from": string(from), "to": string(to),
		"inputs_digest": decision.InputsDigest,
	})
	if to == manifest.TerminalStage && failed {
		m.writeFailureCheckpoint(man, now)
	}
	return decision, nil
}

// deriveNext picks the successor stage from the run's own state. The failed
// flag marks a terminal transition that ends the run unsuccessfully.
func (m *Machine) deriveNext(man manifest.Manifest) (manifest.Stage, bool, error) {
	switch from := man.CurrentStage(); from {
	case manifest.StageScoping:
		return manifest.StagePlanning, false, nil
	case manifest.StagePlanning:
		plan, _, err := wave.LoadPlan(m.store)
		if err != nil {
			// Missing plan still derives the fan-out edge; the precondition
			// checks report the missing artifact with full detail.
			return manifest.StageResearch, false, nil
		}
		if plan.Route == wave.RouteDirect {
			return manifest.StageSynthesis, false, nil
		}
		return manifest.StageResearch, false, nil
	case manifest.StageResearch:
		return manifest.StageSynthesis, false, nil
	case manifest.StageSynthesis:
		return manifest.StageReview, false, nil
	case manifest.StageReview:
		rs, _, err := LoadReview(m.store)
		if err != nil {
			return "", false, err
		}
		if rs.Verdict == VerdictRevise {
			if rs.Iterations >= man.Limits.MaxReviewIterations {
				// Budget spent: the run ends, recorded as a failure. It never
				// loops back for an iteration it is not allowed to have.
				return manifest.TerminalStage, true, nil
			}
			return manifest.StageSynthesis, false, nil
		}
		return manifest.TerminalStage, false, nil
	default:
		return "", false, fault.New(fault.CodeSchemaInvalid, "stage.derive", string(from),
			"stage %s has no successor", from)
	}
}

// evaluate runs the edge's preconditions in a stable order. All checks are
// recorded even past the first failure; the returned fault reflects the
// first failing check.
func (m *Machine) evaluate(man manifest.Manifest, ledger gate.Ledger, from, to manifest.Stage) ([]Check, error) {
	var checks []Check
	var blocker error
	add := func(c Check, f error) {
		checks = append(checks, c)
		if !c.OK && blocker == nil {
			blocker = f
		}
	}

	switch {
	case from == manifest.StageScoping:
		add(m.checkArtifact("scope_present", ScopePath))

	case from == manifest.StagePlanning:
		add(m.checkArtifact("plan_present", wave.PlanPath))
		add(m.checkGate(ledger, "plan_approved", gate.PlanApproved))
		if to == manifest.StageResearch {
			add(m.checkFanout(man))
		}

	case from == manifest.StageResearch:
		add(m.checkGate(ledger, "research_complete", gate.ResearchComplete))
		add(m.checkAcceptedOutputs())

	case from == manifest.StageSynthesis:
		add(m.checkArtifact("synthesis_present", SynthesisPath))
		add(m.checkSoftGate(ledger, "citations_verified", gate.CitationsVerified))

	case from == manifest.StageReview && to == manifest.TerminalStage:
		if failed := m.reviewBudgetSpent(man); failed {
			// Terminal failure path: no gate can be demanded of it.
			add(Check{Name: "review_budget", OK: true, Detail: "iteration budget exhausted, closing run"}, nil)
		} else {
			add(m.checkGate(ledger, "review_passed", gate.ReviewPassed))
		}

	case from == manifest.StageReview && to == manifest.StageSynthesis:
		add(m.checkReviseBudget(man))
	}
	return checks, blocker
}

func (m *Machine) checkArtifact(name, rel string) (Check, error) {
	if _, _, err := m.store.Read(rel); err != nil {
		return Check{Name: name, Detail: rel + " is absent or unreadable"},
			fault.New(fault.CodeMissingArtifact, "stage.check", rel, "required artifact is missing")
	}
	return Check{Name: name, OK: true}, nil
}

func (m *Machine) checkGate(ledger gate.Ledger, name string, id gate.ID) (Check, error) {
	status := ledger.StatusOf(id)
	if status != gate.StatusPass {
		return Check{Name: name, Detail: fmt.Sprintf("gate %s is %s", id, status)},
			fault.New(fault.CodeGateBlocked, "stage.check", string(id), "gate is %s, needs pass", status)
	}
	return Check{Name: name, OK: true}, nil
}

// checkSoftGate only blocks on an explicit fail. Pending and warn proceed,
// with the status kept in the decision record.
func (m *Machine) checkSoftGate(ledger gate.Ledger, name string, id gate.ID) (Check, error) {
	status := ledger.StatusOf(id)
	if status == gate.StatusFail {
		return Check{Name: name, Detail: fmt.Sprintf("soft gate %s failed", id)},
			fault.New(fault.CodeGateBlocked, "stage.check", string(id), "soft gate failed outright")
	}
	return Check{Name: name, OK: true, Detail: fmt.Sprintf("gate %s is %s", id, status)}, nil
}

func (m *Machine) checkFanout(man manifest.Manifest) (Check, error) {
	plan, _, err := wave.LoadPlan(m.store)
	if err != nil {
		return Check{Name: "fanout_cap", Detail: "plan unreadable"},
			fault.New(fault.CodeMissingArtifact, "stage.check", wave.PlanPath, "plan required to size the fan-out")
	}
	if n := len(plan.Entries); n > man.Limits.MaxPerspectives {
		return Check{Name: "fanout_cap", Detail: fmt.Sprintf("%d entries over cap %d", n, man.Limits.MaxPerspectives)},
			fault.New(fault.CodeFanoutCapExceeded, "stage.check", wave.PlanPath,
				"plan fans out to %d perspectives, cap is %d", n, man.Limits.MaxPerspectives)
	}
	return Check{Name: "fanout_cap", OK: true}, nil
}

// checkAcceptedOutputs verifies every accepted wave output still exists.
func (m *Machine) checkAcceptedOutputs() (Check, error) {
	state, _, err := wave.LoadState(m.store)
	if err != nil {
		return Check{Name: "accepted_outputs", Detail: "wave ledger unreadable"},
			fault.New(fault.CodeMissingArtifact, "stage.check", wave.StatePath, "wave ledger required")
	}
	for id, ps := range state.Perspectives {
		if !ps.Validated {
			continue
		}
		if _, _, err := artifact.ReadFrontMatterFile(m.store.Path(ps.AcceptedPath)); err != nil {
			return Check{Name: "accepted_outputs", Detail: fmt.Sprintf("%s accepted output missing", id)},
				fault.New(fault.CodeMissingArtifact, "stage.check", ps.AcceptedPath,
					"accepted output for %s is absent or malformed", id)
		}
	}
	return Check{Name: "accepted_outputs", OK: true}, nil
}

func (m *Machine) checkReviseBudget(man manifest.Manifest) (Check, error) {
	rs, _, err := LoadReview(m.store)
	if err != nil {
		return Check{Name: "review_budget", Detail: "review ledger unreadable"},
			fault.New(fault.CodeMissingArtifact, "stage.check", ReviewStatePath, "review ledger required")
	}
	if rs.Iterations >= man.Limits.MaxReviewIterations {
		return Check{Name: "review_budget", Detail: fmt.Sprintf("%d of %d iterations used", rs.Iterations, man.Limits.MaxReviewIterations)},
			fault.New(fault.CodeReviewCapExceeded, "stage.check", ReviewStatePath,
				"review iteration budget of %d exhausted", man.Limits.MaxReviewIterations)
	}
	return Check{Name: "review_budget", OK: true}, nil
}

func (m *Machine) reviewBudgetSpent(man manifest.Manifest) bool {
	rs, _, err := LoadReview(m.store)
	if err != nil {
		return false
	}
	return rs.Verdict == VerdictRevise && rs.Iterations >= man.Limits.MaxReviewIterations
}

// inputsDigest summarizes everything the decision depended on, deliberately
// excluding timestamps so identical inputs reproduce identical digests.
func (m *Machine) inputsDigest(man manifest.Manifest, ledger gate.Ledger, rev, gateRev int64, d Decision, requested manifest.Stage) string {
	parts := []string{
		"from", string(d.From),
		"to", string(d.To),
		"requested", string(requested),
		"manifest_rev", strconv.FormatInt(rev, 10),
		"gates_rev", strconv.FormatInt(gateRev, 10),
	}
	parts = append(parts, digest.SortedPairs(ledger.StatusMap())...)
	for _, c := range d.Evaluated {
		parts = append(parts, c.Name, strconv.FormatBool(c.OK))
	}
	return digest.Compute(parts...)
}

func (m *Machine) writeFailureCheckpoint(man manifest.Manifest, now time.Time) {
	cp := logbook.Checkpoint{
		RunID:  man.RunID,
		Stage:  string(manifest.StageReview),
		Reason: "review iteration budget exhausted",
		At:     now.Format(time.RFC3339),
	}
	path, err := m.log.WriteCheckpoint("review-budget", cp,
		"The run closed unsuccessfully: the reviewer kept requesting revisions past the frozen iteration budget.")
	if err != nil {
		m.log.Append("checkpoint.error", map[string]any{"error": err.Error()})
		return
	}
	m.log.Append("checkpoint.written", map[string]any{"path": path})
}
