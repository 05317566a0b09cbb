package tick

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/digest"
	"github.com/leppikallio/inquest/internal/driver"
	"github.com/leppikallio/inquest/internal/fault"
	"github.com/leppikallio/inquest/internal/gate"
	"github.com/leppikallio/inquest/internal/manifest"
	"github.com/leppikallio/inquest/internal/stage"
	"github.com/leppikallio/inquest/internal/wave"
)

// TopicPath holds the research question seeded at init.
const TopicPath = "scoping/topic.md"

// Topic reads the run's seeded research question.
func (r *Runner) Topic() (string, error) {
	raw, err := os.ReadFile(r.store.Path(TopicPath))
	if err != nil {
		return "", fault.New(fault.CodeMissingArtifact, "run.topic", TopicPath,
			"run is missing its seeded topic")
	}
	return strings.TrimSpace(string(raw)), nil
}

// workScoping produces the scope artifact from the seeded topic.
func (r *Runner) workScoping(ctx context.Context, man manifest.Manifest) (bool, error) {
	if _, _, err := artifact.ReadFrontMatterFile(r.store.Path(stage.ScopePath)); err == nil {
		return false, nil
	}
	topic, err := r.Topic()
	if err != nil {
		return false, err
	}
	prompt := "Define the scope for a research run on the following topic. " +
		"State the central question, what is in and out of scope, and the deliverable.\n\nTopic: " + topic
	res, err := r.drv.RunUnitOfWork(ctx, driver.UnitOfWork{PerspectiveID: "scoping", Prompt: prompt})
	if err != nil {
		return false, err
	}
	if err := r.writeContent(stage.ScopePath, man, string(manifest.StageScoping), res); err != nil {
		return false, err
	}
	r.log.Append("scope.written", map[string]any{"run_id": man.RunID})
	return true, nil
}

// plannedEntry mirrors the JSON contract the planning work expects back.
type plannedEntry struct {
	PerspectiveID string `json:"perspective_id"`
	Prompt        string `json:"prompt"`
}

type plannedDoc struct {
	Topic   string         `json:"topic"`
	Route   string         `json:"route"`
	Entries []plannedEntry `json:"entries"`
}

// workPlanning produces the plan, then derives the plan-approved gate from it.
// Plan production and gate evaluation are separate ticks so each write stands
// alone in the audit trail.
func (r *Runner) workPlanning(ctx context.Context, man manifest.Manifest) (bool, error) {
	plan, _, err := wave.LoadPlan(r.store)
	if err != nil {
		if !errIsNotFound(err) {
			return false, err
		}
		return true, r.producePlan(ctx, man)
	}

	ledger, gateRev, err := gate.Load(r.store)
	if err != nil {
		return false, err
	}
	if ledger.StatusOf(gate.PlanApproved) != gate.StatusPending {
		return false, nil
	}

	status := gate.StatusPass
	reason := "plan satisfies schema and caps"
	if len(plan.Entries) > man.Limits.MaxPerspectives {
		status = gate.StatusFail
		reason = fmt.Sprintf("plan fans out to %d perspectives, cap is %d", len(plan.Entries), man.Limits.MaxPerspectives)
	}
	if _, err := gate.Set(r.store, gate.PlanApproved, status, planDigest(plan), r.drv.Now(), gateRev, reason); err != nil {
		return false, err
	}
	r.log.Append("plan.evaluated", map[string]any{"run_id": man.RunID, "status": string(status)})
	return true, nil
}

func (r *Runner) producePlan(ctx context.Context, man manifest.Manifest) error {
	_, scope, err := artifact.ReadFrontMatterFile(r.store.Path(stage.ScopePath))
	if err != nil {
		return fault.New(fault.CodeMissingArtifact, "plan.produce", stage.ScopePath,
			"planning requires the scope artifact")
	}
	prompt := fmt.Sprintf("Produce a research plan for the scope below as a single JSON object with "+
		"fields topic, route (%q or %q), and entries (array of {perspective_id, prompt}). "+
		"Use at most %d perspectives. Respond with JSON only.\n\n%s",
		wave.RouteFanOut, wave.RouteDirect, man.Limits.MaxPerspectives, scope)
	res, err := r.drv.RunUnitOfWork(ctx, driver.UnitOfWork{PerspectiveID: "planning", Prompt: prompt})
	if err != nil {
		return err
	}

	var produced plannedDoc
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Output)), &produced); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "plan.produce", wave.PlanPath,
			"planning output is not the expected JSON object: %v", err)
	}
	plan := wave.Plan{
		SchemaVersion: wave.PlanSchemaVersion,
		Topic:         produced.Topic,
		Route:         wave.Route(produced.Route),
	}
	for _, e := range produced.Entries {
		entry := wave.Entry{PerspectiveID: e.PerspectiveID, Prompt: e.Prompt}
		entry.ExpectedOutputPath = entry.OutputDir()
		plan.Entries = append(plan.Entries, entry)
	}
	if _, err := wave.SavePlan(r.store, plan, 0, "plan produced"); err != nil {
		return err
	}
	r.log.Append("plan.written", map[string]any{
		"run_id": man.RunID, "route": produced.Route, "entries": len(plan.Entries),
	})
	return nil
}

// workResearch advances the wave by one executor pass.
func (r *Runner) workResearch(ctx context.Context) (bool, error) {
	result, err := r.wave.ExecuteWave(ctx)
	progressed := result.NewAttempts > 0 || len(result.Directives) > 0
	if err != nil {
		return progressed, err
	}
	return progressed, nil
}

// workSynthesis produces the synthesis artifact, regenerating it whenever the
// run re-entered synthesis after the current copy was produced.
func (r *Runner) workSynthesis(ctx context.Context, man manifest.Manifest) (bool, error) {
	last, _ := man.LastTransition()
	meta, body, err := artifact.ReadFrontMatterFile(r.store.Path(stage.SynthesisPath))
	fresh := err == nil && !meta.ProducedAt.Before(last.At)

	if !fresh {
		res, err := r.synthesize(ctx, man)
		if err != nil {
			return false, err
		}
		if err := r.writeContent(stage.SynthesisPath, man, string(manifest.StageSynthesis), res); err != nil {
			return false, err
		}
		body = []byte(res.Output)
		r.log.Append("synthesis.written", map[string]any{"run_id": man.RunID})
	}

	wrote, err := r.deriveCitationsGate(body)
	if err != nil {
		return !fresh, err
	}
	return !fresh || wrote, nil
}

// synthesize builds the synthesis prompt from the route's inputs and any
// outstanding review notes.
func (r *Runner) synthesize(ctx context.Context, man manifest.Manifest) (driver.UnitResult, error) {
	plan, _, err := wave.LoadPlan(r.store)
	if err != nil {
		return driver.UnitResult{}, fault.New(fault.CodeMissingArtifact, "synthesis.produce", wave.PlanPath,
			"synthesis requires the plan")
	}

	var b strings.Builder
	b.WriteString("Synthesize a final report on: ")
	b.WriteString(plan.Topic)
	b.WriteString("\nCite sources inline in square brackets.\n")

	if plan.Route == wave.RouteDirect {
		_, scope, err := artifact.ReadFrontMatterFile(r.store.Path(stage.ScopePath))
		if err != nil {
			return driver.UnitResult{}, fault.New(fault.CodeMissingArtifact, "synthesis.produce", stage.ScopePath,
				"direct-route synthesis requires the scope artifact")
		}
		b.WriteString("\n## Scope\n\n")
		b.Write(scope)
	} else {
		state, _, err := wave.LoadState(r.store)
		if err != nil {
			return driver.UnitResult{}, err
		}
		for _, entry := range plan.SortedEntries() {
			ps := state.Perspectives[entry.PerspectiveID]
			if !ps.Validated {
				continue
			}
			_, body, err := artifact.ReadFrontMatterFile(r.store.Path(ps.AcceptedPath))
			if err != nil {
				return driver.UnitResult{}, fault.New(fault.CodeMissingArtifact, "synthesis.produce", ps.AcceptedPath,
					"accepted output for %s is absent", entry.PerspectiveID)
			}
			fmt.Fprintf(&b, "\n## Perspective: %s\n\n", entry.PerspectiveID)
			b.Write(body)
		}
	}

	if rs, _, err := stage.LoadReview(r.store); err == nil && rs.Verdict == stage.VerdictRevise && rs.Notes != "" {
		b.WriteString("\n## Reviewer notes to address\n\n")
		b.WriteString(rs.Notes)
	}
	return r.drv.RunUnitOfWork(ctx, driver.UnitOfWork{PerspectiveID: "synthesis", Prompt: b.String()})
}

// deriveCitationsGate inspects the synthesis for inline citations. The gate
// is soft: a citation-free synthesis warns rather than blocks.
func (r *Runner) deriveCitationsGate(body []byte) (bool, error) {
	status := gate.StatusWarn
	reason := "no inline citations found"
	if strings.Contains(string(body), "[") && strings.Contains(string(body), "]") {
		status = gate.StatusPass
		reason = "inline citations present"
	}
	dig := digest.Compute("synthesis", string(body))

	ledger, gateRev, err := gate.Load(r.store)
	if err != nil {
		return false, err
	}
	if entry := ledger.Gates[gate.CitationsVerified]; entry.Status == status && entry.InputsDigest == dig {
		return false, nil
	}
	if _, err := gate.Set(r.store, gate.CitationsVerified, status, dig, r.drv.Now(), gateRev, reason); err != nil {
		return false, err
	}
	return true, nil
}

// workReview runs one review iteration per entry into the review stage.
func (r *Runner) workReview(ctx context.Context, man manifest.Manifest) (bool, error) {
	rs, rev, err := stage.LoadReview(r.store)
	if err != nil {
		return false, err
	}
	entries := 0
	for _, t := range man.Stage.History {
		if t.To == manifest.StageReview {
			entries++
		}
	}
	if rs.Iterations >= entries {
		// Already reviewed this entry into the stage.
		return false, nil
	}

	_, synthesis, err := artifact.ReadFrontMatterFile(r.store.Path(stage.SynthesisPath))
	if err != nil {
		return false, fault.New(fault.CodeMissingArtifact, "review.run", stage.SynthesisPath,
			"review requires the synthesis artifact")
	}
	prompt := "Review the report below. Respond with a first line of exactly APPROVED or REVISE, " +
		"followed by your notes.\n\n" + string(synthesis)
	res, err := r.drv.RunUnitOfWork(ctx, driver.UnitOfWork{PerspectiveID: "review", Prompt: prompt})
	if err != nil {
		return false, err
	}

	verdict, notes := parseVerdict(res.Output)
	rs.Iterations++
	rs.Verdict = verdict
	rs.Notes = notes
	if _, err := stage.SaveReview(r.store, rs, rev, "review iteration"); err != nil {
		return false, err
	}

	status := gate.StatusFail
	if verdict == stage.VerdictApproved {
		status = gate.StatusPass
	}
	dig := digest.Compute("synthesis", string(synthesis), "iteration", fmt.Sprint(rs.Iterations), "verdict", string(verdict))
	_, gateRev, err := gate.Load(r.store)
	if err != nil {
		return true, err
	}
	if _, err := gate.Set(r.store, gate.ReviewPassed, status, dig, r.drv.Now(), gateRev, "review iteration concluded"); err != nil {
		return true, err
	}
	r.log.Append("review.concluded", map[string]any{
		"run_id": man.RunID, "iteration": rs.Iterations, "verdict": string(verdict),
	})
	return true, nil
}

func parseVerdict(output string) (stage.Verdict, string) {
	trimmed := strings.TrimSpace(output)
	line, rest, _ := strings.Cut(trimmed, "\n")
	if strings.EqualFold(strings.TrimSpace(line), "APPROVED") {
		return stage.VerdictApproved, strings.TrimSpace(rest)
	}
	notes := strings.TrimSpace(rest)
	if notes == "" {
		notes = trimmed
	}
	return stage.VerdictRevise, notes
}

// writeContent persists a frontmatter content artifact atomically.
func (r *Runner) writeContent(rel string, man manifest.Manifest, stageName string, res driver.UnitResult) error {
	meta := artifact.Metadata{
		RunID:      man.RunID,
		Stage:      stageName,
		ProducedAt: res.FinishedAt.UTC(),
		Notes:      map[string]string{"attempt_id": res.AttemptID},
	}
	encoded, err := artifact.WriteFrontMatter(meta, []byte(res.Output))
	if err != nil {
		return err
	}
	path := r.store.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("tick: ensure dir for %s: %w", rel, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".content-*")
	if err != nil {
		return fmt.Errorf("tick: stage %s: %w", rel, err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("tick: write %s: %w", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("tick: sync %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tick: swap in %s: %w", rel, err)
	}
	return nil
}

func planDigest(plan wave.Plan) string {
	pairs := map[string]string{"topic": plan.Topic, "route": string(plan.Route)}
	for _, e := range plan.Entries {
		pairs["entry:"+e.PerspectiveID] = e.Prompt
	}
	return digest.Compute(digest.SortedPairs(pairs)...)
}
