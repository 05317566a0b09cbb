// Package wave executes one bounded-parallel fan-out of per-perspective work.
//
// Entries are processed in plan-derived order, bounded by the run's
// max_concurrent_agents limit. Validation failures emit retry directives that
// the next attempt's prompt consumes; exhausting a perspective's retry budget
// fails the wave gate outright. All progress lives in the wave ledger so a
// killed process resumes exactly where it stopped.
package wave

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/digest"
	"github.com/leppikallio/inquest/internal/driver"
	"github.com/leppikallio/inquest/internal/fault"
	"github.com/leppikallio/inquest/internal/gate"
	"github.com/leppikallio/inquest/internal/logbook"
	"github.com/leppikallio/inquest/internal/manifest"
)

// ValidateFunc is the validation contract applied to every wave output.
type ValidateFunc func(entry Entry, meta artifact.Metadata, body []byte) error

// DefaultValidate rejects empty outputs and prompt-digest mismatches.
func DefaultValidate(entry Entry, meta artifact.Metadata, body []byte) error {
	if strings.TrimSpace(string(body)) == "" {
		return fmt.Errorf("wave: %s produced an empty output", entry.PerspectiveID)
	}
	if meta.PerspectiveID != entry.PerspectiveID {
		return fmt.Errorf("wave: output attributed to %s, expected %s", meta.PerspectiveID, entry.PerspectiveID)
	}
	return nil
}

// Result summarizes one executor pass.
type Result struct {
	// Complete is true once every planned perspective has a validated,
	// accepted output.
	Complete bool
	// Gate is the wave gate status after this pass; pending while incomplete.
	Gate gate.Status
	// Accepted counts perspectives with accepted outputs.
	Accepted int
	// NewAttempts counts driver invocations made during this pass.
	NewAttempts int
	// Directives lists retry directives emitted during this pass.
	Directives []Directive
	// Exhausted lists perspectives that ran out of retry budget.
	Exhausted []string
}

// Executor drives one run's research wave.
type Executor struct {
	store    *artifact.Store
	drv      driver.Driver
	log      *logbook.Logbook
	validate ValidateFunc
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithValidator swaps the validation contract (used in tests).
func WithValidator(fn ValidateFunc) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.validate = fn
		}
	}
}

// NewExecutor wires an executor to the run's store and driver.
func NewExecutor(store *artifact.Store, drv driver.Driver, log *logbook.Logbook, opts ...ExecutorOption) *Executor {
	ex := &Executor{store: store, drv: drv, log: log, validate: DefaultValidate}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// scheduled is one planned driver invocation.
type scheduled struct {
	entry   Entry
	prompt  string
	dig     string
	attempt int
}

type invocation struct {
	result driver.UnitResult
	err    error
}

// ExecuteWave runs one pass over the planned entries and persists progress.
func (e *Executor) ExecuteWave(ctx context.Context) (Result, error) {
	man, _, err := manifest.Load(e.store)
	if err != nil {
		return Result{}, err
	}
	plan, _, err := LoadPlan(e.store)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return Result{}, fault.New(fault.CodeMissingArtifact, "wave.execute", PlanPath,
				"wave requires the planning decision artifact")
		}
		return Result{}, err
	}
	entries := plan.SortedEntries()
	limits := man.Limits
	if len(entries) > limits.MaxPerspectives {
		return Result{}, fault.New(fault.CodeFanoutCapExceeded, "wave.execute", PlanPath,
			"plan fans out to %d perspectives, cap is %d", len(entries), limits.MaxPerspectives)
	}

	state, stateRev, err := LoadState(e.store)
	if err != nil {
		return Result{}, err
	}

	// Decide, in stable plan order, which perspectives still need work.
	var work []scheduled
	accepted := 0
	var exhausted []string
	for _, entry := range entries {
		ps := state.Perspectives[entry.PerspectiveID]
		prompt := effectivePrompt(entry, ps.Directives)
		dig := promptDigest(entry.PerspectiveID, prompt)
		switch {
		case ps.Validated && ps.AcceptedDigest == dig:
			accepted++
		case ps.Attempts >= limits.MaxRetryAttempts:
			exhausted = append(exhausted, entry.PerspectiveID)
		default:
			work = append(work, scheduled{entry: entry, prompt: prompt, dig: dig, attempt: ps.Attempts + 1})
		}
	}

	if len(work) == 0 {
		return e.finishWave(man, state, entries, accepted, exhausted, Result{})
	}

	// Bounded fan-out. Goroutines only record their outcome; error handling
	// happens afterwards in stable order.
	invocations := make([]invocation, len(work))
	group, groupCtx := errgroup.WithContext(ctx)
	limit := limits.MaxConcurrentAgents
	if limit > len(work) {
		limit = len(work)
	}
	group.SetLimit(limit)
	for i, item := range work {
		i, item := i, item
		group.Go(func() error {
			res, err := e.drv.RunUnitOfWork(groupCtx, driver.UnitOfWork{
				PerspectiveID: item.entry.PerspectiveID,
				Prompt:        item.prompt,
			})
			invocations[i] = invocation{result: res, err: err}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, err
	}

	result := Result{NewAttempts: len(work)}
	var agentRequired error
	for i, item := range work {
		inv := invocations[i]
		ps := state.Perspectives[item.entry.PerspectiveID]
		ps.Attempts = item.attempt

		if inv.err != nil {
			if fault.HasCode(inv.err, fault.CodeRunAgentRequired) {
				// Not an attempt: the work never ran. Leave the counter alone
				// and surface the pause once everything else is ingested.
				ps.Attempts = item.attempt - 1
				state.Perspectives[item.entry.PerspectiveID] = ps
				if agentRequired == nil {
					agentRequired = inv.err
				}
				result.NewAttempts--
				continue
			}
			ps.LastError = inv.err.Error()
			ps = e.emitDirective(ps, item, limits.MaxRetryAttempts, "driver error",
				fmt.Sprintf("previous attempt failed to execute: %v", inv.err), &result)
			state.Perspectives[item.entry.PerspectiveID] = ps
			continue
		}

		meta, path, err := e.ingestAttempt(man, item, inv.result)
		if err != nil {
			return Result{}, err
		}
		if verr := e.validate(item.entry, meta, []byte(inv.result.Output)); verr != nil {
			ps.Validated = false
			ps.LastError = verr.Error()
			ps = e.emitDirective(ps, item, limits.MaxRetryAttempts, "validation failed",
				fmt.Sprintf("address the validation failure and revise: %v", verr), &result)
		} else {
			ps.Validated = true
			ps.AcceptedDigest = item.dig
			ps.AcceptedPath = path
			ps.LastError = ""
		}
		state.Perspectives[item.entry.PerspectiveID] = ps
	}

	if _, err := SaveState(e.store, state, stateRev, "wave pass"); err != nil {
		return Result{}, err
	}
	if agentRequired != nil {
		return result, agentRequired
	}

	// Recount after ingestion.
	accepted = 0
	exhausted = exhausted[:0]
	for _, entry := range entries {
		ps := state.Perspectives[entry.PerspectiveID]
		if ps.Validated {
			accepted++
		} else if ps.Attempts >= limits.MaxRetryAttempts {
			exhausted = append(exhausted, entry.PerspectiveID)
		}
	}
	return e.finishWave(man, state, entries, accepted, exhausted, result)
}

// finishWave derives the wave gate from the aggregate and builds the result.
func (e *Executor) finishWave(man manifest.Manifest, state State, entries []Entry, accepted int, exhausted []string, partial Result) (Result, error) {
	result := partial
	result.Accepted = accepted
	result.Exhausted = exhausted

	ledger, gateRev, err := gate.Load(e.store)
	if err != nil {
		return Result{}, err
	}

	switch {
	case accepted == len(entries):
		result.Complete = true
		result.Gate = gate.StatusPass
		if ledger.StatusOf(gate.ResearchComplete) == gate.StatusPass {
			// Re-tick with everything already recorded: perform no writes.
			return result, nil
		}
		dig := e.waveDigest(state, entries)
		if _, err := gate.Set(e.store, gate.ResearchComplete, gate.StatusPass, dig, e.drv.Now(), gateRev, "all perspectives validated"); err != nil {
			return Result{}, err
		}
		e.log.Append("wave.complete", map[string]any{
			"run_id": man.RunID, "accepted": accepted,
		})
		return result, nil

	case len(exhausted) > 0:
		result.Gate = gate.StatusFail
		dig := e.waveDigest(state, entries)
		if ledger.StatusOf(gate.ResearchComplete) != gate.StatusFail {
			if _, err := gate.Set(e.store, gate.ResearchComplete, gate.StatusFail, dig, e.drv.Now(), gateRev, "retry budget exhausted"); err != nil {
				return Result{}, err
			}
			cp := logbook.Checkpoint{
				RunID:  man.RunID,
				Stage:  string(manifest.StageResearch),
				Reason: "retry budget exhausted: " + strings.Join(exhausted, ", "),
				At:     e.drv.Now().UTC().Format(time.RFC3339),
			}
			body := fmt.Sprintf("Perspectives %s exhausted %d attempts each without a validated output. Attempt files remain under research/ for inspection.",
				strings.Join(exhausted, ", "), man.Limits.MaxRetryAttempts)
			if _, cpErr := e.log.WriteCheckpoint("retry-budget", cp, body); cpErr != nil {
				e.log.Append("checkpoint.error", map[string]any{"error": cpErr.Error()})
			}
		}
		e.log.Append("wave.failed", map[string]any{
			"run_id": man.RunID, "exhausted": exhausted,
		})
		return result, fault.New(fault.CodeRetryCapExceeded, "wave.execute",
			strings.Join(exhausted, ","),
			"%d perspective(s) exhausted %d attempts", len(exhausted), man.Limits.MaxRetryAttempts)

	default:
		result.Gate = gate.StatusPending
		return result, nil
	}
}

// emitDirective appends a retry directive when budget remains. It never emits
// past the per-run maximum.
func (e *Executor) emitDirective(ps PerspectiveState, item scheduled, maxAttempts int, reason, note string, result *Result) PerspectiveState {
	if ps.Attempts >= maxAttempts {
		return ps
	}
	d := Directive{PerspectiveID: item.entry.PerspectiveID, Reason: reason, ChangeNote: note}
	ps.Directives = append(ps.Directives, d)
	result.Directives = append(result.Directives, d)
	e.log.Append("wave.retry", map[string]any{
		"perspective": item.entry.PerspectiveID,
		"attempt":     ps.Attempts,
		"reason":      reason,
	})
	return ps
}

// ingestAttempt persists one attempt file with frontmatter. Attempts are
// never overwritten: a leftover file from a crashed tick is reused when its
// prompt digest matches, rejected otherwise.
func (e *Executor) ingestAttempt(man manifest.Manifest, item scheduled, res driver.UnitResult) (artifact.Metadata, string, error) {
	rel := item.entry.AttemptPath(item.attempt)
	path := e.store.Path(rel)
	meta := artifact.Metadata{
		RunID:         man.RunID,
		Stage:         string(manifest.StageResearch),
		PerspectiveID: item.entry.PerspectiveID,
		PromptDigest:  item.dig,
		AttemptNumber: item.attempt,
		ProducedAt:    res.FinishedAt.UTC(),
		Notes:         map[string]string{"attempt_id": res.AttemptID},
	}

	if existing, err := os.ReadFile(path); err == nil {
		prior, _, perr := artifact.ParseFrontMatter(existing)
		if perr == nil && prior.PromptDigest == item.dig {
			return prior, rel, nil
		}
		return artifact.Metadata{}, "", fault.New(fault.CodeImmutableField, "wave.ingest", rel,
			"attempt file already exists with a different prompt digest")
	} else if !errors.Is(err, fs.ErrNotExist) {
		return artifact.Metadata{}, "", fmt.Errorf("wave: probe %s: %w", rel, err)
	}

	encoded, err := artifact.WriteFrontMatter(meta, []byte(res.Output))
	if err != nil {
		return artifact.Metadata{}, "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return artifact.Metadata{}, "", fmt.Errorf("wave: ensure attempt dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return artifact.Metadata{}, "", fmt.Errorf("wave: create %s: %w", rel, err)
	}
	if _, err := file.Write(encoded); err != nil {
		file.Close()
		return artifact.Metadata{}, "", fmt.Errorf("wave: write %s: %w", rel, err)
	}
	if err := file.Close(); err != nil {
		return artifact.Metadata{}, "", err
	}
	return meta, rel, nil
}

// waveDigest summarizes the wave outcome deterministically for the gate.
func (e *Executor) waveDigest(state State, entries []Entry) string {
	pairs := make(map[string]string, len(entries))
	for _, entry := range entries {
		ps := state.Perspectives[entry.PerspectiveID]
		value := ps.AcceptedDigest
		if value == "" {
			value = fmt.Sprintf("attempts=%d:error=%s", ps.Attempts, ps.LastError)
		}
		pairs[entry.PerspectiveID] = value
	}
	return digest.Compute(digest.SortedPairs(pairs)...)
}

// effectivePrompt folds accumulated directives into the base prompt so each
// retry sees every change note issued so far.
func effectivePrompt(entry Entry, directives []Directive) string {
	if len(directives) == 0 {
		return entry.Prompt
	}
	var b strings.Builder
	b.WriteString(entry.Prompt)
	for _, d := range directives {
		b.WriteString("\n\nRevision guidance (")
		b.WriteString(d.Reason)
		b.WriteString("): ")
		b.WriteString(d.ChangeNote)
	}
	return b.String()
}

func promptDigest(perspectiveID, prompt string) string {
	return digest.Compute("perspective", perspectiveID, "prompt", prompt)
}
