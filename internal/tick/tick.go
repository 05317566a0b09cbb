// Package tick is the run's only mutation entry point.
//
// One tick acquires the run lock, inspects the manifest, performs at most one
// unit of stage work, attempts at most one stage transition, and releases the
// lock. Everything a tick learns comes from the artifacts on disk, so any
// number of crashed or killed ticks can be followed by a fresh one.
package tick

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/config"
	"github.com/leppikallio/inquest/internal/driver"
	"github.com/leppikallio/inquest/internal/fault"
	"github.com/leppikallio/inquest/internal/gate"
	"github.com/leppikallio/inquest/internal/logbook"
	"github.com/leppikallio/inquest/internal/manifest"
	"github.com/leppikallio/inquest/internal/runlock"
	"github.com/leppikallio/inquest/internal/stage"
	"github.com/leppikallio/inquest/internal/watchdog"
	"github.com/leppikallio/inquest/internal/wave"
)

// Outcome reports one tick.
type Outcome struct {
	RunID string
	From  manifest.Stage
	To    manifest.Stage
	// Progressed is true when the tick wrote anything: a stage advance, new
	// wave attempts, a fresh artifact, or a gate change.
	Progressed bool
	// Blocked carries the typed fault code when the tick could not advance.
	Blocked fault.Code
}

// Runner owns one run's lifecycle operations.
type Runner struct {
	store   *artifact.Store
	log     *logbook.Logbook
	drv     driver.Driver
	machine *stage.Machine
	dog     *watchdog.Watchdog
	wave    *wave.Executor
	cfg     config.Config
	lockOpt []runlock.Option
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLockOptions forwards options to every lock acquisition (used in tests).
func WithLockOptions(opts ...runlock.Option) Option {
	return func(r *Runner) { r.lockOpt = opts }
}

// WithWaveExecutor swaps the wave executor (used in tests).
func WithWaveExecutor(ex *wave.Executor) Option {
	return func(r *Runner) {
		if ex != nil {
			r.wave = ex
		}
	}
}

// NewRunner wires a runner over an initialized run root.
func NewRunner(store *artifact.Store, log *logbook.Logbook, drv driver.Driver, cfg config.Config, opts ...Option) *Runner {
	r := &Runner{
		store:   store,
		log:     log,
		drv:     drv,
		cfg:     cfg,
		machine: stage.NewMachine(store, log, stage.WithClock(drv.Now)),
		dog:     watchdog.New(store, log, watchdog.WithClock(drv.Now)),
	}
	r.wave = wave.NewExecutor(store, drv, log)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewStore builds the artifact store for a run root with every document
// schema registered and writes audited.
func NewStore(root string, log *logbook.Logbook, clock func() time.Time) *artifact.Store {
	opts := []artifact.Option{artifact.WithAuditor(log)}
	if clock != nil {
		opts = append(opts, artifact.WithClock(clock))
	}
	store := artifact.NewStore(root, opts...)
	manifest.Register(store)
	gate.Register(store)
	wave.RegisterSchemas(store)
	store.Register(stage.ReviewStatePath, stage.ReviewSchema{})
	return store
}

// Init scaffolds a fresh run: manifest at revision 1 with frozen limits, a
// gate ledger with every gate pending, the seeded topic, and the audit log.
// It refuses to reinitialize an existing run.
func Init(root, runID, topic string, cfg config.Config, clock func() time.Time) (*artifact.Store, *logbook.Logbook, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(topic) == "" {
		return nil, nil, fault.New(fault.CodeSchemaInvalid, "run.init", TopicPath, "a run needs a topic")
	}
	log, err := logbook.New(root)
	if err != nil {
		return nil, nil, err
	}
	store := NewStore(root, log, clock)
	now := time.Now().UTC()
	if clock != nil {
		now = clock().UTC()
	}
	if err := manifest.Create(store, manifest.New(runID, cfg.Limits, now)); err != nil {
		return nil, nil, err
	}
	if err := gate.Create(store); err != nil {
		return nil, nil, err
	}
	topicFile := store.Path(TopicPath)
	if err := os.MkdirAll(filepath.Dir(topicFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("tick: ensure scoping dir: %w", err)
	}
	if err := os.WriteFile(topicFile, []byte(strings.TrimSpace(topic)+"\n"), 0o644); err != nil {
		return nil, nil, fmt.Errorf("tick: seed topic: %w", err)
	}
	log.Append("run.init", map[string]any{"run_id": runID, "topic": topic})
	return store, log, nil
}

// Open attaches to an existing run root.
func Open(root string, clock func() time.Time) (*artifact.Store, *logbook.Logbook, error) {
	log, err := logbook.New(root)
	if err != nil {
		return nil, nil, err
	}
	store := NewStore(root, log, clock)
	if _, _, err := manifest.Load(store); err != nil {
		return nil, nil, err
	}
	return store, log, nil
}

// Tick performs one locked unit of work. A blocked tick is not an error:
// the outcome carries the typed code and the caller decides what to do.
// RUN_AGENT_REQUIRED and infrastructure failures surface as errors.
func (r *Runner) Tick(ctx context.Context, reason string) (Outcome, error) {
	lock, err := runlock.Acquire(r.store.Root(), r.cfg.Lease(), reason, r.lockOpt...)
	if err != nil {
		return Outcome{}, err
	}
	defer lock.Release()

	// Driver calls may outlive the lease, so the lease is refreshed for the
	// whole tick. Losing it cancels the tick: two processes must never
	// mutate the same run root.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lockLost := make(chan error, 1)
	stopKeepalive := runlock.Keepalive(lock, r.cfg.Lease()/3, func(err error) {
		lockLost <- err
		cancel()
	})
	defer stopKeepalive()
	lost := func() error {
		select {
		case lerr := <-lockLost:
			return lerr
		default:
			return nil
		}
	}

	man, _, err := manifest.Load(r.store)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{RunID: man.RunID, From: man.CurrentStage(), To: man.CurrentStage()}

	if man.Status.IsTerminal() || man.Status == manifest.StatusPaused {
		// Nothing to do and nothing written.
		return out, nil
	}

	// The watchdog writes on timeout, so it runs here where the lock is held.
	if _, err := r.dog.Check(); err != nil {
		if code, ok := fault.CodeOf(err); ok {
			out.Blocked = code
		}
		return out, err
	}

	progressed, err := r.work(ctx, man)
	out.Progressed = progressed
	if lerr := lost(); lerr != nil {
		out.Blocked = fault.CodeLockHeld
		return out, lerr
	}
	if err != nil {
		if code, ok := fault.CodeOf(err); ok {
			out.Blocked = code
		}
		if fault.HasCode(err, fault.CodeRunAgentRequired) {
			return out, err
		}
		switch {
		case fault.HasCode(err, fault.CodeGateBlocked),
			fault.HasCode(err, fault.CodeMissingArtifact):
			// Blocked, not broken: report and let the next tick retry.
			return out, nil
		default:
			return out, err
		}
	}

	decision, err := r.machine.Advance(stage.Request{Reason: reason})
	if err != nil {
		if code, ok := fault.CodeOf(err); ok {
			out.Blocked = code
			switch code {
			case fault.CodeGateBlocked, fault.CodeMissingArtifact:
				return out, nil
			}
		}
		return out, err
	}
	out.To = decision.To
	out.Progressed = true
	out.Blocked = ""
	return out, nil
}

// work performs the current stage's unit of work. It returns whether any
// artifact or ledger was written.
func (r *Runner) work(ctx context.Context, man manifest.Manifest) (bool, error) {
	switch man.CurrentStage() {
	case manifest.StageScoping:
		return r.workScoping(ctx, man)
	case manifest.StagePlanning:
		return r.workPlanning(ctx, man)
	case manifest.StageResearch:
		return r.workResearch(ctx)
	case manifest.StageSynthesis:
		return r.workSynthesis(ctx, man)
	case manifest.StageReview:
		return r.workReview(ctx, man)
	default:
		return false, nil
	}
}

// RunOptions bound a Run loop.
type RunOptions struct {
	// MaxTicks stops the loop after that many ticks; zero means no cap.
	MaxTicks int
	// Until stops the loop once the run reaches the given stage.
	Until manifest.Stage
	// Reason is recorded on every transition the loop performs.
	Reason string
}

// Run ticks until the run is terminal, blocked without progress, out of
// budget, or in need of an out-of-band agent. Every tick consults the
// watchdog while it holds the run lock, so a stalled stage fails even while
// the loop spins.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (Outcome, error) {
	var last Outcome
	for ticks := 0; ; ticks++ {
		if opts.MaxTicks > 0 && ticks >= opts.MaxTicks {
			return last, nil
		}
		if err := ctx.Err(); err != nil {
			return last, err
		}

		out, err := r.Tick(ctx, opts.Reason)
		last = out
		if err != nil {
			if fault.HasCode(err, fault.CodeRunAgentRequired) {
				// Clean stop: the run waits for an external agent, the loop
				// has nothing more to contribute.
				r.log.Append("run.agent_required", map[string]any{"run_id": out.RunID})
				return out, nil
			}
			return out, err
		}

		man, _, merr := manifest.Load(r.store)
		if merr != nil {
			return out, merr
		}
		if man.Status.IsTerminal() {
			return out, nil
		}
		if opts.Until != "" && man.CurrentStage() == opts.Until {
			return out, nil
		}
		if out.From == out.To && !out.Progressed {
			// A tick that neither wrote nor advanced will not do better next
			// time without outside input.
			return out, nil
		}
	}
}

// Pause stops the stage clock. Only a running run can pause.
func (r *Runner) Pause(reason string) error {
	return r.setStatus(manifest.StatusRunning, manifest.StatusPaused, reason, false)
}

// Resume restarts a paused run. The stage entry time is restamped so the
// paused interval never counts against the stage budget.
func (r *Runner) Resume(reason string) error {
	return r.setStatus(manifest.StatusPaused, manifest.StatusRunning, reason, true)
}

// Cancel terminates the run, preserving all artifacts.
func (r *Runner) Cancel(reason string) error {
	lock, err := runlock.Acquire(r.store.Root(), r.cfg.Lease(), reason, r.lockOpt...)
	if err != nil {
		return err
	}
	defer lock.Release()
	man, rev, err := manifest.Load(r.store)
	if err != nil {
		return err
	}
	if man.Status.IsTerminal() {
		return fault.New(fault.CodeSchemaInvalid, "run.cancel", man.RunID,
			"run is already terminal (status %s)", man.Status)
	}
	man.Status = manifest.StatusCancelled
	if _, err := manifest.Save(r.store, man, rev, reason); err != nil {
		return err
	}
	r.log.Append("run.cancel", map[string]any{"run_id": man.RunID, "reason": reason})
	return nil
}

func (r *Runner) setStatus(from, to manifest.Status, reason string, restamp bool) error {
	lock, err := runlock.Acquire(r.store.Root(), r.cfg.Lease(), reason, r.lockOpt...)
	if err != nil {
		return err
	}
	defer lock.Release()
	man, rev, err := manifest.Load(r.store)
	if err != nil {
		return err
	}
	if man.Status != from {
		return fault.New(fault.CodeSchemaInvalid, "run.status", man.RunID,
			"run is %s, expected %s", man.Status, from)
	}
	man.Status = to
	if restamp {
		man.Stage.StartedAt = r.drv.Now().UTC()
	}
	if _, err := manifest.Save(r.store, man, rev, reason); err != nil {
		return err
	}
	r.log.Append("run.status", map[string]any{
		"run_id": man.RunID, "from": string(from), "to": string(to), "reason": reason,
	})
	return nil
}

// errIsNotFound spares callers an errors.Is import at every read site.
func errIsNotFound(err error) bool {
	return errors.Is(err, artifact.ErrNotFound)
}
