// Package manifest defines the run lifecycle ledger: identity, current stage,
// status, frozen limits, and the append-only transition history.
//
// The manifest is mutated only through the artifact store's optimistic-write
// path; this package supplies the types, the stage/status vocabulary, and the
// schema that guards every write.
package manifest

import (
	"time"

	"github.com/leppikallio/inquest/internal/config"
)

// FileName is the manifest document inside a run root.
const FileName = "manifest.json"

// SchemaVersion is bumped when the persisted shape changes.
const SchemaVersion = 1

// Stage names one pipeline phase.
type Stage string

const (
	StageScoping   Stage = "scoping"
	StagePlanning  Stage = "planning"
	StageResearch  Stage = "research"
	StageSynthesis Stage = "synthesis"
	StageReview    Stage = "review"
	StageDone      Stage = "done"
)

// Stages lists the full stage alphabet in pipeline order.
func Stages() []Stage {
	return []Stage{StageScoping, StagePlanning, StageResearch, StageSynthesis, StageReview, StageDone}
}

// InitialStage is where every run starts.
const InitialStage = StageScoping

// TerminalStage is the only terminal stage id. Runs that fail terminally land
// here with status "failed"; a new stage id is never invented for failures.
const TerminalStage = StageDone

// ValidStage reports whether the id belongs to the stage alphabet.
func ValidStage(stage Stage) bool {
	switch stage {
	case StageScoping, StagePlanning, StageResearch, StageSynthesis, StageReview, StageDone:
		return true
	default:
		return false
	}
}

// Status is the run lifecycle status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ValidStatus reports whether the status belongs to the alphabet.
func ValidStatus(status Status) bool {
	switch status {
	case StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends the run.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Transition is one immutable history entry.
type Transition struct {
	From         Stage     `json:"from"`
	To           Stage     `json:"to"`
	Reason       string    `json:"reason"`
	InputsDigest string    `json:"inputs_digest"`
	At           time.Time `json:"at"`
}

// StageState tracks the current stage and its entry time.
type StageState struct {
	Current   Stage        `json:"current"`
	StartedAt time.Time    `json:"started_at"`
	History   []Transition `json:"history"`
}

// Manifest is the run's lifecycle record.
type Manifest struct {
	SchemaVersion int           `json:"schema_version"`
	RunID         string        `json:"run_id"`
	Revision      int64         `json:"revision"`
	Status        Status        `json:"status"`
	Stage         StageState    `json:"stage"`
	Limits        config.Limits `json:"limits"`
}

// New builds the initial manifest for a fresh run. Limits are frozen here;
// later config changes never affect this run.
func New(runID string, limits config.Limits, now time.Time) Manifest {
	return Manifest{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		Status:        StatusRunning,
		Stage: StageState{
			Current:   InitialStage,
			StartedAt: now.UTC(),
		},
		Limits: limits,
	}
}

// CurrentStage returns the stage the run sits in.
func (m Manifest) CurrentStage() Stage {
	return m.Stage.Current
}

// LastTransition returns the most recent history entry, if any.
func (m Manifest) LastTransition() (Transition, bool) {
	if len(m.Stage.History) == 0 {
		return Transition{}, false
	}
	return m.Stage.History[len(m.Stage.History)-1], true
}
