package wave

import (
	"errors"
	"sort"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/fault"
)

// StatePath is the wave progress ledger inside a run root.
const StatePath = "research/wave.json"

// StateSchemaVersion is bumped when the persisted shape changes.
const StateSchemaVersion = 1

// Directive asks the next attempt for a perspective to change course.
type Directive struct {
	PerspectiveID string `json:"perspective_id"`
	Reason        string `json:"reason"`
	ChangeNote    string `json:"change_note"`
}

// PerspectiveState is the persisted progress for one planned perspective.
// Attempts is an explicit counter so crash-resumption picks up exactly where
// the last tick stopped.
type PerspectiveState struct {
	Attempts       int         `json:"attempts"`
	Validated      bool        `json:"validated"`
	AcceptedDigest string      `json:"accepted_digest,omitempty"`
	AcceptedPath   string      `json:"accepted_path,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	Directives     []Directive `json:"directives,omitempty"`
}

// State is the persisted wave ledger.
type State struct {
	SchemaVersion int                         `json:"schema_version"`
	Revision      int64                       `json:"revision"`
	Perspectives  map[string]PerspectiveState `json:"perspectives"`
}

// NewState builds an empty ledger.
func NewState() State {
	return State{SchemaVersion: StateSchemaVersion, Perspectives: map[string]PerspectiveState{}}
}

// sortedIDs returns perspective ids in stable order.
func (s State) sortedIDs() []string {
	ids := make([]string, 0, len(s.Perspectives))
	for id := range s.Perspectives {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StateSchema guards wave ledger writes through the artifact store.
type StateSchema struct{}

// Validate checks a fully constructed wave document.
func (StateSchema) Validate(doc artifact.Doc) error {
	var s State
	if err := artifact.FromDoc(doc, &s); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "wave.validate", StatePath, "%v", err)
	}
	if s.SchemaVersion != StateSchemaVersion {
		return fault.New(fault.CodeSchemaInvalid, "wave.validate", StatePath,
			"unsupported schema_version %d", s.SchemaVersion)
	}
	for _, id := range s.sortedIDs() {
		ps := s.Perspectives[id]
		if ps.Attempts < 0 {
			return fault.New(fault.CodeSchemaInvalid, "wave.validate", StatePath,
				"%s has negative attempts", id)
		}
		if ps.Validated && ps.AcceptedDigest == "" {
			return fault.New(fault.CodeSchemaInvalid, "wave.validate", StatePath,
				"%s validated without accepted_digest", id)
		}
	}
	return nil
}

// CheckMutation enforces that attempt counters never rewind: outputs are
// never overwritten in place, only superseded by later attempts.
func (StateSchema) CheckMutation(old, next artifact.Doc) error {
	if old == nil {
		return nil
	}
	var prev, cur State
	if err := artifact.FromDoc(old, &prev); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "wave.mutate", StatePath, "previous doc: %v", err)
	}
	if err := artifact.FromDoc(next, &cur); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "wave.mutate", StatePath, "%v", err)
	}
	for _, id := range cur.sortedIDs() {
		before, existed := prev.Perspectives[id]
		if !existed {
			continue
		}
		if cur.Perspectives[id].Attempts < before.Attempts {
			return fault.New(fault.CodeImmutableField, "wave.mutate", StatePath,
				"%s attempts rewound from %d to %d", id, before.Attempts, cur.Perspectives[id].Attempts)
		}
	}
	return nil
}

// LoadState reads the ledger, returning an empty one at revision 0 when none
// exists yet.
func LoadState(store *artifact.Store) (State, int64, error) {
	doc, rev, err := store.Read(StatePath)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return NewState(), 0, nil
		}
		return State{}, 0, err
	}
	var s State
	if err := artifact.FromDoc(doc, &s); err != nil {
		return State{}, 0, fault.New(fault.CodeSchemaInvalid, "wave.load", StatePath, "%v", err)
	}
	if s.Perspectives == nil {
		s.Perspectives = map[string]PerspectiveState{}
	}
	return s, rev, nil
}

// SaveState persists the ledger guarded by the expected revision.
func SaveState(store *artifact.Store, s State, expectedRev int64, reason string) (int64, error) {
	doc, err := artifact.ToDoc(s)
	if err != nil {
		return 0, err
	}
	delete(doc, "revision")
	return store.Write(StatePath, doc, expectedRev, reason)
}

// RegisterSchemas installs the wave document schemas on a store.
func RegisterSchemas(store *artifact.Store) {
	store.Register(PlanPath, PlanSchema{})
	store.Register(StatePath, StateSchema{})
}
