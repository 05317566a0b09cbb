package wave

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/fault"
)

// PlanPath is the planning decision artifact inside a run root.
const PlanPath = "planning/plan.json"

// PlanSchemaVersion is bumped when the persisted shape changes.
const PlanSchemaVersion = 1

// Route directs the stage machine past planning.
type Route string

const (
	// RouteFanOut sends the run through the research wave.
	RouteFanOut Route = "fan_out"
	// RouteDirect skips the fan-out stage straight to synthesis.
	RouteDirect Route = "direct"
)

// Entry is one planned unit of work.
type Entry struct {
	PerspectiveID string `json:"perspective_id"`
	Prompt        string `json:"prompt"`
	// ExpectedOutputPath is the store-relative directory this perspective's
	// attempt files land in. Empty defaults to research/<perspective_id>.
	ExpectedOutputPath string `json:"expected_output_path"`
}

// OutputDir resolves where the entry's attempt files live.
func (e Entry) OutputDir() string {
	if e.ExpectedOutputPath != "" {
		return e.ExpectedOutputPath
	}
	return path.Join("research", e.PerspectiveID)
}

// AttemptPath returns the store-relative path of attempt n's output.
func (e Entry) AttemptPath(n int) string {
	return path.Join(e.OutputDir(), fmt.Sprintf("attempt-%d.md", n))
}

// Plan is the planning stage's decision artifact.
type Plan struct {
	SchemaVersion int     `json:"schema_version"`
	Revision      int64   `json:"revision"`
	Topic         string  `json:"topic"`
	Route         Route   `json:"route"`
	Entries       []Entry `json:"entries"`
}

// SortedEntries returns the plan entries ordered by perspective id. All wave
// processing derives its order from this, never from map iteration.
func (p Plan) SortedEntries() []Entry {
	entries := make([]Entry, len(p.Entries))
	copy(entries, p.Entries)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PerspectiveID < entries[j].PerspectiveID
	})
	return entries
}

// PlanSchema guards plan writes through the artifact store.
type PlanSchema struct{}

// Validate checks a fully constructed plan document.
func (PlanSchema) Validate(doc artifact.Doc) error {
	var p Plan
	if err := artifact.FromDoc(doc, &p); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "plan.validate", PlanPath, "%v", err)
	}
	if p.SchemaVersion != PlanSchemaVersion {
		return fault.New(fault.CodeSchemaInvalid, "plan.validate", PlanPath,
			"unsupported schema_version %d", p.SchemaVersion)
	}
	if strings.TrimSpace(p.Topic) == "" {
		return fault.New(fault.CodeSchemaInvalid, "plan.validate", PlanPath, "topic is required")
	}
	switch p.Route {
	case RouteFanOut, RouteDirect:
	default:
		return fault.New(fault.CodeSchemaInvalid, "plan.validate", PlanPath,
			"unknown route %q", p.Route)
	}
	if p.Route == RouteFanOut && len(p.Entries) == 0 {
		return fault.New(fault.CodeSchemaInvalid, "plan.validate", PlanPath,
			"fan_out plan needs at least one entry")
	}
	seen := make(map[string]bool, len(p.Entries))
	for i, entry := range p.Entries {
		id := strings.TrimSpace(entry.PerspectiveID)
		if id == "" {
			return fault.New(fault.CodeSchemaInvalid, "plan.validate", PlanPath,
				"entries[%d] missing perspective_id", i)
		}
		if seen[id] {
			return fault.New(fault.CodeSchemaInvalid, "plan.validate", PlanPath,
				"duplicate perspective_id %q", id)
		}
		seen[id] = true
		if strings.TrimSpace(entry.Prompt) == "" {
			return fault.New(fault.CodeSchemaInvalid, "plan.validate", PlanPath,
				"entry %s missing prompt", id)
		}
		if out := entry.ExpectedOutputPath; out != "" {
			if path.IsAbs(out) || out != path.Clean(out) || strings.HasPrefix(out, "..") {
				return fault.New(fault.CodeSchemaInvalid, "plan.validate", PlanPath,
					"entry %s expected_output_path %q must be a clean run-relative path", id, out)
			}
		}
	}
	return nil
}

// CheckMutation freezes the plan once written: the stage machine keys routing
// decisions off it, so a rewrite would invalidate recorded digests.
func (PlanSchema) CheckMutation(old, next artifact.Doc) error {
	if old == nil {
		return nil
	}
	var prev, cur Plan
	if err := artifact.FromDoc(old, &prev); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "plan.mutate", PlanPath, "previous doc: %v", err)
	}
	if err := artifact.FromDoc(next, &cur); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "plan.mutate", PlanPath, "%v", err)
	}
	if cur.Route != prev.Route {
		return fault.New(fault.CodeImmutableField, "plan.mutate", PlanPath,
			"route %s -> %s", prev.Route, cur.Route)
	}
	if len(cur.Entries) != len(prev.Entries) {
		return fault.New(fault.CodeImmutableField, "plan.mutate", PlanPath,
			"entry set changed from %d to %d", len(prev.Entries), len(cur.Entries))
	}
	return nil
}

// LoadPlan reads the plan through the store.
func LoadPlan(store *artifact.Store) (Plan, int64, error) {
	doc, rev, err := store.Read(PlanPath)
	if err != nil {
		return Plan{}, 0, err
	}
	var p Plan
	if err := artifact.FromDoc(doc, &p); err != nil {
		return Plan{}, 0, fault.New(fault.CodeSchemaInvalid, "plan.load", PlanPath, "%v", err)
	}
	return p, rev, nil
}

// SavePlan persists the plan document.
func SavePlan(store *artifact.Store, p Plan, expectedRev int64, reason string) (int64, error) {
	doc, err := artifact.ToDoc(p)
	if err != nil {
		return 0, err
	}
	delete(doc, "revision")
	return store.Write(PlanPath, doc, expectedRev, reason)
}
