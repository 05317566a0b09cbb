package manifest

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/fault"
)

// Schema guards manifest writes through the artifact store.
type Schema struct{}

// Validate checks a fully constructed manifest document.
func (Schema) Validate(doc artifact.Doc) error {
	var m Manifest
	if err := artifact.FromDoc(doc, &m); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName, "%v", err)
	}
	if m.SchemaVersion != SchemaVersion {
		return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName,
			"unsupported schema_version %d", m.SchemaVersion)
	}
	if m.RunID == "" {
		return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName, "run_id is required")
	}
	if !ValidStatus(m.Status) {
		return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName,
			"unknown status %q", m.Status)
	}
	if !ValidStage(m.Stage.Current) {
		return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName,
			"unknown stage %q", m.Stage.Current)
	}
	if m.Stage.StartedAt.IsZero() {
		return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName,
			"stage.started_at is required")
	}
	if err := m.Limits.Validate(); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName, "%v", err)
	}
	for i, tr := range m.Stage.History {
		if !ValidStage(tr.From) || !ValidStage(tr.To) {
			return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName,
				"history[%d] names unknown stage %q -> %q", i, tr.From, tr.To)
		}
		if tr.InputsDigest == "" {
			return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName,
				"history[%d] missing inputs_digest", i)
		}
	}
	// Invariant: stage.current equals the last recorded destination, or the
	// initial stage when no transition happened yet.
	if len(m.Stage.History) == 0 {
		if m.Stage.Current != InitialStage {
			return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName,
				"stage.current %q without history must be %q", m.Stage.Current, InitialStage)
		}
	} else if last := m.Stage.History[len(m.Stage.History)-1]; m.Stage.Current != last.To {
		return fault.New(fault.CodeSchemaInvalid, "manifest.validate", FileName,
			"stage.current %q diverges from history[last].to %q", m.Stage.Current, last.To)
	}
	return nil
}

// CheckMutation enforces the manifest's frozen fields and the append-only
// history rule.
func (Schema) CheckMutation(old, next artifact.Doc) error {
	if old == nil {
		return nil
	}
	var prev, cur Manifest
	if err := artifact.FromDoc(old, &prev); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "manifest.mutate", FileName, "previous doc: %v", err)
	}
	if err := artifact.FromDoc(next, &cur); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "manifest.mutate", FileName, "%v", err)
	}
	if cur.RunID != prev.RunID {
		return fault.New(fault.CodeImmutableField, "manifest.mutate", FileName,
			"run_id %q -> %q", prev.RunID, cur.RunID)
	}
	if cur.SchemaVersion != prev.SchemaVersion {
		return fault.New(fault.CodeImmutableField, "manifest.mutate", FileName,
			"schema_version %d -> %d", prev.SchemaVersion, cur.SchemaVersion)
	}
	if !reflect.DeepEqual(cur.Limits, prev.Limits) {
		return fault.New(fault.CodeImmutableField, "manifest.mutate", FileName,
			"limits are frozen at run creation")
	}
	if len(cur.Stage.History) < len(prev.Stage.History) {
		return fault.New(fault.CodeImmutableField, "manifest.mutate", FileName,
			"history shrank from %d to %d entries", len(prev.Stage.History), len(cur.Stage.History))
	}
	for i, tr := range prev.Stage.History {
		if !reflect.DeepEqual(cur.Stage.History[i], tr) {
			return fault.New(fault.CodeImmutableField, "manifest.mutate", FileName,
				"history[%d] rewritten", i)
		}
	}
	return nil
}

// Register installs the manifest schema on a store.
func Register(store *artifact.Store) {
	store.Register(FileName, Schema{})
}

// Load reads the manifest through the store.
func Load(store *artifact.Store) (Manifest, int64, error) {
	doc, rev, err := store.Read(FileName)
	if err != nil {
		return Manifest{}, 0, err
	}
	var m Manifest
	if err := artifact.FromDoc(doc, &m); err != nil {
		return Manifest{}, 0, fault.New(fault.CodeSchemaInvalid, "manifest.load", FileName, "%v", err)
	}
	return m, rev, nil
}

// Save writes the full manifest guarded by the expected revision. The
// revision field inside the struct is managed by the store.
func Save(store *artifact.Store, m Manifest, expectedRev int64, reason string) (int64, error) {
	doc, err := artifact.ToDoc(m)
	if err != nil {
		return 0, err
	}
	delete(doc, "revision")
	return store.Write(FileName, doc, expectedRev, reason)
}

// Create persists the initial manifest. It fails if one already exists.
func Create(store *artifact.Store, m Manifest) error {
	_, _, err := store.Read(FileName)
	if err == nil {
		return fmt.Errorf("manifest: already exists at %s", store.Path(FileName))
	}
	if !errors.Is(err, artifact.ErrNotFound) {
		return err
	}
	_, err = Save(store, m, 0, "run created")
	return err
}
