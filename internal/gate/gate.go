// Package gate maintains the per-checkpoint pass/warn/fail ledger.
//
// The gate alphabet is small and fixed. Gates declared hard may never carry
// warn; every status change must record when it was checked and the digest of
// the inputs that justified it. Lifecycle rules are enforced at write time
// through the artifact store schema.
package gate

import (
	"sort"
	"time"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/fault"
)

// FileName is the gate ledger document inside a run root.
const FileName = "gates.json"

// SchemaVersion is bumped when the persisted shape changes.
const SchemaVersion = 1

// ID names one checkpoint.
type ID string

const (
	// PlanApproved guards leaving the planning stage. Hard.
	PlanApproved ID = "plan-approved"
	// ResearchComplete is derived by the wave executor. Hard.
	ResearchComplete ID = "research-complete"
	// CitationsVerified reports source verification. Soft: blocked external
	// sources surface as warn, never fail the run on their own.
	CitationsVerified ID = "citations-verified"
	// ReviewPassed guards finishing the review stage. Hard.
	ReviewPassed ID = "review-passed"
)

// All lists the gate alphabet in sorted order.
func All() []ID {
	return []ID{CitationsVerified, PlanApproved, ResearchComplete, ReviewPassed}
}

// Known reports whether the id belongs to the alphabet.
func Known(id ID) bool {
	switch id {
	case PlanApproved, ResearchComplete, CitationsVerified, ReviewPassed:
		return true
	default:
		return false
	}
}

// Hard reports whether the gate may never be warn.
func Hard(id ID) bool {
	return id != CitationsVerified
}

// Status is a gate checkpoint status.
type Status string

const (
	StatusPending Status = "pending"
	StatusPass    Status = "pass"
	StatusWarn    Status = "warn"
	StatusFail    Status = "fail"
)

// ValidStatus reports whether the status belongs to the alphabet.
func ValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusPass, StatusWarn, StatusFail:
		return true
	default:
		return false
	}
}

// Entry is one gate's recorded state.
type Entry struct {
	Status       Status     `json:"status"`
	CheckedAt    *time.Time `json:"checked_at,omitempty"`
	InputsDigest string     `json:"inputs_digest,omitempty"`
}

// Ledger is the persisted gate document.
type Ledger struct {
	SchemaVersion int          `json:"schema_version"`
	Revision      int64        `json:"revision"`
	Gates         map[ID]Entry `json:"gates"`
}

// New builds the initial ledger with every gate pending.
func New() Ledger {
	gates := make(map[ID]Entry, len(All()))
	for _, id := range All() {
		gates[id] = Entry{Status: StatusPending}
	}
	return Ledger{SchemaVersion: SchemaVersion, Gates: gates}
}

// StatusOf returns a gate's status, pending when unset.
func (l Ledger) StatusOf(id ID) Status {
	entry, ok := l.Gates[id]
	if !ok {
		return StatusPending
	}
	return entry.Status
}

// Snapshot returns a stable gate_id -> status view. Ids are the full sorted
// alphabet so consumers never depend on map iteration order.
func (l Ledger) Snapshot() []View {
	views := make([]View, 0, len(All()))
	for _, id := range All() {
		views = append(views, View{ID: id, Status: l.StatusOf(id), Hard: Hard(id)})
	}
	return views
}

// View is one row of a snapshot.
type View struct {
	ID     ID
	Status Status
	Hard   bool
}

// StatusMap returns the snapshot as a plain map for digest computation.
func (l Ledger) StatusMap() map[string]string {
	out := make(map[string]string, len(All()))
	for _, id := range All() {
		out[string(id)] = string(l.StatusOf(id))
	}
	return out
}

// sortedIDs returns ledger keys in stable order for validation walks.
func (l Ledger) sortedIDs() []ID {
	ids := make([]ID, 0, len(l.Gates))
	for id := range l.Gates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Schema guards gate ledger writes through the artifact store.
type Schema struct{}

// Validate checks a fully constructed gate document.
func (Schema) Validate(doc artifact.Doc) error {
	var l Ledger
	if err := artifact.FromDoc(doc, &l); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "gate.validate", FileName, "%v", err)
	}
	if l.SchemaVersion != SchemaVersion {
		return fault.New(fault.CodeSchemaInvalid, "gate.validate", FileName,
			"unsupported schema_version %d", l.SchemaVersion)
	}
	for _, id := range l.sortedIDs() {
		entry := l.Gates[id]
		if !Known(id) {
			return fault.New(fault.CodeSchemaInvalid, "gate.validate", string(id), "unknown gate id")
		}
		if !ValidStatus(entry.Status) {
			return fault.New(fault.CodeSchemaInvalid, "gate.validate", string(id),
				"unknown status %q", entry.Status)
		}
		if Hard(id) && entry.Status == StatusWarn {
			return fault.New(fault.CodeSchemaInvalid, "gate.validate", string(id),
				"hard gate may not be warn")
		}
		if entry.Status != StatusPending {
			if entry.CheckedAt == nil || entry.CheckedAt.IsZero() {
				return fault.New(fault.CodeSchemaInvalid, "gate.validate", string(id),
					"checked_at is required for status %s", entry.Status)
			}
			if entry.InputsDigest == "" {
				return fault.New(fault.CodeSchemaInvalid, "gate.validate", string(id),
					"inputs_digest is required for status %s", entry.Status)
			}
		}
	}
	return nil
}

// CheckMutation enforces that status changes refresh their evidence fields.
func (Schema) CheckMutation(old, next artifact.Doc) error {
	if old == nil {
		return nil
	}
	var prev, cur Ledger
	if err := artifact.FromDoc(old, &prev); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "gate.mutate", FileName, "previous doc: %v", err)
	}
	if err := artifact.FromDoc(next, &cur); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "gate.mutate", FileName, "%v", err)
	}
	if cur.SchemaVersion != prev.SchemaVersion {
		return fault.New(fault.CodeImmutableField, "gate.mutate", FileName,
			"schema_version %d -> %d", prev.SchemaVersion, cur.SchemaVersion)
	}
	for _, id := range cur.sortedIDs() {
		entry := cur.Gates[id]
		before, existed := prev.Gates[id]
		if !existed || before.Status == entry.Status {
			continue
		}
		// A status change must present fresh evidence, not recycle the old.
		if entry.InputsDigest == "" || entry.InputsDigest == before.InputsDigest && before.InputsDigest != "" {
			return fault.New(fault.CodeSchemaInvalid, "gate.mutate", string(id),
				"status change %s -> %s requires a fresh inputs_digest", before.Status, entry.Status)
		}
	}
	return nil
}

// Register installs the gate schema on a store.
func Register(store *artifact.Store) {
	store.Register(FileName, Schema{})
}

// Load reads the ledger through the store.
func Load(store *artifact.Store) (Ledger, int64, error) {
	doc, rev, err := store.Read(FileName)
	if err != nil {
		return Ledger{}, 0, err
	}
	var l Ledger
	if err := artifact.FromDoc(doc, &l); err != nil {
		return Ledger{}, 0, fault.New(fault.CodeSchemaInvalid, "gate.load", FileName, "%v", err)
	}
	return l, rev, nil
}

// Set records one gate's status with its evidence, guarded by the expected
// revision.
func Set(store *artifact.Store, id ID, status Status, inputsDigest string, checkedAt time.Time, expectedRev int64, reason string) (int64, error) {
	if !Known(id) {
		return 0, fault.New(fault.CodeSchemaInvalid, "gate.set", string(id), "unknown gate id")
	}
	ledger, rev, err := Load(store)
	if err != nil {
		return 0, err
	}
	if rev != expectedRev {
		return 0, fault.New(fault.CodeRevisionMismatch, "gate.set", FileName,
			"expected revision %d, found %d", expectedRev, rev)
	}
	at := checkedAt.UTC()
	ledger.Gates[id] = Entry{Status: status, CheckedAt: &at, InputsDigest: inputsDigest}
	doc, err := artifact.ToDoc(ledger)
	if err != nil {
		return 0, err
	}
	delete(doc, "revision")
	return store.Write(FileName, doc, expectedRev, reason)
}

// Create persists the initial ledger at revision 1.
func Create(store *artifact.Store) error {
	doc, err := artifact.ToDoc(New())
	if err != nil {
		return err
	}
	delete(doc, "revision")
	_, err = store.Write(FileName, doc, 0, "run created")
	return err
}
