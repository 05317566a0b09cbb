package gate

import (
	"testing"
	"time"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/fault"
)

func newTestStore(t *testing.T) *artifact.Store {
	t.Helper()
	store := artifact.NewStore(t.TempDir())
	Register(store)
	if err := Create(store); err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	return store
}

func TestCreateStartsAllPending(t *testing.T) {
	store := newTestStore(t)
	ledger, rev, err := Load(store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rev != 1 {
		t.Fatalf("expected revision 1, got %d", rev)
	}
	for _, id := range All() {
		if ledger.StatusOf(id) != StatusPending {
			t.Fatalf("gate %s not pending: %s", id, ledger.StatusOf(id))
		}
	}
}

func TestSetRequiresEvidence(t *testing.T) {
	store := newTestStore(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rev, err := Set(store, PlanApproved, StatusPass, "digest-1", at, 1, "plan checked")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	ledger, _, err := Load(store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	entry := ledger.Gates[PlanApproved]
	if entry.Status != StatusPass || entry.InputsDigest != "digest-1" || entry.CheckedAt == nil {
		t.Fatalf("evidence missing: %+v", entry)
	}

	// Flipping status while recycling the same digest must fail.
	_, err = Set(store, PlanApproved, StatusFail, "digest-1", at, rev, "recycled evidence")
	if !fault.HasCode(err, fault.CodeSchemaInvalid) {
		t.Fatalf("expected SCHEMA_INVALID for recycled digest, got %v", err)
	}
	// Fresh evidence is accepted.
	if _, err := Set(store, PlanApproved, StatusFail, "digest-2", at.Add(time.Minute), rev, "fresh evidence"); err != nil {
		t.Fatalf("set with fresh digest: %v", err)
	}
}

func TestHardGateRejectsWarn(t *testing.T) {
	store := newTestStore(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := Set(store, ResearchComplete, StatusWarn, "digest-1", at, 1, "warn on hard gate")
	if !fault.HasCode(err, fault.CodeSchemaInvalid) {
		t.Fatalf("expected SCHEMA_INVALID, got %v", err)
	}
	// The soft gate accepts warn.
	if _, err := Set(store, CitationsVerified, StatusWarn, "digest-1", at, 1, "soft warn"); err != nil {
		t.Fatalf("soft gate warn: %v", err)
	}
}

func TestSetUnknownGate(t *testing.T) {
	store := newTestStore(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if _, err := Set(store, ID("made-up"), StatusPass, "d", at, 1, "bogus"); err == nil {
		t.Fatalf("expected unknown gate to fail")
	}
}

func TestSnapshotIsStable(t *testing.T) {
	store := newTestStore(t)
	ledger, _, err := Load(store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	views := ledger.Snapshot()
	if len(views) != len(All()) {
		t.Fatalf("expected %d views, got %d", len(All()), len(views))
	}
	for i, id := range All() {
		if views[i].ID != id {
			t.Fatalf("view %d: expected %s, got %s", i, id, views[i].ID)
		}
	}
	if !views[1].Hard || views[0].Hard {
		// citations-verified sorts first and is the only soft gate.
		t.Fatalf("hardness flags wrong: %+v", views)
	}
}
