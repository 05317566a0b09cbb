package stage

import (
	"errors"
	"fmt"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/fault"
)

// ReviewStatePath is the store-relative path of the review ledger.
const ReviewStatePath = "review/review.json"

// ReviewSchemaVersion tracks the review ledger shape.
const ReviewSchemaVersion = 1

// Verdict is the reviewer's call on the current synthesis.
type Verdict string

const (
	// VerdictPending means no review has concluded yet this iteration.
	VerdictPending Verdict = "pending"
	// VerdictApproved accepts the synthesis as final.
	VerdictApproved Verdict = "approved"
	// VerdictRevise sends the run back for another synthesis pass.
	VerdictRevise Verdict = "revise"
)

// ValidVerdict reports whether v is a known verdict.
func ValidVerdict(v Verdict) bool {
	switch v {
	case VerdictPending, VerdictApproved, VerdictRevise:
		return true
	}
	return false
}

// ReviewState tracks review iterations against the frozen iteration budget.
// Iterations only ever count up.
type ReviewState struct {
	SchemaVersion int     `json:"schema_version"`
	Revision      int64   `json:"revision,omitempty"`
	Iterations    int     `json:"iterations"`
	Verdict       Verdict `json:"verdict"`
	Notes         string  `json:"notes,omitempty"`
}

// NewReviewState returns the ledger for a run that has not been reviewed.
func NewReviewState() ReviewState {
	return ReviewState{SchemaVersion: ReviewSchemaVersion, Verdict: VerdictPending}
}

// ReviewSchema validates the review ledger.
type ReviewSchema struct{}

func (ReviewSchema) Validate(doc artifact.Doc) error {
	var rs ReviewState
	if err := artifact.FromDoc(doc, &rs); err != nil {
		return fault.New(fault.CodeSchemaInvalid, "review.validate", ReviewStatePath, "decode: %v", err)
	}
	if rs.SchemaVersion != ReviewSchemaVersion {
		return fault.New(fault.CodeSchemaInvalid, "review.validate", ReviewStatePath,
			"schema_version must be %d, got %d", ReviewSchemaVersion, rs.SchemaVersion)
	}
	if rs.Iterations < 0 {
		return fault.New(fault.CodeSchemaInvalid, "review.validate", ReviewStatePath,
			"iterations must not be negative, got %d", rs.Iterations)
	}
	if !ValidVerdict(rs.Verdict) {
		return fault.New(fault.CodeSchemaInvalid, "review.validate", ReviewStatePath,
			"unknown verdict %q", rs.Verdict)
	}
	if rs.Verdict != VerdictPending && rs.Iterations == 0 {
		return fault.New(fault.CodeSchemaInvalid, "review.validate", ReviewStatePath,
			"a concluded verdict requires at least one iteration")
	}
	return nil
}

func (ReviewSchema) CheckMutation(old, next artifact.Doc) error {
	var prev, cur ReviewState
	if err := artifact.FromDoc(old, &prev); err != nil {
		return fmt.Errorf("review: decode previous state: %w", err)
	}
	if err := artifact.FromDoc(next, &cur); err != nil {
		return fmt.Errorf("review: decode next state: %w", err)
	}
	if cur.Iterations < prev.Iterations {
		return fault.New(fault.CodeImmutableField, "review.mutate", ReviewStatePath,
			"iterations rewound from %d to %d", prev.Iterations, cur.Iterations)
	}
	return nil
}

// LoadReview reads the review ledger, returning a fresh one at revision zero
// when no review has happened yet.
func LoadReview(store *artifact.Store) (ReviewState, int64, error) {
	doc, rev, err := store.Read(ReviewStatePath)
	if errors.Is(err, artifact.ErrNotFound) {
		return NewReviewState(), 0, nil
	}
	if err != nil {
		return ReviewState{}, 0, err
	}
	var rs ReviewState
	if err := artifact.FromDoc(doc, &rs); err != nil {
		return ReviewState{}, 0, fmt.Errorf("review: decode ledger: %w", err)
	}
	return rs, rev, nil
}

// SaveReview persists the review ledger through the store's revision check.
func SaveReview(store *artifact.Store, rs ReviewState, expectedRev int64, reason string) (int64, error) {
	rs.SchemaVersion = ReviewSchemaVersion
	doc, err := artifact.ToDoc(rs)
	if err != nil {
		return 0, fmt.Errorf("review: encode ledger: %w", err)
	}
	delete(doc, "revision")
	return store.Write(ReviewStatePath, doc, expectedRev, reason)
}
