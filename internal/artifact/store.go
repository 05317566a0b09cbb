// Package artifact implements the durable document store every run ledger
// goes through.
//
// Documents are JSON objects carrying an integer `revision` field. Writes are
// optimistic: the caller supplies the revision it read, and a stale revision
// fails with REVISION_MISMATCH instead of silently overwriting. The full new
// document is constructed and validated before an atomic rename swaps it into
// place, so a crash mid-write never leaves a partial document on disk.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leppikallio/inquest/internal/fault"
)

// ErrNotFound is returned when no document exists at the requested path.
var ErrNotFound = errors.New("artifact: document not found")

// Doc is a decoded JSON document.
type Doc map[string]any

// Schema validates a document kind and guards its mutation rules.
type Schema interface {
	// Validate checks the shape of a fully constructed document.
	Validate(doc Doc) error
	// CheckMutation enforces immutable-field and append-only rules between
	// the previous and the proposed document. old is nil on first write.
	CheckMutation(old, next Doc) error
}

// Auditor receives best-effort audit records for durable writes.
type Auditor interface {
	Append(event string, fields map[string]any)
}

// Store manages optimistic-revision documents under one run root.
type Store struct {
	root    string
	schemas map[string]Schema
	audit   Auditor
	now     func() time.Time
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used in audit records.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithAuditor attaches a best-effort audit sink.
func WithAuditor(a Auditor) Option {
	return func(s *Store) {
		s.audit = a
	}
}

// NewStore builds a store rooted at the run directory.
func NewStore(root string, opts ...Option) *Store {
	store := &Store{
		root:    root,
		schemas: make(map[string]Schema),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Root returns the run root the store serves.
func (s *Store) Root() string {
	return s.root
}

// Register installs the schema for a document path relative to the root.
func (s *Store) Register(rel string, schema Schema) {
	s.schemas[filepath.ToSlash(rel)] = schema
}

// Path resolves a document path under the root.
func (s *Store) Path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Read loads a document and its revision.
func (s *Store) Read(rel string) (Doc, int64, error) {
	data, err := os.ReadFile(s.Path(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, 0, fmt.Errorf("artifact: read %s: %w", rel, err)
	}
	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, fault.New(fault.CodeSchemaInvalid, "artifact.read", rel, "not a JSON object: %v", err)
	}
	rev, err := revisionOf(doc)
	if err != nil {
		return nil, 0, fault.New(fault.CodeSchemaInvalid, "artifact.read", rel, "%v", err)
	}
	return doc, rev, nil
}

// Write applies a shallow patch on top of the current document and persists
// the result, guarded by the expected revision. Use expectedRev 0 to create a
// document that does not exist yet. A nil patch value deletes the key.
func (s *Store) Write(rel string, patch Doc, expectedRev int64, reason string) (int64, error) {
	current, currentRev, err := s.Read(rel)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if currentRev != expectedRev {
		return 0, fault.New(fault.CodeRevisionMismatch, "artifact.write", rel,
			"expected revision %d, found %d", expectedRev, currentRev)
	}

	next := cloneDoc(current)
	if next == nil {
		next = Doc{}
	}
	for key, value := range patch {
		if value == nil {
			delete(next, key)
			continue
		}
		next[key] = value
	}
	next["revision"] = currentRev + 1

	// Round-trip through JSON so validation sees exactly what lands on disk.
	encoded, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return 0, fault.New(fault.CodeSchemaInvalid, "artifact.write", rel, "encode: %v", err)
	}
	var persisted Doc
	if err := json.Unmarshal(encoded, &persisted); err != nil {
		return 0, fault.New(fault.CodeSchemaInvalid, "artifact.write", rel, "round-trip: %v", err)
	}

	if schema, ok := s.schemas[filepath.ToSlash(rel)]; ok {
		if err := schema.Validate(persisted); err != nil {
			return 0, err
		}
		if err := schema.CheckMutation(current, persisted); err != nil {
			return 0, err
		}
	}

	if err := s.swapIn(rel, append(encoded, '\n')); err != nil {
		return 0, err
	}

	if s.audit != nil {
		s.audit.Append("artifact.write", map[string]any{
			"path":     filepath.ToSlash(rel),
			"revision": currentRev + 1,
			"reason":   strings.TrimSpace(reason),
		})
	}
	return currentRev + 1, nil
}

// swapIn writes the encoded document to a temp file, syncs it, and renames it
// into place.
func (s *Store) swapIn(rel string, encoded []byte) error {
	path := s.Path(rel)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: ensure dir for %s: %w", rel, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("artifact: temp file for %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: write %s: %w", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: sync %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: close %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("artifact: swap %s: %w", rel, err)
	}
	return nil
}

// ToDoc converts a JSON-taggable value into a Doc.
func ToDoc(v any) (Doc, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode doc: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("artifact: decode doc: %w", err)
	}
	return doc, nil
}

// FromDoc decodes a Doc into a typed value.
func FromDoc(doc Doc, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("artifact: encode doc: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("artifact: decode doc: %w", err)
	}
	return nil
}

func cloneDoc(doc Doc) Doc {
	if doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	var clone Doc
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil
	}
	return clone
}

func revisionOf(doc Doc) (int64, error) {
	raw, ok := doc["revision"]
	if !ok {
		return 0, errors.New("missing revision field")
	}
	switch value := raw.(type) {
	case float64:
		if value != float64(int64(value)) || value < 1 {
			return 0, fmt.Errorf("revision must be a positive integer, got %v", value)
		}
		return int64(value), nil
	case json.Number:
		n, err := value.Int64()
		if err != nil || n < 1 {
			return 0, fmt.Errorf("revision must be a positive integer, got %v", value)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("revision must be a number, got %T", raw)
	}
}
