package logbook

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAppendWritesJSONL(t *testing.T) {
	root := t.TempDir()
	lb, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	lb.Append("stage.advance", map[string]any{"from": "scoping", "to": "planning"})
	lb.Append("stage.advance", map[string]any{"from": "planning", "to": "research"})

	data, err := os.ReadFile(lb.AuditPath())
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("line 1 is not JSON: %v", err)
	}
	if record["event"] != "stage.advance" || record["from"] != "scoping" {
		t.Fatalf("unexpected record: %v", record)
	}
	if _, ok := record["at"]; !ok {
		t.Fatalf("record missing timestamp: %v", record)
	}
}

func TestAppendRotatesPastLimit(t *testing.T) {
	root := t.TempDir()
	lb, err := New(root, WithRotateBytes(200))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 20; i++ {
		lb.Append("noise", map[string]any{"filler": strings.Repeat("x", 40)})
	}
	entries, err := filepath.Glob(filepath.Join(root, "logs", "audit-*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected at least one rotated audit file")
	}
}

func TestTailReturnsRecentLines(t *testing.T) {
	root := t.TempDir()
	lb, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 5; i++ {
		lb.Append("tick", map[string]any{"n": i})
	}
	lines := lb.Tail(2)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[1], `"n":4`) && !strings.Contains(lines[1], `"n": 4`) {
		t.Fatalf("tail did not end with the newest line: %q", lines[1])
	}
}

func TestWriteCheckpointRoundTrip(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lb, err := New(root, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cp := Checkpoint{RunID: "run-1", Stage: "research", Reason: "stage time budget exceeded", Elapsed: "2h1m"}
	path, err := lb.WriteCheckpoint("watchdog-research", cp, "diagnostic body")
	if err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "---\n") || !strings.Contains(content, "run_id: run-1") {
		t.Fatalf("missing frontmatter: %q", content)
	}
	if !strings.Contains(content, "diagnostic body") {
		t.Fatalf("missing body: %q", content)
	}
	found := lb.Checkpoints()
	if len(found) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(found))
	}
}
