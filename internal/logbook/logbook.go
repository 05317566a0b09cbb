// Package logbook persists a run's audit trail and failure checkpoints.
//
// The audit trail is an append-only JSONL file under logs/. Appends are
// best-effort: a failure to audit never fails the durable write it describes.
// Checkpoints are human-readable markdown documents with YAML frontmatter so
// a killed process always leaves a diagnosable trail on disk.
package logbook

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	logsDirName   = "logs"
	auditFileName = "audit.jsonl"
)

// Logbook writes audit records and checkpoints for one run root.
type Logbook struct {
	dir         string
	rotateBytes int64
	now         func() time.Time
	mu          sync.Mutex
}

// Option customizes a Logbook during construction.
type Option func(*Logbook)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Logbook) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithRotateBytes overrides the audit rotation threshold. Values <= 0 disable
// rotation.
func WithRotateBytes(n int64) Option {
	return func(l *Logbook) {
		l.rotateBytes = n
	}
}

// New creates a logbook rooted at <root>/logs.
func New(root string, opts ...Option) (*Logbook, error) {
	dir := filepath.Join(root, logsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure log dir: %w", err)
	}
	lb := &Logbook{
		dir:         dir,
		rotateBytes: 1 << 20,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(lb)
	}
	return lb, nil
}

// AuditPath returns the active audit file.
func (l *Logbook) AuditPath() string {
	if l == nil {
		return ""
	}
	return filepath.Join(l.dir, auditFileName)
}

// Append writes one audit record. It never returns an error; audit is
// best-effort by contract.
func (l *Logbook) Append(event string, fields map[string]any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record := map[string]any{
		"at":    l.now().UTC().Format(time.RFC3339),
		"event": strings.TrimSpace(event),
	}
	for k, v := range fields {
		if k == "at" || k == "event" {
			continue
		}
		record[k] = v
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	l.rotateLocked()
	file, err := os.OpenFile(l.AuditPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.Write(append(line, '\n'))
}

// rotateLocked renames the active audit file once it crosses the threshold.
// Rotated files are numbered audit-1.jsonl, audit-2.jsonl, ...
func (l *Logbook) rotateLocked() {
	if l.rotateBytes <= 0 {
		return
	}
	info, err := os.Stat(l.AuditPath())
	if err != nil || info.Size() < l.rotateBytes {
		return
	}
	next := 1
	entries, err := os.ReadDir(l.dir)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasPrefix(name, "audit-") || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			var n int
			if _, err := fmt.Sscanf(name, "audit-%d.jsonl", &n); err == nil && n >= next {
				next = n + 1
			}
		}
	}
	_ = os.Rename(l.AuditPath(), filepath.Join(l.dir, fmt.Sprintf("audit-%d.jsonl", next)))
}

// Tail returns up to maxLines of the most recent audit records.
func (l *Logbook) Tail(maxLines int) []string {
	if l == nil || maxLines <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.AuditPath())
	if err != nil {
		return nil
	}
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines
}

// Checkpoint is the frontmatter block of a checkpoint document.
type Checkpoint struct {
	RunID   string `yaml:"run_id"`
	Stage   string `yaml:"stage"`
	Reason  string `yaml:"reason"`
	Elapsed string `yaml:"elapsed,omitempty"`
	At      string `yaml:"at"`
}

// WriteCheckpoint persists a checkpoint markdown file and returns its path.
// Files are named checkpoint-<label>-<timestamp>.md so repeated failures never
// overwrite earlier evidence.
func (l *Logbook) WriteCheckpoint(label string, cp Checkpoint, body string) (string, error) {
	if l == nil {
		return "", fmt.Errorf("logbook: nil logbook")
	}
	now := l.now().UTC()
	if cp.At == "" {
		cp.At = now.Format(time.RFC3339)
	}
	meta, err := yaml.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("logbook: encode checkpoint frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(meta, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(strings.TrimSpace(body))
	buf.WriteString("\n")
	name := fmt.Sprintf("checkpoint-%s-%s.md", sanitizeLabel(label), now.Format("20060102T150405Z"))
	path := filepath.Join(l.dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("logbook: write checkpoint: %w", err)
	}
	return path, nil
}

// Checkpoints lists checkpoint files, sorted by name.
func (l *Logbook) Checkpoints() []string {
	if l == nil {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, ".md") {
			paths = append(paths, filepath.Join(l.dir, name))
		}
	}
	sort.Strings(paths)
	return paths
}

func sanitizeLabel(label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" {
		return "event"
	}
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
