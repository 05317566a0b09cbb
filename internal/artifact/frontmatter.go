package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// Metadata describes one produced content artifact. For wave outputs the
// prompt digest distinguishes attempts; the attempt number is 1-based.
type Metadata struct {
	RunID         string
	Stage         string
	PerspectiveID string
	PromptDigest  string
	AttemptNumber int
	ProducedAt    time.Time
	Notes         map[string]string
}

// ParseFrontMatter extracts the metadata block and body from a document that
// starts with `---` YAML fences.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	if len(content) == 0 {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	var envelope inquestEnvelope
	if err := yaml.Unmarshal(parts[0], &envelope); err != nil {
		return Metadata{}, nil, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	meta, err := envelope.toMetadata()
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, parts[1], nil
}

// ReadFrontMatterFile reads and parses a frontmatter artifact from disk.
func ReadFrontMatterFile(path string) (Metadata, []byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, nil, err
	}
	return ParseFrontMatter(content)
}

// WriteFrontMatter renders metadata + body with YAML fences.
func WriteFrontMatter(meta Metadata, body []byte) ([]byte, error) {
	if meta.RunID == "" || meta.Stage == "" {
		return nil, fmt.Errorf("artifact: metadata missing run id or stage")
	}
	envelope := inquestEnvelope{}
	envelope.fromMetadata(meta)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

type inquestEnvelope struct {
	Inquest inquestMetadata `yaml:"inquest"`
}

type inquestMetadata struct {
	Run          string            `yaml:"run"`
	Stage        string            `yaml:"stage"`
	Perspective  string            `yaml:"perspective,omitempty"`
	PromptDigest string            `yaml:"prompt_digest,omitempty"`
	Attempt      int               `yaml:"attempt,omitempty"`
	Produced     string            `yaml:"produced"`
	Notes        map[string]string `yaml:"notes,omitempty"`
}

func (e inquestEnvelope) toMetadata() (Metadata, error) {
	if e.Inquest.Run == "" || e.Inquest.Stage == "" {
		return Metadata{}, ErrMalformedFrontMatter
	}
	produced, err := parseTime(e.Inquest.Produced)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: parse produced timestamp: %w", err)
	}
	return Metadata{
		RunID:         e.Inquest.Run,
		Stage:         e.Inquest.Stage,
		PerspectiveID: e.Inquest.Perspective,
		PromptDigest:  e.Inquest.PromptDigest,
		AttemptNumber: e.Inquest.Attempt,
		ProducedAt:    produced,
		Notes:         cloneNotes(e.Inquest.Notes),
	}, nil
}

func (e *inquestEnvelope) fromMetadata(meta Metadata) {
	e.Inquest.Run = meta.RunID
	e.Inquest.Stage = meta.Stage
	e.Inquest.Perspective = meta.PerspectiveID
	e.Inquest.PromptDigest = meta.PromptDigest
	e.Inquest.Attempt = meta.AttemptNumber
	e.Inquest.Produced = meta.ProducedAt.UTC().Format(timeLayout)
	e.Inquest.Notes = cloneNotes(meta.Notes)
}

func cloneNotes(notes map[string]string) map[string]string {
	if len(notes) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(notes))
	for k, v := range notes {
		cloned[k] = v
	}
	return cloned
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("artifact: empty produced timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
