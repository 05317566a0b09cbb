// Package config handles inquest's runtime configuration and run root layout.
//
// Configuration is resolved once at process start and threaded explicitly into
// every component. Nothing reads environment state after construction; the
// limits that shape a run are frozen into its manifest at init time, so
// resuming a run later cannot silently change behavior even if the config file
// was edited in between.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the optional per-root configuration file.
	ConfigFileName = "inquest.yaml"

	// DefaultLeaseSeconds bounds how long a tick may hold the run lock
	// before another process may reclaim it.
	DefaultLeaseSeconds = 60

	// DefaultAuditRotateBytes rotates logs/audit.jsonl past this size.
	DefaultAuditRotateBytes = 1 << 20
)

// Limits captures the per-run policy caps. They are frozen into the manifest
// when a run is created.
type Limits struct {
	MaxConcurrentAgents int `yaml:"max_concurrent_agents" json:"max_concurrent_agents"`
	MaxRetryAttempts    int `yaml:"max_retry_attempts" json:"max_retry_attempts"`
	MaxReviewIterations int `yaml:"max_review_iterations" json:"max_review_iterations"`
	MaxPerspectives     int `yaml:"max_perspectives" json:"max_perspectives"`

	// StageBudgets maps stage id to a timeout budget in seconds. Zero or a
	// missing entry disables the watchdog for that stage.
	StageBudgets map[string]int `yaml:"stage_budgets" json:"stage_budgets"`
}

// Validate ensures the limits are usable before they get frozen.
func (l Limits) Validate() error {
	if l.MaxConcurrentAgents < 1 {
		return fmt.Errorf("config: max_concurrent_agents must be >= 1, got %d", l.MaxConcurrentAgents)
	}
	if l.MaxRetryAttempts < 1 {
		return fmt.Errorf("config: max_retry_attempts must be >= 1, got %d", l.MaxRetryAttempts)
	}
	if l.MaxReviewIterations < 1 {
		return fmt.Errorf("config: max_review_iterations must be >= 1, got %d", l.MaxReviewIterations)
	}
	if l.MaxPerspectives < 1 {
		return fmt.Errorf("config: max_perspectives must be >= 1, got %d", l.MaxPerspectives)
	}
	for stage, seconds := range l.StageBudgets {
		if seconds < 0 {
			return fmt.Errorf("config: stage budget for %s must be >= 0, got %d", stage, seconds)
		}
	}
	return nil
}

// StageBudget returns the watchdog budget for a stage, zero meaning none.
func (l Limits) StageBudget(stage string) time.Duration {
	return time.Duration(l.StageBudgets[stage]) * time.Second
}

// Config holds the process-wide runtime configuration.
type Config struct {
	// Lease bounds run-lock ownership per tick.
	LeaseSeconds int `yaml:"lease_seconds"`

	// AuditRotateBytes triggers audit log rotation.
	AuditRotateBytes int64 `yaml:"audit_rotate_bytes"`

	// DriverCommand names the external command the live driver invokes for
	// each unit of work. Empty means no live driver is available and fan-out
	// work must happen out of band.
	DriverCommand string `yaml:"driver_command"`

	Limits Limits `yaml:"limits"`
}

// Default returns the configuration used when no file overrides exist.
func Default() Config {
	return Config{
		LeaseSeconds:     DefaultLeaseSeconds,
		AuditRotateBytes: DefaultAuditRotateBytes,
		Limits: Limits{
			MaxConcurrentAgents: 3,
			MaxRetryAttempts:    3,
			MaxReviewIterations: 2,
			MaxPerspectives:     5,
			StageBudgets: map[string]int{
				"scoping":   1800,
				"planning":  1800,
				"research":  7200,
				"synthesis": 3600,
				"review":    3600,
			},
		},
	}
}

// Load overlays inquest.yaml from dir (if present) onto the defaults.
func Load(dir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = DefaultLeaseSeconds
	}
	if cfg.AuditRotateBytes <= 0 {
		cfg.AuditRotateBytes = DefaultAuditRotateBytes
	}
	if err := cfg.Limits.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Lease returns the lock lease duration.
func (c Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// RunRoot resolves a run's storage root under the runs directory.
func RunRoot(runsDir, runID string) (string, error) {
	id := strings.TrimSpace(runID)
	if id == "" {
		return "", fmt.Errorf("config: run id is required")
	}
	if strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("config: run id %q must not contain path separators", id)
	}
	return filepath.Join(runsDir, id), nil
}
