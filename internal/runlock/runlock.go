// Package runlock provides cross-process mutual exclusion for one run root.
//
// The lock is a `.lock` JSON document holding the owner id and a bounded
// lease. A lease past its deadline is stale: any new acquirer may reclaim it,
// after which the original handle's next refresh fails. Long-running holders
// are expected to refresh at less than half the lease duration.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leppikallio/inquest/internal/fault"
)

// LockFileName is the lease document inside a run root.
const LockFileName = ".lock"

// Lease is the persisted lock document.
type Lease struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	LeaseUntil time.Time `json:"lease_until"`
	Reason     string    `json:"reason,omitempty"`
}

// Handle represents lock ownership. Refresh and Release may race between a
// keepalive goroutine and the owning tick, so both are serialized.
type Handle struct {
	path     string
	holderID string
	lease    time.Duration
	now      func() time.Time

	mu       sync.Mutex
	released bool
}

// Option customizes acquisition.
type Option func(*acquireConfig)

type acquireConfig struct {
	now      func() time.Time
	holderID string
}

// WithClock overrides the clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *acquireConfig) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithHolderID overrides the generated holder id (primarily for tests).
func WithHolderID(id string) Option {
	return func(c *acquireConfig) {
		if id != "" {
			c.holderID = id
		}
	}
}

// Acquire takes the run lock or fails with LOCK_HELD while a live lease
// exists. Stale leases are reclaimed in place.
func Acquire(root string, lease time.Duration, reason string, opts ...Option) (*Handle, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("runlock: lease must be positive, got %s", lease)
	}
	cfg := acquireConfig{now: time.Now, holderID: uuid.NewString()}
	for _, opt := range opts {
		opt(&cfg)
	}
	path := filepath.Join(root, LockFileName)
	now := cfg.now()
	doc := Lease{
		HolderID:   cfg.holderID,
		AcquiredAt: now.UTC(),
		LeaseUntil: now.Add(lease).UTC(),
		Reason:     reason,
	}

	if err := createExclusive(path, doc); err == nil {
		return newHandle(path, cfg, lease), nil
	} else if !errors.Is(err, fs.ErrExist) {
		return nil, err
	}

	current, err := readLease(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Holder released between our create attempt and the read.
			if err := createExclusive(path, doc); err != nil {
				return nil, fault.Wrap(fault.CodeLockHeld, "runlock.acquire", err)
			}
			return newHandle(path, cfg, lease), nil
		}
		return nil, err
	}
	if now.Before(current.LeaseUntil) {
		return nil, fault.New(fault.CodeLockHeld, "runlock.acquire", path,
			"held by %s until %s", current.HolderID, current.LeaseUntil.Format(time.RFC3339))
	}

	// Stale lease: reclaim by atomically replacing the document. Two
	// processes can race here and both rename, so read back and keep only
	// the holder whose document survived.
	if err := writeLease(path, doc); err != nil {
		return nil, err
	}
	if testHookAfterReclaim != nil {
		testHookAfterReclaim()
	}
	written, err := readLease(path)
	if err != nil {
		return nil, fault.Wrap(fault.CodeLockHeld, "runlock.acquire", err)
	}
	if written.HolderID != cfg.holderID {
		return nil, fault.New(fault.CodeLockHeld, "runlock.acquire", path,
			"stale lease reclaimed by %s", written.HolderID)
	}
	return newHandle(path, cfg, lease), nil
}

// testHookAfterReclaim runs between the reclaim write and its verification.
var testHookAfterReclaim func()

func newHandle(path string, cfg acquireConfig, lease time.Duration) *Handle {
	return &Handle{path: path, holderID: cfg.holderID, lease: lease, now: cfg.now}
}

// HolderID returns the owner id recorded in the lease.
func (h *Handle) HolderID() string {
	return h.holderID
}

// Refresh extends the lease. It fails once another holder owns the lock or
// the handle was released.
func (h *Handle) Refresh() error {
	if h == nil {
		return fmt.Errorf("runlock: refresh on released handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return fmt.Errorf("runlock: refresh on released handle")
	}
	current, err := readLease(h.path)
	if err != nil {
		return fault.Wrap(fault.CodeLockHeld, "runlock.refresh", err)
	}
	if current.HolderID != h.holderID {
		return fault.New(fault.CodeLockHeld, "runlock.refresh", h.path,
			"lease reclaimed by %s", current.HolderID)
	}
	now := h.now()
	current.LeaseUntil = now.Add(h.lease).UTC()
	return writeLease(h.path, current)
}

// Release drops the lock. Releasing twice, or after a reclaim, is a no-op.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	current, err := readLease(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if current.HolderID != h.holderID {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("runlock: release: %w", err)
	}
	return nil
}

// Keepalive refreshes the lease on a fixed cadence until the returned stop
// function runs. The cadence must stay under half the lease so a slow write
// never lets the lease lapse. A failed refresh means the lease was reclaimed:
// onLost runs once with the error and the loop exits.
func Keepalive(h *Handle, interval time.Duration, onLost func(error)) (stop func()) {
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := h.Refresh(); err != nil {
					if onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func createExclusive(path string, doc Lease) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runlock: ensure run root: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		file.Close()
		return fmt.Errorf("runlock: encode lease: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		file.Close()
		return fmt.Errorf("runlock: write lease: %w", err)
	}
	return file.Close()
}

func readLease(path string) (Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lease{}, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return Lease{}, fmt.Errorf("runlock: parse lease: %w", err)
	}
	return lease, nil
}

func writeLease(path string, doc Lease) error {
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("runlock: encode lease: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock.tmp-")
	if err != nil {
		return fmt.Errorf("runlock: temp lease: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("runlock: write lease: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("runlock: sync lease: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("runlock: swap lease: %w", err)
	}
	return nil
}
