// Package flock provides cross-process mutual exclusion backed by atomic
// lock files on local disk.
//
// Each lock is a single JSON file created with O_CREATE|O_EXCL inside the
// manager's lock directory. A record carries the owner PID and an expiry
// timestamp; any process that observes a record past its expiry may remove
// it without coordination. This makes a crashed holder recoverable without
// a database or coordination service.
//
// Fairness is "whoever creates the file first wins". Contending acquirers
// poll with a fixed delay, so starvation is possible under sustained
// contention; the expected callers are a handful of sync runs, not a hot
// path.
package flock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/steveyegge/taskmirror/internal/clock"
)

// Record is the on-disk shape of a held lock.
type Record struct {
	OwnerPID    int       `json:"ownerPid"`
	ResourceKey string    `json:"resourceKey"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the record's TTL has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Options controls a single acquisition attempt.
type Options struct {
	// TTL bounds how long the lock may be held before any observer can
	// reclaim it. The manager also auto-releases at TTL so a caller that
	// never releases cannot deadlock other processes.
	TTL time.Duration

	// MaxRetries is how many times Acquire backs off and retries after
	// finding a live (non-expired) holder. Reclaiming a stale record does
	// not consume a retry.
	MaxRetries int

	// RetryDelay is the fixed delay between contended attempts.
	RetryDelay time.Duration
}

// DefaultOptions are suitable for short critical sections.
func DefaultOptions() Options {
	return Options{
		TTL:        30 * time.Second,
		MaxRetries: 10,
		RetryDelay: 500 * time.Millisecond,
	}
}

// TimeoutError indicates the retry budget was exhausted while a live holder
// kept the lock, or a wait deadline elapsed.
type TimeoutError struct {
	Resource string
	Op       string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out waiting for lock on %q", e.Op, e.Resource)
}

// ReleaseFunc releases a held lock. It is idempotent: releasing twice, or
// releasing after the TTL already reclaimed the record, is a no-op.
type ReleaseFunc func() error

// Manager coordinates locks within one lock directory. Construct one per
// application (or per test with an isolated temp directory); there is no
// process-wide singleton.
type Manager struct {
	dir    string
	clock  clock.Clock
	logger pslog.Logger
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock injects a clock, used by tests to control expiry.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the structured logger for lock lifecycle events.
func WithLogger(l pslog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates the lock directory if needed and returns a manager
// rooted there.
func NewManager(dir string, opts ...ManagerOption) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	m := &Manager{
		dir:    dir,
		clock:  clock.Real{},
		logger: pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the lock directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Acquire takes the lock for resource or fails with a TimeoutError once the
// retry budget is exhausted. A stale record found along the way is removed
// and retried immediately without consuming a retry.
func (m *Manager) Acquire(ctx context.Context, resource string, opts Options) (ReleaseFunc, error) {
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("lock TTL must be positive")
	}
	path := m.lockPath(resource)

	retries := 0
	for {
		rec, created, err := m.tryCreate(path, resource, opts.TTL)
		if err != nil {
			return nil, err
		}
		if created {
			m.logger.Debug("lock.acquired",
				"resource", resource,
				"owner_pid", rec.OwnerPID,
				"expires_at", rec.ExpiresAt,
			)
			return m.newRelease(path, resource, rec, opts.TTL), nil
		}

		holder, err := m.readRecord(path)
		if err != nil {
			if os.IsNotExist(err) {
				// Holder released between our create attempt and read.
				continue
			}
			// Unreadable records are treated as stale: a half-written file
			// can only come from a crashed writer.
			m.logger.Warn("lock.record_unreadable", "resource", resource, "error", err)
			m.removeRecord(path)
			continue
		}
		if holder.Expired(m.clock.Now()) {
			m.removeRecord(path)
			m.logger.Info("lock.reclaimed_stale",
				"resource", resource,
				"holder_pid", holder.OwnerPID,
				"expired_at", holder.ExpiresAt,
			)
			continue
		}

		retries++
		if retries > opts.MaxRetries {
			m.logger.Warn("lock.acquire_timeout",
				"resource", resource,
				"holder_pid", holder.OwnerPID,
				"retries", opts.MaxRetries,
			)
			return nil, &TimeoutError{Resource: resource, Op: "acquire"}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(opts.RetryDelay):
		}
	}
}

// tryCreate attempts the exclusive create. created=false with nil error
// means the file already exists.
func (m *Manager) tryCreate(path, resource string, ttl time.Duration) (*Record, bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}

	now := m.clock.Now()
	rec := &Record{
		OwnerPID:    os.Getpid(),
		ResourceKey: resource,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	data, err := json.Marshal(rec)
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, false, fmt.Errorf("failed to write lock record %s: %w", path, err)
	}
	return rec, true, nil
}

// newRelease builds the release closure and arms the TTL auto-release timer
// so a holder that never releases cannot wedge other processes.
func (m *Manager) newRelease(path, resource string, rec *Record, ttl time.Duration) ReleaseFunc {
	var once sync.Once
	var timer *time.Timer
	release := func(expired bool) error {
		var err error
		once.Do(func() {
			if timer != nil {
				timer.Stop()
			}
			removed, rerr := m.removeIfOwned(path, rec)
			if rerr != nil {
				err = rerr
				return
			}
			if removed {
				if expired {
					m.logger.Warn("lock.expired", "resource", resource, "owner_pid", rec.OwnerPID)
				} else {
					m.logger.Debug("lock.released", "resource", resource, "owner_pid", rec.OwnerPID)
				}
			}
		})
		return err
	}
	timer = time.AfterFunc(ttl, func() {
		_ = release(true)
	})
	return func() error { return release(false) }
}

// removeIfOwned deletes the lock file only while it still holds our record,
// so a release that races a stale-reclaim never deletes another holder's
// lock.
func (m *Manager) removeIfOwned(path string, rec *Record) (bool, error) {
	current, err := m.readRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if current.OwnerPID != rec.OwnerPID || !current.AcquiredAt.Equal(rec.AcquiredAt) {
		return false, nil
	}
	m.removeRecord(path)
	return true, nil
}

func (m *Manager) readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse lock record %s: %w", path, err)
	}
	return &rec, nil
}

func (m *Manager) removeRecord(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("lock.remove_failed", "path", path, "error", err)
	}
}

// lockPath maps a resource key onto a filesystem-safe lock file name.
func (m *Manager) lockPath(resource string) string {
	return filepath.Join(m.dir, sanitizeKey(resource)+lockSuffix)
}

const lockSuffix = ".lock"

// sanitizeKey replaces every byte that is not safe in a file name. Distinct
// keys that sanitize identically share a lock, which is acceptable for the
// small, well-known key space used here.
func sanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
