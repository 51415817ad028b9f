package flock

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// waitPollInterval is the fixed probe cadence used by WaitForUnlock.
const waitPollInterval = 100 * time.Millisecond

// IsLocked reports whether a live lock exists for resource. Observing an
// expired record reclaims it as a side effect and reports false.
func (m *Manager) IsLocked(resource string) (bool, error) {
	path := m.lockPath(resource)
	rec, err := m.readRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		// Unreadable record: reclaim, same as Acquire would.
		m.logger.Warn("lock.record_unreadable", "resource", resource, "error", err)
		m.removeRecord(path)
		return false, nil
	}
	if rec.Expired(m.clock.Now()) {
		m.removeRecord(path)
		m.logger.Info("lock.reclaimed_stale",
			"resource", resource,
			"holder_pid", rec.OwnerPID,
			"expired_at", rec.ExpiresAt,
		)
		return false, nil
	}
	return true, nil
}

// WaitForUnlock polls until the resource is unlocked or timeout elapses.
func (m *Manager) WaitForUnlock(ctx context.Context, resource string, timeout time.Duration) error {
	deadline := m.clock.Now().Add(timeout)
	for {
		locked, err := m.IsLocked(resource)
		if err != nil {
			return err
		}
		if !locked {
			return nil
		}
		if !m.clock.Now().Before(deadline) {
			return &TimeoutError{Resource: resource, Op: "wait"}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(waitPollInterval):
		}
	}
}

// WithLock runs fn while holding the resource lock. The lock is released on
// every exit path, including when fn returns an error or panics.
func (m *Manager) WithLock(ctx context.Context, resource string, opts Options, fn func(ctx context.Context) error) error {
	release, err := m.Acquire(ctx, resource, opts)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// CleanupExpired sweeps the lock directory and removes every record whose
// TTL has elapsed. Acquire and IsLocked already self-heal on stale records;
// this sweep is a safety net meant to be driven by the embedding
// application's scheduler (the daemon runs it once per minute). Returns the
// number of records reclaimed.
func (m *Manager) CleanupExpired() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, err
	}

	now := m.clock.Now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		rec, err := m.readRecord(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			m.logger.Warn("lock.record_unreadable", "path", path, "error", err)
			m.removeRecord(path)
			removed++
			continue
		}
		if rec.Expired(now) {
			m.removeRecord(path)
			m.logger.Info("lock.reclaimed_stale",
				"resource", rec.ResourceKey,
				"holder_pid", rec.OwnerPID,
				"expired_at", rec.ExpiresAt,
			)
			removed++
		}
	}
	return removed, nil
}
