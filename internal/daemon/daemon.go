// Package daemon runs the background sync loop.
//
// The daemon:
//  1. Rebuilds the query cache from the mirror on startup
//  2. Watches the mirror's task directories for changes and replays them
//     into the cache with debouncing
//  3. Periodically reconciles every bound project against the remote service
//  4. Periodically sweeps expired locks and stale rate-limit state
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/steveyegge/taskmirror/internal/cache"
	"github.com/steveyegge/taskmirror/internal/executor"
	"github.com/steveyegge/taskmirror/internal/flock"
	"github.com/steveyegge/taskmirror/internal/mirror"
	"github.com/steveyegge/taskmirror/internal/reconcile"
)

// Config holds daemon tuning knobs.
type Config struct {
	// SyncInterval is how often the daemon reconciles the mirror against
	// the remote service.
	SyncInterval time.Duration

	// DebounceInterval batches rapid file updates before replaying them
	// into the cache.
	DebounceInterval time.Duration

	// MaintenanceInterval drives the expired-lock sweep and rate-limit
	// state eviction.
	MaintenanceInterval time.Duration

	Logger pslog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:        5 * time.Minute,
		DebounceInterval:    100 * time.Millisecond,
		MaintenanceInterval: time.Minute,
	}
}

// Daemon orchestrates file watching, periodic reconciliation, and cache
// maintenance.
type Daemon struct {
	store  *mirror.Store
	cache  *cache.DB
	engine *reconcile.Engine
	locks  *flock.Manager
	exec   *executor.Executor
	config Config
	logger pslog.Logger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. All collaborators are required except the executor
// and lock manager, which only gate the maintenance sweep when present.
func New(store *mirror.Store, db *cache.DB, engine *reconcile.Engine, locks *flock.Manager, exec *executor.Executor, config Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("mirror store is required")
	}
	if db == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("reconcile engine is required")
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultConfig().SyncInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = DefaultConfig().MaintenanceInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       store,
		cache:       db,
		engine:      engine,
		locks:       locks,
		exec:        exec,
		config:      config,
		logger:      logger,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled, then shuts down cleanly.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("daemon.starting")

	if err := d.rebuildCache(); err != nil {
		return fmt.Errorf("initial cache rebuild failed: %w", err)
	}
	if err := d.refreshWatches(); err != nil {
		return err
	}

	d.wg.Add(4)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.syncLoop()
	go d.maintenanceLoop()

	select {
	case <-ctx.Done():
		d.logger.Info("daemon.shutdown_signal")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for its goroutines to exit.
func (d *Daemon) Stop() error {
	d.logger.Info("daemon.stopping")
	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.logger.Warn("daemon.watcher_close_failed", "error", err)
	}
	d.wg.Wait()

	d.logger.Info("daemon.stopped")
	return nil
}

// rebuildCache replaces the cached rows for every bound project with the
// mirror's current contents.
func (d *Daemon) rebuildCache() error {
	projects, err := d.store.BoundProjects()
	if err != nil {
		return fmt.Errorf("failed to list bound projects: %w", err)
	}
	for _, p := range projects {
		tasks, err := d.store.ListTasks(p.ID)
		if err != nil {
			return fmt.Errorf("failed to list tasks for project %s: %w", p.ID, err)
		}
		if err := d.cache.Rebuild(d.ctx, p.ID, tasks); err != nil {
			return fmt.Errorf("failed to rebuild cache for project %s: %w", p.ID, err)
		}
		d.logger.Debug("daemon.cache_rebuilt", "project", p.ID, "tasks", len(tasks))
	}
	return nil
}

// refreshWatches adds a watch for every bound project's task directory.
// Adding an already-watched directory is a no-op in fsnotify, so this is
// safe to call after every sync pass.
func (d *Daemon) refreshWatches() error {
	projects, err := d.store.BoundProjects()
	if err != nil {
		return fmt.Errorf("failed to list bound projects: %w", err)
	}
	for _, p := range projects {
		dir := d.store.TasksDir(p.ID)
		// A freshly bound project has no task directory until first sync.
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return nil
}

// watchFileEvents queues interesting filesystem events for debounced
// processing.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Task files only; the mirror's temp files start with ".tmp-".
			name := filepath.Base(event.Name)
			if filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".tmp-") {
				continue
			}
			d.logger.Debug("daemon.file_event", "op", event.Op.String(), "path", event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("daemon.watcher_error", "error", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue drains the debounced change queue on a fixed cadence.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges replays settled file changes into the cache.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		if err := d.syncTaskFile(path); err != nil {
			d.logger.Warn("daemon.sync_file_failed", "path", path, "error", err)
		}
		delete(d.changeQueue, path)
	}
}

// syncTaskFile replays one mirror file change into the cache. A missing
// file means the task was deleted.
func (d *Daemon) syncTaskFile(path string) error {
	task, err := mirror.ReadTaskFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			taskID := strings.TrimSuffix(filepath.Base(path), ".json")
			d.logger.Debug("daemon.cache_delete", "task", taskID)
			return d.cache.DeleteTaskContext(d.ctx, taskID)
		}
		return fmt.Errorf("failed to read task file: %w", err)
	}
	return d.cache.UpsertTaskContext(d.ctx, task)
}

// syncLoop reconciles all bound projects against the remote service on the
// configured interval.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runSync()
		}
	}
}

func (d *Daemon) runSync() {
	stats, err := d.engine.SyncAll(d.ctx)
	if err != nil {
		d.logger.Error("daemon.sync_failed", "error", err)
		return
	}
	d.logger.Info("daemon.sync_complete",
		"synced_projects", stats.SyncedProjects,
		"synced_tasks", stats.SyncedTasks,
		"failed_projects", len(stats.ProjectErrors),
	)
	// Newly bound projects gain their watch here.
	if err := d.refreshWatches(); err != nil {
		d.logger.Warn("daemon.refresh_watches_failed", "error", err)
	}
}

// maintenanceLoop sweeps expired lock files and evicts stale per-endpoint
// rate-limit state.
func (d *Daemon) maintenanceLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runMaintenance()
		}
	}
}

func (d *Daemon) runMaintenance() {
	if d.locks != nil {
		removed, err := d.locks.CleanupExpired()
		if err != nil {
			d.logger.Warn("daemon.lock_sweep_failed", "error", err)
		} else if removed > 0 {
			d.logger.Info("daemon.locks_reclaimed", "count", removed)
		}
	}
	if d.exec != nil {
		if evicted := d.exec.CleanupRateLimits(); evicted > 0 {
			d.logger.Debug("daemon.rate_state_evicted", "count", evicted)
		}
	}
}
