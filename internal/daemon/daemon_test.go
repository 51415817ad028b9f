package daemon

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/taskmirror/internal/cache"
	"github.com/steveyegge/taskmirror/internal/clock"
	"github.com/steveyegge/taskmirror/internal/flock"
	"github.com/steveyegge/taskmirror/internal/mirror"
	"github.com/steveyegge/taskmirror/internal/reconcile"
	"github.com/steveyegge/taskmirror/internal/remote"
)

type fakeRemote struct {
	tasks map[string][]remote.Task
}

func (f *fakeRemote) ListTasks(ctx context.Context, projectID string) ([]remote.Task, error) {
	return f.tasks[projectID], nil
}

type fixture struct {
	daemon *Daemon
	store  *mirror.Store
	cache  *cache.DB
	locks  *flock.Manager
	remote *fakeRemote
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	store, err := mirror.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("cache.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	locks, err := flock.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("flock.NewManager() failed: %v", err)
	}
	fr := &fakeRemote{tasks: make(map[string][]remote.Task)}
	engine, err := reconcile.New(reconcile.Config{Remote: fr, Mirror: store, Locks: locks})
	if err != nil {
		t.Fatalf("reconcile.New() failed: %v", err)
	}

	d, err := New(store, db, engine, locks, nil, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &fixture{daemon: d, store: store, cache: db, locks: locks, remote: fr}
}

// start runs the daemon in the background and stops it on test cleanup.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.daemon.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("daemon exited with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop in time")
		}
	})
	// Give Start a moment to install watches before the test writes files.
	time.Sleep(50 * time.Millisecond)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func seedTask(t *testing.T, store *mirror.Store, projectID, id, name string) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := &mirror.Task{
		ID: id, ProjectID: projectID, Name: name, Status: "TODO",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.WriteTask(task); err != nil {
		t.Fatalf("WriteTask() failed: %v", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(nil, nil, nil, nil, nil, Config{}); err == nil {
		t.Error("expected error without store")
	}
}

func TestStart_RebuildsCacheFromMirror(t *testing.T) {
	f := newFixture(t, Config{SyncInterval: time.Hour, MaintenanceInterval: time.Hour})

	if err := f.store.BindProject(mirror.Project{ID: "p1", Name: "Inbox"}); err != nil {
		t.Fatalf("BindProject() failed: %v", err)
	}
	seedTask(t, f.store, "p1", "t1", "already mirrored")

	f.start(t)

	ok := waitFor(t, 2*time.Second, func() bool {
		_, err := f.cache.GetTaskByID(context.Background(), "t1")
		return err == nil
	})
	if !ok {
		t.Fatal("cache never picked up the mirrored task")
	}
}

func TestWatcher_ReplaysFileChangesIntoCache(t *testing.T) {
	f := newFixture(t, Config{
		SyncInterval:        time.Hour,
		DebounceInterval:    20 * time.Millisecond,
		MaintenanceInterval: time.Hour,
	})

	if err := f.store.BindProject(mirror.Project{ID: "p1", Name: "Inbox"}); err != nil {
		t.Fatalf("BindProject() failed: %v", err)
	}
	// The tasks directory must exist before the watch is installed.
	seedTask(t, f.store, "p1", "seed", "pre-existing")

	f.start(t)

	seedTask(t, f.store, "p1", "t2", "written after start")
	ok := waitFor(t, 2*time.Second, func() bool {
		_, err := f.cache.GetTaskByID(context.Background(), "t2")
		return err == nil
	})
	if !ok {
		t.Fatal("cache never picked up the new task file")
	}

	if err := f.store.DeleteTask("p1", "t2"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	ok = waitFor(t, 2*time.Second, func() bool {
		_, err := f.cache.GetTaskByID(context.Background(), "t2")
		return errors.Is(err, sql.ErrNoRows)
	})
	if !ok {
		t.Fatal("cache never dropped the deleted task")
	}
}

func TestSyncLoop_PullsRemoteTasksIntoMirror(t *testing.T) {
	f := newFixture(t, Config{
		SyncInterval:        50 * time.Millisecond,
		DebounceInterval:    20 * time.Millisecond,
		MaintenanceInterval: time.Hour,
	})

	if err := f.store.BindProject(mirror.Project{ID: "p1", Name: "Inbox"}); err != nil {
		t.Fatalf("BindProject() failed: %v", err)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.remote.tasks["p1"] = []remote.Task{{
		ID: "r1", ProjectID: "p1", Name: "from remote", Status: "TODO",
		CreatedAt: now, UpdatedAt: now,
	}}

	f.start(t)

	ok := waitFor(t, 3*time.Second, func() bool {
		_, err := f.store.ReadTask("p1", "r1")
		return err == nil
	})
	if !ok {
		t.Fatal("sync loop never mirrored the remote task")
	}
}

func TestRunMaintenance_SweepsExpiredLocks(t *testing.T) {
	f := newFixture(t, Config{SyncInterval: time.Hour, MaintenanceInterval: time.Hour})

	// A lock acquired under a manual clock and then aged past its TTL
	// looks abandoned to the sweeper.
	manual := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	staleLocks, err := flock.NewManager(f.locks.Dir(), flock.WithClock(manual))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	if _, err := staleLocks.Acquire(context.Background(), "sync:all", flock.Options{
		TTL: time.Second, MaxRetries: 0, RetryDelay: time.Millisecond,
	}); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	manual.Advance(time.Minute)
	f.daemon.locks = staleLocks

	f.daemon.runMaintenance()

	entries, err := os.ReadDir(staleLocks.Dir())
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".lock" {
			t.Errorf("expired lock %s survived maintenance", entry.Name())
		}
	}
}
