// Package reconcile compares the remote task service against the local
// mirror and either reports the differences (check) or rewrites the mirror
// to match the remote (sync). The remote service is the source of truth:
// sync overwrites local copies and deletes local-only tasks, and never
// pushes anything to the remote service.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/steveyegge/taskmirror/internal/flock"
	"github.com/steveyegge/taskmirror/internal/mirror"
	"github.com/steveyegge/taskmirror/internal/remote"
)

// Lock keys serializing sync runs across processes.
const (
	lockKeyAll        = "sync:all"
	lockKeyProjectFmt = "sync:project:%s"
)

// ConflictKind classifies one discrepancy between remote and mirror.
type ConflictKind string

const (
	// MissingLocal marks a remote task absent from the mirror.
	MissingLocal ConflictKind = "missing_local"
	// MissingRemote marks a mirrored task with no remote counterpart.
	MissingRemote ConflictKind = "missing_remote"
	// Modified marks a task present on both sides with differing fields.
	Modified ConflictKind = "modified"
)

// Conflict is one detected discrepancy. Conflicts are produced fresh on
// every run and never persisted.
type Conflict struct {
	TaskID   string       `json:"task_id"`
	TaskName string       `json:"task_name"`
	Kind     ConflictKind `json:"kind"`
	Details  string       `json:"details,omitempty"`
}

// SyncStats summarizes a sync run. ProjectErrors carries the per-project
// failures of a best-effort multi-project run; progress made on other
// projects is retained.
type SyncStats struct {
	SyncedProjects int
	SyncedTasks    int
	ProjectErrors  map[string]error
}

// RemoteService is the read surface the engine needs from the remote
// client. The engine never writes to the remote service.
type RemoteService interface {
	ListTasks(ctx context.Context, projectID string) ([]remote.Task, error)
}

// MirrorStore is the mirror surface the engine reads and corrects.
type MirrorStore interface {
	BoundProjects() ([]mirror.Project, error)
	ListTasks(projectID string) ([]*mirror.Task, error)
	WriteTask(task *mirror.Task) error
	DeleteTask(projectID, taskID string) error
}

// Config configures an Engine.
type Config struct {
	Remote RemoteService
	Mirror MirrorStore
	Locks  *flock.Manager
	Logger pslog.Logger
	// LockTTL bounds a stuck run's blast radius. It should comfortably
	// exceed the expected run duration; defaults to 5 minutes.
	LockTTL time.Duration
}

// Engine diffs and repairs the mirror against the remote service.
type Engine struct {
	remote  RemoteService
	mirror  MirrorStore
	locks   *flock.Manager
	logger  pslog.Logger
	lockTTL time.Duration
}

// New returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Remote == nil || cfg.Mirror == nil || cfg.Locks == nil {
		return nil, fmt.Errorf("remote, mirror, and locks are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Engine{
		remote:  cfg.Remote,
		mirror:  cfg.Mirror,
		locks:   cfg.Locks,
		logger:  logger,
		lockTTL: lockTTL,
	}, nil
}

func (e *Engine) lockOptions() flock.Options {
	return flock.Options{
		TTL:        e.lockTTL,
		MaxRetries: 10,
		RetryDelay: time.Second,
	}
}

// CheckProject classifies the discrepancies for one project without
// mutating anything. Conflicts are sorted by task ID for stable output.
func (e *Engine) CheckProject(ctx context.Context, projectID string) ([]Conflict, error) {
	remoteTasks, err := e.remote.ListTasks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote tasks for project %s: %w", projectID, err)
	}
	localTasks, err := e.mirror.ListTasks(projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrored tasks for project %s: %w", projectID, err)
	}
	return diff(remoteTasks, localTasks), nil
}

// CheckAll runs CheckProject for every bound project and returns the
// conflicts keyed by project ID.
func (e *Engine) CheckAll(ctx context.Context) (map[string][]Conflict, error) {
	projects, err := e.mirror.BoundProjects()
	if err != nil {
		return nil, err
	}
	result := make(map[string][]Conflict, len(projects))
	for _, p := range projects {
		conflicts, err := e.CheckProject(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		result[p.ID] = conflicts
	}
	return result, nil
}

// SyncProject brings one project's mirror into agreement with the remote
// service, under a per-project lock.
func (e *Engine) SyncProject(ctx context.Context, projectID string) (SyncStats, error) {
	var stats SyncStats
	key := fmt.Sprintf(lockKeyProjectFmt, projectID)
	err := e.locks.WithLock(ctx, key, e.lockOptions(), func(ctx context.Context) error {
		synced, err := e.syncOne(ctx, projectID)
		if err != nil {
			return err
		}
		stats.SyncedProjects = 1
		stats.SyncedTasks = synced
		return nil
	})
	return stats, err
}

// SyncAll syncs every bound project under the global sync lock. The run is
// best effort: one project's failure is recorded in ProjectErrors and the
// run continues, retaining progress on the projects already synced.
func (e *Engine) SyncAll(ctx context.Context) (SyncStats, error) {
	stats := SyncStats{ProjectErrors: make(map[string]error)}
	runID := xid.New().String()

	err := e.locks.WithLock(ctx, lockKeyAll, e.lockOptions(), func(ctx context.Context) error {
		projects, err := e.mirror.BoundProjects()
		if err != nil {
			return err
		}
		e.logger.Info("reconcile.sync_all.begin", "run_id", runID, "projects", len(projects))

		for _, p := range projects {
			synced, err := e.syncOne(ctx, p.ID)
			if err != nil {
				e.logger.Error("reconcile.project_failed",
					"run_id", runID,
					"project", p.ID,
					"error", err,
				)
				stats.ProjectErrors[p.ID] = err
				continue
			}
			stats.SyncedProjects++
			stats.SyncedTasks += synced
		}

		e.logger.Info("reconcile.sync_all.done",
			"run_id", runID,
			"synced_projects", stats.SyncedProjects,
			"synced_tasks", stats.SyncedTasks,
			"failed_projects", len(stats.ProjectErrors),
		)
		return nil
	})
	return stats, err
}

// syncOne overwrites one project's mirror with the remote task set and
// deletes local-only tasks. Returns the number of remote tasks written.
func (e *Engine) syncOne(ctx context.Context, projectID string) (int, error) {
	remoteTasks, err := e.remote.ListTasks(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch remote tasks: %w", err)
	}
	localTasks, err := e.mirror.ListTasks(projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to list mirrored tasks: %w", err)
	}

	remoteByID := make(map[string]remote.Task, len(remoteTasks))
	for _, rt := range remoteTasks {
		remoteByID[rt.ID] = rt
	}

	// Remote wins: every remote task overwrites its mirrored copy.
	for _, rt := range remoteTasks {
		if err := e.mirror.WriteTask(toMirror(rt, projectID)); err != nil {
			return 0, fmt.Errorf("failed to write task %s: %w", rt.ID, err)
		}
	}
	// Local-only tasks are removed; the engine never pushes them upstream.
	for _, lt := range localTasks {
		if _, ok := remoteByID[lt.ID]; !ok {
			if err := e.mirror.DeleteTask(projectID, lt.ID); err != nil {
				return 0, fmt.Errorf("failed to delete local-only task %s: %w", lt.ID, err)
			}
			e.logger.Debug("reconcile.deleted_local_only", "project", projectID, "task", lt.ID)
		}
	}
	return len(remoteTasks), nil
}

// diff classifies the two task sets. Tracked fields are name, description,
// status, priority, and due date.
func diff(remoteTasks []remote.Task, localTasks []*mirror.Task) []Conflict {
	localByID := make(map[string]*mirror.Task, len(localTasks))
	for _, lt := range localTasks {
		localByID[lt.ID] = lt
	}
	remoteByID := make(map[string]remote.Task, len(remoteTasks))
	for _, rt := range remoteTasks {
		remoteByID[rt.ID] = rt
	}

	var conflicts []Conflict
	for _, rt := range remoteTasks {
		lt, ok := localByID[rt.ID]
		if !ok {
			conflicts = append(conflicts, Conflict{
				TaskID:   rt.ID,
				TaskName: rt.Name,
				Kind:     MissingLocal,
				Details:  "task exists remotely but is not mirrored",
			})
			continue
		}
		if changed := changedFields(rt, lt); len(changed) > 0 {
			conflicts = append(conflicts, Conflict{
				TaskID:   rt.ID,
				TaskName: rt.Name,
				Kind:     Modified,
				Details:  "differs in " + strings.Join(changed, ", "),
			})
		}
	}
	for _, lt := range localTasks {
		if _, ok := remoteByID[lt.ID]; !ok {
			conflicts = append(conflicts, Conflict{
				TaskID:   lt.ID,
				TaskName: lt.Name,
				Kind:     MissingRemote,
				Details:  "task is mirrored but no longer exists remotely",
			})
		}
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].TaskID < conflicts[j].TaskID
	})
	return conflicts
}

func changedFields(rt remote.Task, lt *mirror.Task) []string {
	var changed []string
	if rt.Name != lt.Name {
		changed = append(changed, "name")
	}
	if rt.Description != lt.Description {
		changed = append(changed, "description")
	}
	if rt.Status != lt.Status {
		changed = append(changed, "status")
	}
	if rt.Priority != lt.Priority {
		changed = append(changed, "priority")
	}
	if !timePtrEqual(rt.DueDate, lt.DueDate) {
		changed = append(changed, "due_date")
	}
	return changed
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// toMirror converts a remote task into its mirrored form. The remote
// projectId is authoritative, but list responses scoped to a project may
// omit it, so the queried project is the fallback.
func toMirror(rt remote.Task, projectID string) *mirror.Task {
	pid := rt.ProjectID
	if pid == "" {
		pid = projectID
	}
	t := &mirror.Task{
		ID:          rt.ID,
		ProjectID:   pid,
		Name:        rt.Name,
		Description: rt.Description,
		Status:      rt.Status,
		Priority:    rt.Priority,
		DueDate:     rt.DueDate,
		CreatedAt:   rt.CreatedAt,
		UpdatedAt:   rt.UpdatedAt,
	}
	t.SetDefaults()
	return t
}
