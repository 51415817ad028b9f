// Package cache provides an embedded SQLite query cache over the mirror.
//
// The mirror's JSON task files are the durable source; the cache exists so
// status and listing queries don't rescan the filesystem. The database runs
// in embedded mode with WAL for concurrent reads, and the sync daemon keeps
// it current by replaying mirror file changes into it.
//
// The cache is disposable: deleting the database file and re-running a sync
// rebuilds it completely.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/taskmirror/internal/mirror"
)

// DB wraps the embedded SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the cache database at path and applies
// the connection pragmas. The caller MUST call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// WAL keeps readers unblocked while the daemon writes.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tasks table and its indexes. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		priority TEXT,
		due_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due_date);

	-- Composite index for the status listing the CLI renders.
	CREATE INDEX IF NOT EXISTS idx_tasks_project_status
	    ON tasks(project_id, status, due_date);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// UpsertTask inserts or updates a mirrored task in the cache.
func (db *DB) UpsertTask(task *mirror.Task) error {
	return db.UpsertTaskContext(context.Background(), task)
}

// UpsertTaskContext inserts or updates a task with context support.
func (db *DB) UpsertTaskContext(ctx context.Context, task *mirror.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	query := `
	INSERT INTO tasks (
		id, project_id, name, description, status, priority,
		due_date, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		project_id = excluded.project_id,
		name = excluded.name,
		description = excluded.description,
		status = excluded.status,
		priority = excluded.priority,
		due_date = excluded.due_date,
		updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		task.ID,
		task.ProjectID,
		task.Name,
		task.Description,
		task.Status,
		task.Priority,
		timeToNullString(task.DueDate),
		task.CreatedAt.Format(time.RFC3339),
		task.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// DeleteTask removes a task from the cache. Idempotent.
func (db *DB) DeleteTask(taskID string) error {
	return db.DeleteTaskContext(context.Background(), taskID)
}

// DeleteTaskContext removes a task with context support.
func (db *DB) DeleteTaskContext(ctx context.Context, taskID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	return nil
}

// DeleteProject removes every cached task belonging to a project, used when
// a project is unbound. Idempotent.
func (db *DB) DeleteProject(ctx context.Context, projectID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to delete tasks for project %s: %w", projectID, err)
	}
	return nil
}

// GetTaskByID retrieves a single cached task.
// Returns sql.ErrNoRows if the task is not cached.
func (db *DB) GetTaskByID(ctx context.Context, id string) (*mirror.Task, error) {
	query := `
	SELECT id, project_id, name, description, status, priority,
	       due_date, created_at, updated_at
	FROM tasks
	WHERE id = ?
	`
	row := db.conn.QueryRowContext(ctx, query, id)
	return scanTask(row.Scan)
}

// ListFilter configures the ListTasks query.
type ListFilter struct {
	// ProjectID restricts results to one project (empty = all projects).
	ProjectID string
	// Status filters by task status (empty = all statuses).
	Status string
	// Priority filters by exact priority (empty = all priorities).
	Priority string
	// DueBefore keeps only tasks with a due date strictly before it
	// (zero = no due-date filter).
	DueBefore time.Time
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// ListTasks retrieves cached tasks matching the filter, ordered by due date
// (tasks without one last), then creation time.
func (db *DB) ListTasks(ctx context.Context, filter ListFilter) ([]*mirror.Task, error) {
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		conditions = append(conditions, "priority = ?")
		args = append(args, filter.Priority)
	}
	if !filter.DueBefore.IsZero() {
		conditions = append(conditions, "due_date IS NOT NULL AND due_date < ?")
		args = append(args, filter.DueBefore.UTC().Format(time.RFC3339))
	}

	query := `
	SELECT id, project_id, name, description, status, priority,
	       due_date, created_at, updated_at
	FROM tasks
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY due_date IS NULL, due_date ASC, created_at ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*mirror.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// TaskCount returns the total number of cached tasks.
func (db *DB) TaskCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// StatusCounts returns the number of cached tasks per status for a project
// (all projects when projectID is empty).
func (db *DB) StatusCounts(ctx context.Context, projectID string) (map[string]int, error) {
	query := "SELECT status, COUNT(*) FROM tasks"
	var args []any
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	query += " GROUP BY status"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// Rebuild replaces the cached rows for a project with the given task set,
// inside one transaction. The daemon calls this after a full project sync.
func (db *DB) Rebuild(ctx context.Context, projectID string, tasks []*mirror.Task) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to clear project %s: %w", projectID, err)
	}

	insert := `
	INSERT INTO tasks (
		id, project_id, name, description, status, priority,
		due_date, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return fmt.Errorf("invalid task %s: %w", task.ID, err)
		}
		_, err := tx.ExecContext(ctx, insert,
			task.ID,
			task.ProjectID,
			task.Name,
			task.Description,
			task.Status,
			task.Priority,
			timeToNullString(task.DueDate),
			task.CreatedAt.Format(time.RFC3339),
			task.UpdatedAt.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// scanTask reads one task row. The scan argument order matches the SELECT
// column order used throughout this package.
func scanTask(scan func(dest ...any) error) (*mirror.Task, error) {
	var task mirror.Task
	var description, priority sql.NullString
	var createdAt, updatedAt string
	var dueDate sql.NullString

	err := scan(
		&task.ID,
		&task.ProjectID,
		&task.Name,
		&description,
		&task.Status,
		&priority,
		&dueDate,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Description = description.String
	task.Priority = priority.String
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	task.DueDate = nullStringToTime(dueDate)
	return &task, nil
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
