// Package mirror provides the locally mirrored copy of the remote task
// service: one JSON file per task under a per-project directory, plus a
// registry of bound (mirrored) projects.
//
// The mirror is a read-mostly replica. The reconciliation engine overwrites
// it from the remote service (remote is the source of truth); command
// handlers write to it inside compensating transactions alongside the
// corresponding remote mutation.
package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Task priorities as the remote service reports them.
const (
	PriorityLow    = "LOW"
	PriorityMedium = "MEDIUM"
	PriorityHigh   = "HIGH"
	PriorityASAP   = "ASAP"
)

// Task is a task stored as an individual JSON file in
// projects/{projectId}/tasks/{id}.json. Fields are flat so each can be
// overwritten independently when the reconciler applies the remote version.
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority,omitempty"` // LOW, MEDIUM, HIGH, ASAP

	DueDate *time.Time `json:"due_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(t.Name) > 500 {
		return fmt.Errorf("name must be 500 characters or less (got %d)", len(t.Name))
	}
	if t.Status == "" {
		return fmt.Errorf("status is required")
	}
	switch t.Priority {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityASAP:
	default:
		return fmt.Errorf("unknown priority %q", t.Priority)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		t.Status = "TODO"
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
}

// Filename returns the canonical file name for this task: {id}.json
func (t *Task) Filename() string {
	return fmt.Sprintf("%s.json", t.ID)
}

// ReadTaskFile reads and parses a task JSON file from the given path.
func ReadTaskFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task file %s: %w", path, err)
	}
	return &task, nil
}

// writeTaskFile writes a task as pretty-printed JSON via a temp file and
// rename, so a watcher or concurrent reader never sees a half-written task.
func writeTaskFile(dir string, task *Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid task: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create tasks directory: %w", err)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	path := filepath.Join(dir, task.Filename())
	tmp, err := os.CreateTemp(dir, ".tmp-"+task.ID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for task %s: %w", task.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file for task %s: %w", task.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename task file %s: %w", path, err)
	}
	return nil
}

// readAllTaskFiles reads every task file in dir. Invalid files are skipped
// and reported through the skipped callback so a single bad file does not
// hide the rest of the project.
func readAllTaskFiles(dir string, skipped func(name string, err error)) ([]*Task, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Task{}, nil
		}
		return nil, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	var tasks []*Task
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		task, err := ReadTaskFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			if skipped != nil {
				skipped(entry.Name(), err)
			}
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
