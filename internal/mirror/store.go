package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"
)

// ErrNotFound is returned when a task or project is not in the mirror.
var ErrNotFound = errors.New("not found in mirror")

// Project is one bound (mirrored) remote project.
type Project struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	BoundAt time.Time `json:"bound_at"`
}

// Store is the on-disk mirror rooted at a single directory:
//
//	root/
//	  projects.json                     bound-projects registry
//	  projects/{projectId}/tasks/*.json one file per task
type Store struct {
	root   string
	logger pslog.Logger
}

// NewStore creates the mirror root if needed and returns a store.
func NewStore(root string, logger pslog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("mirror root directory is required")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if err := os.MkdirAll(filepath.Join(root, "projects"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the mirror root directory.
func (s *Store) Root() string {
	return s.root
}

// TasksDir returns the task directory for a project. The directory may not
// exist yet for a freshly bound project.
func (s *Store) TasksDir(projectID string) string {
	return filepath.Join(s.root, "projects", projectID, "tasks")
}

func (s *Store) registryPath() string {
	return filepath.Join(s.root, "projects.json")
}

// ReadTask returns one mirrored task, or ErrNotFound.
func (s *Store) ReadTask(projectID, taskID string) (*Task, error) {
	path := filepath.Join(s.TasksDir(projectID), taskID+".json")
	task, err := ReadTaskFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("task %s/%s: %w", projectID, taskID, ErrNotFound)
		}
		return nil, err
	}
	return task, nil
}

// WriteTask writes (or overwrites) a task in its project's directory.
func (s *Store) WriteTask(task *Task) error {
	return writeTaskFile(s.TasksDir(task.ProjectID), task)
}

// DeleteTask removes a task file. Deleting a task that is not mirrored is a
// no-op, so reconciliation deletes are idempotent.
func (s *Store) DeleteTask(projectID, taskID string) error {
	path := filepath.Join(s.TasksDir(projectID), taskID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete task file %s: %w", path, err)
	}
	return nil
}

// ListTasks returns every valid task mirrored for a project. Invalid files
// are logged and skipped.
func (s *Store) ListTasks(projectID string) ([]*Task, error) {
	return readAllTaskFiles(s.TasksDir(projectID), func(name string, err error) {
		s.logger.Warn("mirror.skipping_invalid_task",
			"project", projectID,
			"file", name,
			"error", err,
		)
	})
}

// BoundProjects returns the bound-projects registry. A missing registry
// means no projects are bound yet.
func (s *Store) BoundProjects() ([]Project, error) {
	data, err := os.ReadFile(s.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []Project{}, nil
		}
		return nil, fmt.Errorf("failed to read projects registry: %w", err)
	}
	var projects []Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("failed to parse projects registry: %w", err)
	}
	return projects, nil
}

// BindProject adds a project to the registry. Binding an already-bound
// project updates its name.
func (s *Store) BindProject(p Project) error {
	if p.ID == "" {
		return fmt.Errorf("project id is required")
	}
	if p.BoundAt.IsZero() {
		p.BoundAt = time.Now().UTC()
	}

	projects, err := s.BoundProjects()
	if err != nil {
		return err
	}
	replaced := false
	for i := range projects {
		if projects[i].ID == p.ID {
			p.BoundAt = projects[i].BoundAt
			projects[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		projects = append(projects, p)
	}
	if err := s.writeRegistry(projects); err != nil {
		return err
	}
	s.logger.Info("mirror.project_bound", "project", p.ID, "name", p.Name)
	return nil
}

// UnbindProject removes a project from the registry and deletes its
// mirrored tasks.
func (s *Store) UnbindProject(projectID string) error {
	projects, err := s.BoundProjects()
	if err != nil {
		return err
	}
	kept := projects[:0]
	found := false
	for _, p := range projects {
		if p.ID == projectID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err := s.writeRegistry(kept); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, "projects", projectID)); err != nil {
		return fmt.Errorf("failed to remove project directory: %w", err)
	}
	s.logger.Info("mirror.project_unbound", "project", projectID)
	return nil
}

func (s *Store) writeRegistry(projects []Project) error {
	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal projects registry: %w", err)
	}
	tmp := s.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write projects registry: %w", err)
	}
	if err := os.Rename(tmp, s.registryPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace projects registry: %w", err)
	}
	return nil
}
