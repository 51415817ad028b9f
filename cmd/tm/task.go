package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/taskmirror/internal/mirror"
	"github.com/steveyegge/taskmirror/internal/remote"
	"github.com/steveyegge/taskmirror/internal/txn"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, update, and delete tasks",
	Long: `Mutate tasks on the remote service and in the local mirror
together.

Each mutation runs as a compensating transaction: the remote write
happens first, then the mirror write. If the mirror write fails the
remote step is undone, so the two sides never diverge silently.`,
}

var (
	taskProject     string
	taskName        string
	taskDescription string
	taskPriority    string
	taskStatus      string
	taskDue         string
)

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task remotely and mirror it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskProject == "" || taskName == "" {
			return fmt.Errorf("--project and --name are required")
		}
		due, err := parseDue(taskDue)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()

		nt := remote.NewTask{
			ProjectID:   taskProject,
			Name:        taskName,
			Description: taskDescription,
			Priority:    taskPriority,
			DueDate:     due,
		}

		t := txn.New("task-create", a.logger)
		t.Add("remote-create",
			func(ctx context.Context) (any, error) {
				return a.client.CreateTask(ctx, nt)
			},
			func(ctx context.Context, result any) error {
				created := result.(*remote.Task)
				return a.client.DeleteTask(ctx, created.ID)
			},
		)
		t.Add("mirror-write",
			func(ctx context.Context) (any, error) {
				created, _ := t.Result("remote-create")
				task := toMirrorTask(created.(*remote.Task))
				if err := a.store.WriteTask(task); err != nil {
					return nil, err
				}
				return task.ID, nil
			},
			func(ctx context.Context, result any) error {
				return a.store.DeleteTask(taskProject, result.(string))
			},
		)

		results, err := t.Commit(ctx)
		if err != nil {
			return err
		}
		created := results[0].(*remote.Task)
		fmt.Printf("Created task %s (%s)\n", created.ID, created.Name)
		return nil
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Update a task remotely and refresh its mirror copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]
		upd := remote.TaskUpdate{}
		if cmd.Flags().Changed("name") {
			upd.Name = &taskName
		}
		if cmd.Flags().Changed("description") {
			upd.Description = &taskDescription
		}
		if cmd.Flags().Changed("status") {
			upd.Status = &taskStatus
		}
		if cmd.Flags().Changed("priority") {
			upd.Priority = &taskPriority
		}
		if cmd.Flags().Changed("due") {
			due, err := parseDue(taskDue)
			if err != nil {
				return err
			}
			upd.DueDate = due
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()

		// The prior remote state backs the compensation.
		before, err := a.client.GetTask(ctx, taskID)
		if err != nil {
			return err
		}

		t := txn.New("task-update", a.logger)
		t.Add("remote-update",
			func(ctx context.Context) (any, error) {
				return a.client.UpdateTask(ctx, taskID, upd)
			},
			func(ctx context.Context, result any) error {
				restore := remote.TaskUpdate{
					Name:        &before.Name,
					Description: &before.Description,
					Status:      &before.Status,
					Priority:    &before.Priority,
					DueDate:     before.DueDate,
				}
				_, err := a.client.UpdateTask(ctx, taskID, restore)
				return err
			},
		)
		t.Add("mirror-write",
			func(ctx context.Context) (any, error) {
				updated, _ := t.Result("remote-update")
				task := toMirrorTask(updated.(*remote.Task))
				return nil, a.store.WriteTask(task)
			},
			nil,
		)

		if _, err := t.Commit(ctx); err != nil {
			return err
		}
		fmt.Printf("Updated task %s\n", taskID)
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task remotely and from the mirror",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskProject == "" {
			return fmt.Errorf("--project is required")
		}
		taskID := args[0]

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()

		// Deleting the mirror copy first keeps the remote delete as the
		// final, hardest-to-undo step.
		local, err := a.store.ReadTask(taskProject, taskID)
		if err != nil {
			return fmt.Errorf("task %s is not mirrored in project %s: %w", taskID, taskProject, err)
		}

		t := txn.New("task-delete", a.logger)
		t.Add("mirror-delete",
			func(ctx context.Context) (any, error) {
				return nil, a.store.DeleteTask(taskProject, taskID)
			},
			func(ctx context.Context, result any) error {
				return a.store.WriteTask(local)
			},
		)
		t.Add("remote-delete",
			func(ctx context.Context) (any, error) {
				return nil, a.client.DeleteTask(ctx, taskID)
			},
			nil,
		)

		if _, err := t.Commit(ctx); err != nil {
			return err
		}
		fmt.Printf("Deleted task %s\n", taskID)
		return nil
	},
}

// toMirrorTask converts the service's copy into its mirrored form.
func toMirrorTask(rt *remote.Task) *mirror.Task {
	task := &mirror.Task{
		ID:          rt.ID,
		ProjectID:   rt.ProjectID,
		Name:        rt.Name,
		Description: rt.Description,
		Status:      rt.Status,
		Priority:    rt.Priority,
		DueDate:     rt.DueDate,
		CreatedAt:   rt.CreatedAt,
		UpdatedAt:   rt.UpdatedAt,
	}
	task.SetDefaults()
	return task
}

// parseDue accepts a date (2026-04-01) or full RFC 3339 timestamp.
func parseDue(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid due date %q (expected YYYY-MM-DD or RFC 3339)", s)
	}
	t = t.UTC()
	return &t, nil
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskProject, "project", "", "project ID (required)")
	taskCreateCmd.Flags().StringVar(&taskName, "name", "", "task name (required)")
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	taskCreateCmd.Flags().StringVar(&taskPriority, "priority", "", "priority (LOW, MEDIUM, HIGH, ASAP)")
	taskCreateCmd.Flags().StringVar(&taskDue, "due", "", "due date (YYYY-MM-DD)")

	taskUpdateCmd.Flags().StringVar(&taskName, "name", "", "new task name")
	taskUpdateCmd.Flags().StringVar(&taskDescription, "description", "", "new description")
	taskUpdateCmd.Flags().StringVar(&taskStatus, "status", "", "new status")
	taskUpdateCmd.Flags().StringVar(&taskPriority, "priority", "", "new priority")
	taskUpdateCmd.Flags().StringVar(&taskDue, "due", "", "new due date (YYYY-MM-DD)")

	taskDeleteCmd.Flags().StringVar(&taskProject, "project", "", "project ID (required)")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskUpdateCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	rootCmd.AddCommand(taskCmd)
}
