package cache

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/taskmirror/internal/mirror"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func cachedTask(id, projectID, name string) *mirror.Task {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &mirror.Task{
		ID:        id,
		ProjectID: projectID,
		Name:      name,
		Status:    "TODO",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}
}

func TestUpsertTask_RoundTrip(t *testing.T) {
	db := testDB(t)
	due := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	task := cachedTask("t1", "p1", "write report")
	task.Description = "quarterly numbers"
	task.Priority = mirror.PriorityHigh
	task.DueDate = &due

	if err := db.UpsertTask(task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	got, err := db.GetTaskByID(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTaskByID() failed: %v", err)
	}
	if got.Name != "write report" || got.Description != "quarterly numbers" {
		t.Errorf("task = %+v", got)
	}
	if got.Priority != mirror.PriorityHigh {
		t.Errorf("priority = %q, want %q", got.Priority, mirror.PriorityHigh)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("due date = %v, want %v", got.DueDate, due)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("created at = %v, want %v", got.CreatedAt, task.CreatedAt)
	}
}

func TestUpsertTask_UpdatesExistingRow(t *testing.T) {
	db := testDB(t)

	task := cachedTask("t1", "p1", "original")
	if err := db.UpsertTask(task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	task.Name = "renamed"
	task.Status = "DONE"
	if err := db.UpsertTask(task); err != nil {
		t.Fatalf("second UpsertTask() failed: %v", err)
	}

	got, err := db.GetTaskByID(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTaskByID() failed: %v", err)
	}
	if got.Name != "renamed" || got.Status != "DONE" {
		t.Errorf("task = %+v, want renamed/DONE", got)
	}
	count, err := db.TaskCount(context.Background())
	if err != nil {
		t.Fatalf("TaskCount() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestUpsertTask_RejectsInvalid(t *testing.T) {
	db := testDB(t)
	task := cachedTask("t1", "p1", "x")
	task.Priority = "URGENT"
	if err := db.UpsertTask(task); err == nil {
		t.Error("expected validation error for unknown priority")
	}
}

func TestGetTaskByID_MissingIsErrNoRows(t *testing.T) {
	db := testDB(t)
	_, err := db.GetTaskByID(context.Background(), "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("error = %v, want sql.ErrNoRows", err)
	}
}

func TestDeleteTask_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertTask(cachedTask("t1", "p1", "x")); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if err := db.DeleteTask("t1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if err := db.DeleteTask("t1"); err != nil {
		t.Fatalf("repeated DeleteTask() failed: %v", err)
	}
	count, _ := db.TaskCount(context.Background())
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestListTasks_FiltersAndOrders(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	early := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

	a := cachedTask("a", "p1", "due late")
	a.DueDate = &late
	b := cachedTask("b", "p1", "due early")
	b.DueDate = &early
	c := cachedTask("c", "p1", "no due date")
	d := cachedTask("d", "p2", "other project")
	done := cachedTask("e", "p1", "finished")
	done.Status = "DONE"

	for _, task := range []*mirror.Task{a, b, c, d, done} {
		if err := db.UpsertTask(task); err != nil {
			t.Fatalf("UpsertTask(%s) failed: %v", task.ID, err)
		}
	}

	tasks, err := db.ListTasks(ctx, ListFilter{ProjectID: "p1", Status: "TODO"})
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	// Due dates ascending, undated last.
	want := []string{"b", "a", "c"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}

	overdue, err := db.ListTasks(ctx, ListFilter{ProjectID: "p1", DueBefore: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("ListTasks(DueBefore) failed: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != "b" {
		t.Errorf("overdue = %+v, want just b", overdue)
	}

	limited, err := db.ListTasks(ctx, ListFilter{ProjectID: "p1", Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks(Limit) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited len = %d, want 2", len(limited))
	}
}

func TestStatusCounts_PerProjectAndGlobal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tasks := []*mirror.Task{
		cachedTask("a", "p1", "a"),
		cachedTask("b", "p1", "b"),
		cachedTask("c", "p2", "c"),
	}
	tasks[1].Status = "DONE"
	for _, task := range tasks {
		if err := db.UpsertTask(task); err != nil {
			t.Fatalf("UpsertTask() failed: %v", err)
		}
	}

	counts, err := db.StatusCounts(ctx, "p1")
	if err != nil {
		t.Fatalf("StatusCounts() failed: %v", err)
	}
	if counts["TODO"] != 1 || counts["DONE"] != 1 {
		t.Errorf("p1 counts = %v", counts)
	}

	all, err := db.StatusCounts(ctx, "")
	if err != nil {
		t.Fatalf("StatusCounts(all) failed: %v", err)
	}
	if all["TODO"] != 2 || all["DONE"] != 1 {
		t.Errorf("global counts = %v", all)
	}
}

func TestRebuild_ReplacesProjectRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertTask(cachedTask("stale", "p1", "gone after rebuild")); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if err := db.UpsertTask(cachedTask("other", "p2", "untouched")); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	fresh := []*mirror.Task{
		cachedTask("n1", "p1", "new one"),
		cachedTask("n2", "p1", "new two"),
	}
	if err := db.Rebuild(ctx, "p1", fresh); err != nil {
		t.Fatalf("Rebuild() failed: %v", err)
	}

	if _, err := db.GetTaskByID(ctx, "stale"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("stale row survived rebuild: %v", err)
	}
	if _, err := db.GetTaskByID(ctx, "n1"); err != nil {
		t.Errorf("rebuilt row missing: %v", err)
	}
	if _, err := db.GetTaskByID(ctx, "other"); err != nil {
		t.Errorf("other project affected by rebuild: %v", err)
	}
}

func TestRebuild_InvalidTaskRollsBack(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertTask(cachedTask("keep", "p1", "kept on failure")); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	bad := cachedTask("bad", "p1", "x")
	bad.Priority = "NOPE"
	if err := db.Rebuild(ctx, "p1", []*mirror.Task{bad}); err == nil {
		t.Fatal("expected Rebuild() to fail on invalid task")
	}

	// The failed rebuild must not have deleted the existing rows.
	if _, err := db.GetTaskByID(ctx, "keep"); err != nil {
		t.Errorf("existing row lost after failed rebuild: %v", err)
	}
}

func TestDeleteProject_RemovesOnlyThatProject(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertTask(cachedTask("a", "p1", "a")); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if err := db.UpsertTask(cachedTask("b", "p2", "b")); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	if err := db.DeleteProject(ctx, "p1"); err != nil {
		t.Fatalf("DeleteProject() failed: %v", err)
	}
	if _, err := db.GetTaskByID(ctx, "a"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("p1 task survived: %v", err)
	}
	if _, err := db.GetTaskByID(ctx, "b"); err != nil {
		t.Errorf("p2 task removed: %v", err)
	}
}
