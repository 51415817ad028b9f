package txn

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// recorder tracks execution and compensation order across steps.
type recorder struct {
	events []string
}

func (r *recorder) exec(name string, result any) ExecFunc {
	return func(ctx context.Context) (any, error) {
		r.events = append(r.events, "exec:"+name)
		return result, nil
	}
}

func (r *recorder) failExec(name string, err error) ExecFunc {
	return func(ctx context.Context) (any, error) {
		r.events = append(r.events, "exec:"+name)
		return nil, err
	}
}

func (r *recorder) comp(name string) CompensateFunc {
	return func(ctx context.Context, result any) error {
		r.events = append(r.events, "comp:"+name)
		return nil
	}
}

func (r *recorder) failComp(name string, err error) CompensateFunc {
	return func(ctx context.Context, result any) error {
		r.events = append(r.events, "comp:"+name)
		return err
	}
}

func assertEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestCommit_RunsStepsInOrderAndReturnsResults(t *testing.T) {
	r := &recorder{}
	tx := New("create-task", nil).
		Add("remote-create", r.exec("remote-create", "task-1"), r.comp("remote-create")).
		Add("mirror-write", r.exec("mirror-write", "written"), r.comp("mirror-write"))

	results, err := tx.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if len(results) != 2 || results[0] != "task-1" || results[1] != "written" {
		t.Errorf("results = %v, want [task-1 written]", results)
	}
	assertEvents(t, r.events, []string{"exec:remote-create", "exec:mirror-write"})
}

func TestCommit_EmptyTransactionSucceeds(t *testing.T) {
	results, err := New("noop", nil).Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() on empty transaction failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want empty", results)
	}
}

func TestCommit_FailureCompensatesPriorStepsInReverse(t *testing.T) {
	r := &recorder{}
	boom := errors.New("remote unavailable")
	tx := New("tx", nil).
		Add("a", r.exec("a", 1), r.comp("a")).
		Add("b", r.exec("b", 2), r.comp("b")).
		Add("c", r.failExec("c", boom), r.comp("c")).
		Add("d", r.exec("d", 4), r.comp("d"))

	_, err := tx.Commit(context.Background())
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StepError", err)
	}
	if se.Step != "c" {
		t.Errorf("failing step = %q, want %q", se.Step, "c")
	}
	if !errors.Is(err, boom) {
		t.Errorf("StepError does not wrap the underlying cause: %v", err)
	}

	// a and b executed, c failed, d never ran; compensation is b then a.
	assertEvents(t, r.events, []string{"exec:a", "exec:b", "exec:c", "comp:b", "comp:a"})
}

func TestCommit_StepWithoutCompensationIsSkippedSilently(t *testing.T) {
	r := &recorder{}
	tx := New("tx", nil).
		Add("a", r.exec("a", 1), nil).
		Add("b", r.exec("b", 2), r.comp("b")).
		Add("c", r.failExec("c", errors.New("nope")), nil)

	_, err := tx.Commit(context.Background())
	if err == nil {
		t.Fatal("expected commit failure")
	}
	assertEvents(t, r.events, []string{"exec:a", "exec:b", "exec:c", "comp:b"})
}

func TestCommit_CompensationFailuresAreCollectedNotMasked(t *testing.T) {
	r := &recorder{}
	cause := errors.New("step blew up")
	compA := errors.New("undo a failed")
	compB := errors.New("undo b failed")
	tx := New("tx", nil).
		Add("a", r.exec("a", 1), r.failComp("a", compA)).
		Add("b", r.exec("b", 2), r.failComp("b", compB)).
		Add("c", r.failExec("c", cause), nil)

	_, err := tx.Commit(context.Background())
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StepError", err)
	}
	// The triggering cause stays primary.
	if !errors.Is(err, cause) {
		t.Errorf("triggering cause masked: %v", err)
	}
	if se.Compensation == nil {
		t.Fatal("compensation failures were dropped")
	}
	if len(se.Compensation.Errs) != 2 {
		t.Fatalf("collected %d compensation failures, want 2", len(se.Compensation.Errs))
	}
	// Both compensations ran despite the first one failing.
	assertEvents(t, r.events, []string{"exec:a", "exec:b", "exec:c", "comp:b", "comp:a"})
}

func TestCommit_SecondCallFailsWithoutReExecuting(t *testing.T) {
	r := &recorder{}
	tx := New("tx", nil).Add("a", r.exec("a", 1), nil)

	if _, err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("first Commit() failed: %v", err)
	}
	_, err := tx.Commit(context.Background())
	if !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("second Commit() error = %v, want ErrAlreadyCommitted", err)
	}
	// Side effects occurred exactly once.
	assertEvents(t, r.events, []string{"exec:a"})
}

func TestCommit_AfterRollbackFails(t *testing.T) {
	tx := New("tx", nil).Add("a", func(ctx context.Context) (any, error) { return 1, nil }, nil)
	if err := tx.Rollback(context.Background()); err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	if _, err := tx.Commit(context.Background()); !errors.Is(err, ErrRolledBack) {
		t.Fatalf("Commit() after rollback = %v, want ErrRolledBack", err)
	}
}

func TestRollback_NoExecutedStepsIsNoop(t *testing.T) {
	r := &recorder{}
	tx := New("tx", nil).Add("a", r.exec("a", 1), r.comp("a"))

	if err := tx.Rollback(context.Background()); err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	assertEvents(t, r.events, nil)
}

func TestRollback_AggregatesCompensationFailures(t *testing.T) {
	r := &recorder{}
	compErr := errors.New("undo failed")
	tx := New("tx", nil).
		Add("a", r.exec("a", 1), r.failComp("a", compErr)).
		Add("b", r.failExec("b", errors.New("boom")), nil)

	_, commitErr := tx.Commit(context.Background())
	var se *StepError
	if !errors.As(commitErr, &se) || se.Compensation == nil {
		t.Fatalf("expected StepError with compensation failures, got %v", commitErr)
	}
	if se.Compensation.Steps[0] != "a" {
		t.Errorf("failed compensation step = %q, want %q", se.Compensation.Steps[0], "a")
	}
	if !errors.Is(se.Compensation, compErr) {
		t.Errorf("compensation error not preserved: %v", se.Compensation)
	}
}

func TestAdd_AfterCommitSurfacesError(t *testing.T) {
	tx := New("tx", nil)
	if _, err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	tx.Add("late", func(ctx context.Context) (any, error) { return nil, nil }, nil)
	_, err := tx.Commit(context.Background())
	if err == nil {
		t.Fatal("expected error from late Add")
	}
	// Misuse is reported, not silently executed.
	if errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("late Add was ignored instead of reported: %v", err)
	}
}

func TestAdd_DuplicateNameSurfacesError(t *testing.T) {
	noop := func(ctx context.Context) (any, error) { return nil, nil }
	tx := New("tx", nil).Add("a", noop, nil).Add("a", noop, nil)
	if _, err := tx.Commit(context.Background()); err == nil {
		t.Fatal("expected duplicate step name error")
	}
}

func TestResult_LookupByStepName(t *testing.T) {
	tx := New("create-task", nil)
	tx.Add("remote-create", func(ctx context.Context) (any, error) {
		return "task-42", nil
	}, nil)
	tx.Add("mirror-write", func(ctx context.Context) (any, error) {
		// Later steps consume identifiers produced by earlier ones.
		id, ok := tx.Result("remote-create")
		if !ok {
			return nil, fmt.Errorf("remote-create result missing")
		}
		return "mirrored:" + id.(string), nil
	}, nil)

	results, err := tx.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if results[1] != "mirrored:task-42" {
		t.Errorf("dependent step result = %v, want mirrored:task-42", results[1])
	}

	if _, ok := tx.Result("missing"); ok {
		t.Error("Result() reported a hit for an unknown step")
	}
}

func TestResult_UnexecutedStepReturnsFalse(t *testing.T) {
	tx := New("tx", nil).Add("a", func(ctx context.Context) (any, error) { return 1, nil }, nil)
	if _, ok := tx.Result("a"); ok {
		t.Error("Result() reported a hit before execution")
	}
}
