// Package txn provides saga-style compensating transactions for logical
// operations that span the remote task service and the local mirror, two
// systems that cannot commit atomically together.
//
// A transaction is a list of named steps executed strictly in declaration
// order. When a step fails, the steps that already executed are compensated
// in reverse order, best effort, and the caller receives a StepError naming
// the failing step. This is forward execution with reverse compensation,
// not ACID: there is no write-ahead log and no two-phase commit.
package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"
)

// ExecFunc runs a step and returns its result. The result is recorded and
// later handed to the step's CompensateFunc.
type ExecFunc func(ctx context.Context) (any, error)

// CompensateFunc semantically undoes an executed step, receiving the result
// that step produced.
type CompensateFunc func(ctx context.Context, result any) error

// Terminal-state errors.
var (
	ErrAlreadyCommitted = errors.New("transaction already committed")
	ErrRolledBack       = errors.New("transaction rolled back")
	ErrCommitInProgress = errors.New("commit already in progress")
)

// StepError reports the step that aborted a commit. Compensation holds the
// failures of any compensations that themselves failed while unwinding; it
// never masks the triggering error.
type StepError struct {
	Step         string
	Err          error
	Compensation *CompensationError
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	if e.Compensation != nil {
		msg += "; " + e.Compensation.Error()
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CompensationError aggregates every compensation that failed during a
// rollback. Compensation is exhaustive: one failure does not stop the
// remaining steps from being compensated.
type CompensationError struct {
	Steps []string
	Errs  []error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed for steps [%s]: %v",
		strings.Join(e.Steps, ", "), errors.Join(e.Errs...))
}

func (e *CompensationError) Unwrap() []error {
	return e.Errs
}

type txnState int

const (
	stateBuilding txnState = iota
	stateExecuting
	stateCommitted
	stateRolledBack
)

type step struct {
	name       string
	exec       ExecFunc
	compensate CompensateFunc
	result     any
}

// Txn is a compensating transaction. Build it with Add, run it once with
// Commit. A Txn is single-use: it is not reusable across logical operations
// and not safe for concurrent Commit calls.
type Txn struct {
	name     string
	logger   pslog.Logger
	state    txnState
	steps    []*step
	executed []*step // always a prefix of steps, in execution order
	buildErr error
}

// New creates an empty transaction. The name is used only for logging.
func New(name string, logger pslog.Logger) *Txn {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Txn{name: name, logger: logger}
}

// Add appends a step. The name must be unique within the transaction;
// compensate may be nil for steps that need no undo. Add returns the
// transaction for chaining; misuse (adding after Commit or Rollback, or a
// duplicate name) is recorded and surfaced by the next Commit.
func (t *Txn) Add(name string, exec ExecFunc, compensate CompensateFunc) *Txn {
	if t.buildErr != nil {
		return t
	}
	if t.state != stateBuilding {
		t.buildErr = fmt.Errorf("cannot add step %q: transaction is no longer building", name)
		return t
	}
	if exec == nil {
		t.buildErr = fmt.Errorf("step %q has no execute function", name)
		return t
	}
	for _, s := range t.steps {
		if s.name == name {
			t.buildErr = fmt.Errorf("duplicate step name %q", name)
			return t
		}
	}
	t.steps = append(t.steps, &step{name: name, exec: exec, compensate: compensate})
	return t
}

// Commit executes all steps sequentially in declaration order and returns
// their results in that same order. Step N+1 never starts before step N's
// result is recorded, because later steps commonly consume identifiers
// produced by earlier ones (via Result).
//
// On the first step failure, the already-executed steps are compensated in
// reverse order and Commit returns a StepError. Commit on an already
// committed or rolled back transaction fails fast without re-running side
// effects.
func (t *Txn) Commit(ctx context.Context) ([]any, error) {
	if t.buildErr != nil {
		return nil, t.buildErr
	}
	switch t.state {
	case stateCommitted:
		return nil, ErrAlreadyCommitted
	case stateRolledBack:
		return nil, ErrRolledBack
	case stateExecuting:
		return nil, ErrCommitInProgress
	}
	t.state = stateExecuting

	for _, s := range t.steps {
		result, err := s.exec(ctx)
		if err != nil {
			t.logger.Error("txn.step_failed",
				"txn", t.name,
				"step", s.name,
				"executed", len(t.executed),
				"error", err,
			)
			stepErr := &StepError{Step: s.name, Err: err}
			if compErr := t.compensateExecuted(ctx); compErr != nil {
				stepErr.Compensation = compErr
			}
			t.state = stateRolledBack
			return nil, stepErr
		}
		s.result = result
		t.executed = append(t.executed, s)
	}

	t.state = stateCommitted
	results := make([]any, len(t.steps))
	for i, s := range t.steps {
		results[i] = s.result
	}
	return results, nil
}

// Rollback compensates the executed steps in reverse order and marks the
// transaction rolled back. On a transaction with no executed steps it
// performs zero compensations and succeeds. Rolling back a committed
// transaction is an error.
func (t *Txn) Rollback(ctx context.Context) error {
	switch t.state {
	case stateCommitted:
		return ErrAlreadyCommitted
	case stateRolledBack:
		return ErrRolledBack
	}
	compErr := t.compensateExecuted(ctx)
	t.state = stateRolledBack
	if compErr != nil {
		return compErr
	}
	return nil
}

// compensateExecuted unwinds executed steps in reverse order. A step with
// no compensate function is skipped; a compensation failure is logged and
// collected but does not stop the remaining compensations. A step with no
// recorded result was never executed and is never compensated, by
// construction: only executed steps are on the list.
func (t *Txn) compensateExecuted(ctx context.Context) *CompensationError {
	var failed CompensationError
	for i := len(t.executed) - 1; i >= 0; i-- {
		s := t.executed[i]
		if s.compensate == nil {
			continue
		}
		if err := s.compensate(ctx, s.result); err != nil {
			t.logger.Error("txn.compensation_failed",
				"txn", t.name,
				"step", s.name,
				"error", err,
			)
			failed.Steps = append(failed.Steps, s.name)
			failed.Errs = append(failed.Errs, err)
			continue
		}
		t.logger.Debug("txn.step_compensated", "txn", t.name, "step", s.name)
	}
	t.executed = nil
	if len(failed.Errs) > 0 {
		return &failed
	}
	return nil
}

// Result returns the recorded result of a successfully executed step, or
// false when the step has not run or does not exist.
func (t *Txn) Result(name string) (any, bool) {
	for _, s := range t.executed {
		if s.name == name {
			return s.result, true
		}
	}
	return nil, false
}
