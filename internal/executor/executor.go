// Package executor provides the rate-governed admission queue that every
// call to the remote task service passes through.
//
// Admission is single-flight: queued calls are released one at a time at a
// fixed interval of 60s/N, where N is the account tier's requests-per-minute
// budget. This is an admission-control policy, not a concurrency cap; once
// admitted, calls run (and retry) independently, so completion order is not
// guaranteed to match the FIFO admission order.
//
// Every response feeds a per-endpoint rate-limit state observed from the
// service's headers. When a window is exhausted, admission additionally
// waits for the window to reset (or for a server-provided retry-after)
// before releasing the next call.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/steveyegge/taskmirror/internal/clock"
)

// Requests-per-minute budgets by account tier.
const (
	IndividualPerMinute = 12
	TeamPerMinute       = 120
)

// Retry budgets. Reads retry more aggressively than writes because a
// replayed read is free while a replayed write may not be.
const (
	readAttempts  = 3
	writeAttempts = 2
)

// defaultRetryBase is the first retry delay; subsequent delays double.
const defaultRetryBase = 500 * time.Millisecond

// ErrClosed is returned for calls submitted to (or stranded in) a closed
// executor.
var ErrClosed = errors.New("executor closed")

// CallClass selects the retry budget for a call.
type CallClass int

const (
	// ClassRead marks idempotent read calls.
	ClassRead CallClass = iota
	// ClassWrite marks mutating calls.
	ClassWrite
)

// StatusCoder is implemented by errors that carry an HTTP status, letting
// the executor classify retryability without importing the client package.
type StatusCoder interface {
	HTTPStatus() int
}

// Call is one unit of work against the remote service. Do returns the
// call's value plus the rate-limit observation parsed from the response
// headers; the observation may be non-nil even when the call failed.
type Call struct {
	// Endpoint keys the per-endpoint rate-limit state, e.g. "GET /tasks".
	Endpoint string
	Class    CallClass
	Do       func(ctx context.Context) (any, *RateLimit, error)
}

// QueueStatus is a read-only snapshot of the admission queue.
type QueueStatus struct {
	// Waiting counts calls queued but not yet admitted.
	Waiting int
	// Pending counts calls admitted but not yet settled.
	Pending int
}

// Config configures an Executor.
type Config struct {
	// RequestsPerMinute is the admission budget. Defaults to
	// IndividualPerMinute.
	RequestsPerMinute int
	// RetryBase overrides the initial retry backoff. Defaults to 500ms.
	RetryBase time.Duration
	Logger    pslog.Logger
	Clock     clock.Clock
}

type outcome struct {
	value any
	err   error
}

type job struct {
	call Call
	ctx  context.Context
	done chan outcome
}

// Executor is the admission-controlled request runner. Create one per
// remote account and share it across all call sites.
type Executor struct {
	interval  time.Duration
	retryBase time.Duration
	logger    pslog.Logger
	clock     clock.Clock

	mu          sync.Mutex
	waiting     []*job
	pending     int
	lastAdmit   time.Time
	rates       map[string]*rateState
	idleWaiters []chan struct{}
	closed      bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New starts an executor's dispatch loop. Callers must Close it when done.
func New(cfg Config) *Executor {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = IndividualPerMinute
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	e := &Executor{
		interval:  time.Minute / time.Duration(rpm),
		retryBase: retryBase,
		logger:    logger,
		clock:     clk,
		rates:     make(map[string]*rateState),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// Submit enqueues the call and blocks until it settles. The final error of
// a call whose retry budget is exhausted is returned as-is, unwrapped.
func (e *Executor) Submit(ctx context.Context, call Call) (any, error) {
	if call.Do == nil {
		return nil, fmt.Errorf("call has no Do function")
	}

	j := &job{call: call, ctx: ctx, done: make(chan outcome, 1)}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.waiting = append(e.waiting, j)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	out := <-j.done
	return out.value, out.err
}

// Do submits a typed call through the executor.
func Do[T any](ctx context.Context, e *Executor, endpoint string, class CallClass, fn func(ctx context.Context) (T, *RateLimit, error)) (T, error) {
	var zero T
	value, err := e.Submit(ctx, Call{
		Endpoint: endpoint,
		Class:    class,
		Do: func(ctx context.Context) (any, *RateLimit, error) {
			v, rl, err := fn(ctx)
			return v, rl, err
		},
	})
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	return value.(T), nil
}

// QueueStatus returns a non-blocking snapshot of queue depth.
func (e *Executor) QueueStatus() QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return QueueStatus{Waiting: len(e.waiting), Pending: e.pending}
}

// Drain blocks until the queue is empty and all admitted calls have
// settled. It provides quiescence only; FIFO admission is the sole ordering
// guarantee.
func (e *Executor) Drain(ctx context.Context) error {
	e.mu.Lock()
	if len(e.waiting) == 0 && e.pending == 0 {
		e.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.idleWaiters = append(e.idleWaiters, ch)
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Close stops the dispatcher and fails any not-yet-admitted calls with
// ErrClosed. Already-admitted calls run to completion.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	stranded := e.waiting
	e.waiting = nil
	e.notifyIdleLocked()
	e.mu.Unlock()

	close(e.stop)
	<-e.done
	for _, j := range stranded {
		j.done <- outcome{err: ErrClosed}
	}
}

// dispatch releases one queued call per interval, extended by any
// endpoint-level gate (window exhausted or server retry-after).
func (e *Executor) dispatch() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.waiting) == 0 {
			e.mu.Unlock()
			select {
			case <-e.stop:
				return
			case <-e.wake:
			}
			e.mu.Lock()
		}
		head := e.waiting[0]
		now := e.clock.Now()
		next := e.lastAdmit.Add(e.interval)
		if gate := e.endpointGateLocked(head.call.Endpoint); gate.After(next) {
			e.logger.Debug("executor.admission_gated",
				"endpoint", head.call.Endpoint,
				"until", gate,
			)
			next = gate
		}
		e.mu.Unlock()

		if delay := next.Sub(now); delay > 0 {
			select {
			case <-e.stop:
				return
			case <-e.clock.After(delay):
			}
		}

		e.mu.Lock()
		if e.closed || len(e.waiting) == 0 {
			e.mu.Unlock()
			continue
		}
		j := e.waiting[0]
		e.waiting = e.waiting[1:]
		e.pending++
		e.lastAdmit = e.clock.Now()
		e.mu.Unlock()

		go e.run(j)
	}
}

// run drives one admitted call through its retry budget.
func (e *Executor) run(j *job) {
	attempts := readAttempts
	if j.call.Class == ClassWrite {
		attempts = writeAttempts
	}

	backoff := e.retryBase
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, rl, err := j.call.Do(j.ctx)
		if rl != nil {
			e.observeRateLimit(j.call.Endpoint, rl)
		}
		if err == nil {
			e.settle(j, value, nil)
			return
		}
		lastErr = err

		if httpStatus(err) == http.StatusTooManyRequests {
			e.logger.Warn("executor.rate_limited",
				"endpoint", j.call.Endpoint,
				"attempt", attempt,
				"error", err,
			)
		}
		if !retryable(err) || attempt == attempts {
			break
		}
		e.logger.Warn("executor.attempt_failed",
			"endpoint", j.call.Endpoint,
			"attempt", attempt,
			"retries_left", attempts-attempt,
			"backoff", backoff,
			"error", err,
		)
		e.clock.Sleep(backoff)
		backoff *= 2
	}
	e.settle(j, nil, lastErr)
}

func (e *Executor) settle(j *job, value any, err error) {
	j.done <- outcome{value: value, err: err}
	e.mu.Lock()
	e.pending--
	e.notifyIdleLocked()
	e.mu.Unlock()
}

func (e *Executor) notifyIdleLocked() {
	if len(e.waiting) != 0 || e.pending != 0 {
		return
	}
	for _, ch := range e.idleWaiters {
		close(ch)
	}
	e.idleWaiters = nil
}

// retryable classifies failures per the error taxonomy: network-level
// errors, 5xx, and 429 retry; other 4xx and context cancellation propagate
// immediately.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if status := httpStatus(err); status != 0 {
		return status == http.StatusTooManyRequests || status >= 500
	}
	return true
}

func httpStatus(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}
