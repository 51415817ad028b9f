package executor

import "time"

// RateLimit is one observation of the service's rate-limit headers.
type RateLimit struct {
	Limit     int
	Remaining int
	// ResetAt is when the current window ends.
	ResetAt time.Time
	// RetryAfter is a server-provided hold-off, typically on 429 responses.
	// Zero means none was provided.
	RetryAfter time.Duration
}

// rateState is the executor-owned state per endpoint key. Remaining is only
// ever replaced by fresh observations from the service, never decremented
// locally, and is non-increasing within one window.
type rateState struct {
	initialized bool
	limit       int
	remaining   int
	resetAt     time.Time
	nextAllowed time.Time
}

// observeRateLimit folds a response observation into the endpoint's state.
func (e *Executor) observeRateLimit(endpoint string, rl *RateLimit) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.rates[endpoint]
	if st == nil {
		st = &rateState{}
		e.rates[endpoint] = st
	}

	switch {
	case !st.initialized, rl.ResetAt.After(st.resetAt):
		// First observation, or a fresh window.
		st.initialized = true
		st.limit = rl.Limit
		st.remaining = rl.Remaining
		st.resetAt = rl.ResetAt
	case rl.ResetAt.Equal(st.resetAt):
		// Same window: responses can arrive out of order, so remaining only
		// moves down.
		if rl.Remaining < st.remaining {
			st.remaining = rl.Remaining
		}
		if rl.Limit > 0 {
			st.limit = rl.Limit
		}
	default:
		// Observation from an already-superseded window.
	}

	if rl.RetryAfter > 0 {
		until := e.clock.Now().Add(rl.RetryAfter)
		if until.After(st.nextAllowed) {
			st.nextAllowed = until
		}
	}
}

// endpointGateLocked returns the earliest time the endpoint may be called
// again, or the zero time when it is unconstrained. Callers hold e.mu.
func (e *Executor) endpointGateLocked(endpoint string) time.Time {
	st := e.rates[endpoint]
	if st == nil {
		return time.Time{}
	}
	now := e.clock.Now()
	gate := st.nextAllowed
	if st.remaining == 0 && now.Before(st.resetAt) && st.resetAt.After(gate) {
		gate = st.resetAt
	}
	return gate
}

// RateLimitSnapshot reports the currently tracked state for an endpoint.
// The second return is false when no state is tracked.
func (e *Executor) RateLimitSnapshot(endpoint string) (RateLimit, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.rates[endpoint]
	if !ok {
		return RateLimit{}, false
	}
	return RateLimit{Limit: st.limit, Remaining: st.remaining, ResetAt: st.resetAt}, true
}

// CleanupRateLimits evicts endpoint states whose window and hold-off are
// both in the past. It is an explicit maintenance operation, invoked by the
// embedding application's scheduler (the daemon runs it once per minute).
// Returns the number of entries evicted.
func (e *Executor) CleanupRateLimits() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	evicted := 0
	for endpoint, st := range e.rates {
		if !st.resetAt.After(now) && !st.nextAllowed.After(now) {
			delete(e.rates, endpoint)
			evicted++
		}
	}
	return evicted
}
