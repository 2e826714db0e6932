// Package breaker implements per-model circuit breakers. A model whose
// recent failure count crosses the threshold is rejected fast for a
// cooldown period, then allowed a probe (half-open) before recovering.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker state for one model.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Decision is the answer to a can-execute query.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the breaker would allow a probe.
	// Zero when Allowed is true.
	RetryAfter time.Duration
}

// Registry holds one breaker per model. The registry mutex guards only
// the map; each model has its own lock, so breakers for different
// models never contend.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*modelBreaker

	failureThreshold int
	window           time.Duration
	cooldown         time.Duration

	// now is swappable for tests.
	now func() time.Time
}

type modelBreaker struct {
	mu        sync.Mutex
	state     State
	failures  []time.Time // rolling window of recorded failures (closed state)
	openUntil time.Time
}

// NewRegistry creates a breaker registry. Breakers are created lazily
// per model on first use.
func NewRegistry(failureThreshold int, window, cooldown time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*modelBreaker),
		failureThreshold: failureThreshold,
		window:           window,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// CanExecute reports whether a call to the model may proceed.
// An open breaker whose cooldown has elapsed transitions to half-open
// and allows exactly this caller through as a probe.
func (r *Registry) CanExecute(model string) Decision {
	b := r.breakerFor(model)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	switch b.state {
	case StateOpen:
		if now.Before(b.openUntil) {
			return Decision{Allowed: false, RetryAfter: b.openUntil.Sub(now)}
		}
		b.state = StateHalfOpen
		return Decision{Allowed: true}
	default:
		return Decision{Allowed: true}
	}
}

// RecordSuccess closes the breaker and clears the failure window.
func (r *Registry) RecordSuccess(model string) {
	b := r.breakerFor(model)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = b.failures[:0]
}

// RecordFailure notes an upstream fault. In closed state the rolling
// window is pruned and checked against the threshold; in half-open the
// probe failed and the breaker re-opens immediately.
func (r *Registry) RecordFailure(model string) {
	b := r.breakerFor(model)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	switch b.state {
	case StateHalfOpen:
		b.open(now, r.cooldown)
	case StateClosed:
		b.failures = append(b.failures, now)
		b.prune(now.Add(-r.window))
		if len(b.failures) >= r.failureThreshold {
			b.open(now, r.cooldown)
		}
	case StateOpen:
		// Already rejecting; nothing to record.
	}
}

// StateOf returns the current state for a model (for telemetry and tests).
func (r *Registry) StateOf(model string) State {
	b := r.breakerFor(model)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *modelBreaker) open(now time.Time, cooldown time.Duration) {
	b.state = StateOpen
	b.openUntil = now.Add(cooldown)
	b.failures = b.failures[:0]
}

// prune drops failures older than cutoff. Timestamps are appended in
// order, so the slice stays sorted.
func (b *modelBreaker) prune(cutoff time.Time) {
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (r *Registry) breakerFor(model string) *modelBreaker {
	r.mu.RLock()
	b, ok := r.breakers[model]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[model]; ok {
		return b
	}
	b = &modelBreaker{state: StateClosed}
	r.breakers[model] = b
	return b
}
