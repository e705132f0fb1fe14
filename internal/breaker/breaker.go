package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/pbxvault/pbxvault/internal/config"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Decision is the answer to a CanExecute query.
type Decision struct {
	Allowed bool
	State   State
	Reason  string
}

type tenantState struct {
	state             State
	failures          int
	successes         int // consecutive successes while half-open
	lastFailureAt     time.Time
	lastFailureReason string
	lastTransitionAt  time.Time
}

// Registry holds per-tenant circuit state. All state is in memory; a process
// restart starts every tenant closed. Transitions happen only inside the
// explicit record/query calls, never on a background timer.
type Registry struct {
	mu      sync.Mutex
	cfg     config.BreakerConfig
	tenants map[string]*tenantState
	now     func() time.Time
}

func NewRegistry(cfg config.BreakerConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		tenants: make(map[string]*tenantState),
		now:     time.Now,
	}
}

func (r *Registry) get(tenantID string) *tenantState {
	ts, ok := r.tenants[tenantID]
	if !ok {
		ts = &tenantState{state: StateClosed}
		r.tenants[tenantID] = ts
	}
	return ts
}

// CanExecute reports whether a sync attempt against the tenant is allowed.
// The open->half-open transition is evaluated here, lazily, once the
// cooldown has elapsed since the last failure.
func (r *Registry) CanExecute(tenantID string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.get(tenantID)
	now := r.now()

	switch ts.state {
	case StateOpen:
		if now.Sub(ts.lastFailureAt) >= r.cfg.Cooldown {
			ts.state = StateHalfOpen
			ts.successes = 0
			ts.lastTransitionAt = now
			return Decision{Allowed: true, State: StateHalfOpen, Reason: "cooldown elapsed, probing"}
		}
		remaining := r.cfg.Cooldown - now.Sub(ts.lastFailureAt)
		return Decision{
			Allowed: false,
			State:   StateOpen,
			Reason:  fmt.Sprintf("circuit open, retry in %s", remaining.Round(time.Second)),
		}
	case StateHalfOpen:
		return Decision{Allowed: true, State: StateHalfOpen, Reason: "probing"}
	default:
		// A sustained quiet period wipes stale failure counts so unrelated
		// incidents do not accumulate toward the threshold.
		if ts.failures > 0 && !ts.lastFailureAt.IsZero() &&
			now.Sub(ts.lastFailureAt) >= r.cfg.SuccessWindow {
			ts.failures = 0
		}
		return Decision{Allowed: true, State: StateClosed}
	}
}

// RecordSuccess notes a successful tenant run.
func (r *Registry) RecordSuccess(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.get(tenantID)
	switch ts.state {
	case StateHalfOpen:
		ts.successes++
		if ts.successes >= r.cfg.SuccessThreshold {
			ts.state = StateClosed
			ts.failures = 0
			ts.successes = 0
			ts.lastTransitionAt = r.now()
		}
	case StateClosed:
		ts.failures = 0
	}
}

// RecordFailure notes a failed tenant run. While half-open a single failure
// reopens the circuit immediately.
func (r *Registry) RecordFailure(tenantID string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.get(tenantID)
	now := r.now()
	ts.lastFailureAt = now
	ts.lastFailureReason = reason

	switch ts.state {
	case StateHalfOpen:
		ts.state = StateOpen
		ts.successes = 0
		ts.lastTransitionAt = now
	case StateClosed:
		ts.failures++
		if ts.failures >= r.cfg.FailureThreshold {
			ts.state = StateOpen
			ts.lastTransitionAt = now
		}
	}
}

// Snapshot is the observable circuit state for one tenant.
type Snapshot struct {
	State             State      `json:"state"`
	Failures          int        `json:"failures"`
	LastFailureAt     *time.Time `json:"last_failure_at,omitempty"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
	LastTransitionAt  *time.Time `json:"last_transition_at,omitempty"`
}

func (r *Registry) GetState(tenantID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.get(tenantID)
	snap := Snapshot{State: ts.state, Failures: ts.failures, LastFailureReason: ts.lastFailureReason}
	if !ts.lastFailureAt.IsZero() {
		t := ts.lastFailureAt
		snap.LastFailureAt = &t
	}
	if !ts.lastTransitionAt.IsZero() {
		t := ts.lastTransitionAt
		snap.LastTransitionAt = &t
	}
	return snap
}

// ResetAll drops all circuit state. Called at startup so a fresh deploy does
// not inherit open circuits from before the restart.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = make(map[string]*tenantState)
}
