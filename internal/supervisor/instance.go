package supervisor

import (
	"context"
	"sync"
	"time"
)

// InstanceState follows the per-agent lifecycle. failed is terminal until
// an operator deploys again.
type InstanceState string

const (
	StateStarting  InstanceState = "starting"
	StateRunning   InstanceState = "running"
	StateStopping  InstanceState = "stopping"
	StateStopped   InstanceState = "stopped"
	StateCrashLoop InstanceState = "crash_loop"
	StateFailed    InstanceState = "failed"
)

func (s InstanceState) live() bool {
	switch s {
	case StateStarting, StateRunning, StateCrashLoop:
		return true
	}
	return false
}

// Status is the operator-facing snapshot of one instance.
type Status struct {
	SpecID       string        `json:"spec_id"`
	Kind         string        `json:"kind"`
	State        InstanceState `json:"state"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	Uptime       float64       `json:"uptime_seconds"`
	LastHealthAt time.Time     `json:"last_health_at,omitzero"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

type instance struct {
	specID string
	kind   string

	mu           sync.Mutex
	state        InstanceState
	startedAt    time.Time
	lastHealthAt time.Time
	restartCount int
	restarts     []time.Time // restart timestamps inside the budget window
	lastError    string

	cancel context.CancelFunc
	done   chan struct{}
}

func (i *instance) setState(next InstanceState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = next
}

func (i *instance) getState() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *instance) setError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		i.lastError = err.Error()
	}
}

func (i *instance) markHealthy(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastHealthAt = now
}

// recordRestart prunes the window and reports whether the budget allows
// another restart.
func (i *instance) recordRestart(now time.Time, budget int, window time.Duration) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.restartCount++

	cutoff := now.Add(-window)
	kept := i.restarts[:0]
	for _, t := range i.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	i.restarts = append(kept, now)
	return len(i.restarts) <= budget
}

func (i *instance) status(now time.Time) Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := Status{
		SpecID:       i.specID,
		Kind:         i.kind,
		State:        i.state,
		StartedAt:    i.startedAt,
		LastHealthAt: i.lastHealthAt,
		RestartCount: i.restartCount,
		LastError:    i.lastError,
	}
	if i.state.live() && !i.startedAt.IsZero() {
		st.Uptime = now.Sub(i.startedAt).Seconds()
	}
	return st
}
