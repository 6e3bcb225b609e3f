// Package workerstatus replaces the process-global status map the
// upstream service stashes worker state on with an injected service:
// workers write through it, the health handler and the supervisor's
// periodic status-log tick read from it. State lives in memory only; it
// is not written to the store. A second Tracker in the same process is
// fully independent, which a package-level map could never be.
package workerstatus

import (
	"sync"
	"time"

	"ingestd/internal/models"
)

// Tracker holds the latest known state of every registered worker in
// memory. It is safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	state map[string]models.WorkerStatus
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{state: make(map[string]models.WorkerStatus)}
}

// SetRunning marks a worker as actively making progress.
func (t *Tracker) SetRunning(name string) {
	t.set(name, models.WorkerRunning, "")
}

// SetIdle marks a worker as caught up / waiting for new work, which still
// counts as healthy.
func (t *Tracker) SetIdle(name string) {
	t.set(name, models.WorkerIdle, "")
}

// SetError records a transient failure without killing the worker.
func (t *Tracker) SetError(name string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.set(name, models.WorkerError, msg)
}

// SetStopped marks a worker as having exited its loop (shutdown).
func (t *Tracker) SetStopped(name string) {
	t.set(name, models.WorkerStopped, "")
}

func (t *Tracker) set(name string, state models.WorkerState, lastErr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	st := t.state[name]
	st.Name = name
	st.State = state
	st.UpdatedAt = now
	if lastErr != "" {
		st.LastError = lastErr
		st.LastErrorAt = &now
	}
	t.state[name] = st
}

// Snapshot returns a copy of every worker's current status.
func (t *Tracker) Snapshot() []models.WorkerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.WorkerStatus, 0, len(t.state))
	for _, st := range t.state {
		out = append(out, st)
	}
	return out
}

// Healthy reports whether at least one worker is running or idle, per the
// health endpoint's contract.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, st := range t.state {
		if st.State == models.WorkerRunning || st.State == models.WorkerIdle {
			return true
		}
	}
	return false
}
