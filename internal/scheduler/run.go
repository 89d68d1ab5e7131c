package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/trade-engine/series-archiver/pkg/schema"
)

// Run is the handle for one in-flight update. State moves
// Idle -> Running -> {Completed, Cancelled, Failed}; Completed covers partial
// runs where individual tasks were skipped.
type Run struct {
	id         string
	cancelWait context.CancelFunc
	done       chan struct{}

	stop atomic.Bool

	mu       sync.RWMutex
	state    schema.RunState
	err      error
	outcomes map[schema.SeriesKey]*Outcome
}

func newRunID() string { return uuid.New().String() }

func (r *Run) ID() string { return r.id }

// Cancel requests a graceful stop: no new fetches are issued, a blocked rate
// limiter wait is released, and any in-flight fetch still finishes and
// commits before the run reports Cancelled.
func (r *Run) Cancel() {
	r.stop.Store(true)
	r.cancelWait()
}

// Wait blocks until the run finishes and returns its fatal error, if any.
func (r *Run) Wait() error {
	<-r.done
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Done exposes the completion channel for select loops.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) State() schema.RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Outcomes returns a copy of the per-series tallies accumulated so far.
func (r *Run) Outcomes() map[schema.SeriesKey]Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[schema.SeriesKey]Outcome, len(r.outcomes))
	for key, outcome := range r.outcomes {
		out[key] = *outcome
	}
	return out
}

func (r *Run) stopping() bool { return r.stop.Load() }

func (r *Run) setRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = schema.RunRunning
}

func (r *Run) addOutcome(key schema.SeriesKey, update func(*Outcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcome, ok := r.outcomes[key]
	if !ok {
		outcome = &Outcome{}
		r.outcomes[key] = outcome
	}
	update(outcome)
}

func (r *Run) finish(state schema.RunState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	r.err = err
}
