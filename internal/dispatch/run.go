package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// RunState represents the lifecycle of one engine invocation.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunCancelled RunState = "cancelled"
)

// Run is a supervised handle to a background send. The run is never
// detached: its completion and summary stay observable through the handle,
// and Cancel stops it between messages with partial results preserved.
type Run struct {
	ID string

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   RunState
	summary *Summary
}

// Start launches the engine in a background goroutine and returns the
// handle immediately.
func (e *Engine) Start(ctx context.Context, msgs []*Message, onProgress Progress) *Run {
	runCtx, cancel := context.WithCancel(ctx)

	r := &Run{
		ID:     uuid.New().String(),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  RunRunning,
	}

	go func() {
		defer close(r.done)
		defer cancel()

		summary := e.Run(runCtx, msgs, onProgress)

		r.mu.Lock()
		r.summary = summary
		if summary.Cancelled {
			r.state = RunCancelled
		} else {
			r.state = RunCompleted
		}
		r.mu.Unlock()
	}()

	return r
}

// Cancel requests the run to stop. The loop observes it between messages
// and inside pacing and backoff sleeps.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed when the run has finished, whether completed or cancelled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// State reports the run lifecycle state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Wait blocks until the run finishes and returns its summary. The summary
// holds partial results when the run was cancelled.
func (r *Run) Wait(ctx context.Context) (*Summary, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary, nil
}
