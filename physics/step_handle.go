package physics

import (
	"context"
	"time"
)

// StepHandle tracks one dispatched step. Done is closed once every write of
// the step is visible to whoever receives from it.
type StepHandle struct {
	done chan struct{}

	// set before done is closed
	step    uint64
	elapsed time.Duration
}

func newStepHandle() *StepHandle {
	return &StepHandle{done: make(chan struct{})}
}

func completedHandle() *StepHandle {
	h := newStepHandle()
	close(h.done)
	return h
}

func (h *StepHandle) finish(step uint64, elapsed time.Duration) {
	h.step = step
	h.elapsed = elapsed
	close(h.done)
}

// Done is closed when the step has completed.
func (h *StepHandle) Done() <-chan struct{} { return h.done }

// Ready reports whether the step has completed, without blocking.
func (h *StepHandle) Ready() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the step completes or ctx is done. Cancelling ctx only
// stops the wait; the step itself keeps running.
func (h *StepHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Step returns the engine's step count after this step. Zero until Done.
func (h *StepHandle) Step() uint64 {
	if !h.Ready() {
		return 0
	}
	return h.step
}

// Elapsed returns how long the step took to compute. Zero until Done.
func (h *StepHandle) Elapsed() time.Duration {
	if !h.Ready() {
		return 0
	}
	return h.elapsed
}
