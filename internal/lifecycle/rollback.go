package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/containerd/log"
)

// UndoFunc reverses one completed step.
type UndoFunc func(ctx context.Context) error

type undoStep struct {
	name string
	fn   UndoFunc
}

// Rollback is a stack of undo steps. Steps are pushed as work completes
// and run in reverse order on failure. A deferred Fail after Success is a
// no-op, so the usual shape is:
//
//	rb := lifecycle.NewRollback()
//	defer rb.Fail(ctx)
//	... rb.Add("reservation", undo) ...
//	rb.Success()
type Rollback struct {
	mu    sync.Mutex
	steps []undoStep
	done  bool
}

// NewRollback returns an empty rollback stack.
func NewRollback() *Rollback {
	return &Rollback{}
}

// Add pushes an undo step.
func (r *Rollback) Add(name string, fn UndoFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, undoStep{name: name, fn: fn})
}

// Len returns the number of pending undo steps.
func (r *Rollback) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

// Success discards all undo steps.
func (r *Rollback) Success() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = nil
	r.done = true
}

// Fail runs every pending undo step, last added first. All steps run even
// if earlier ones fail; the failures are joined and logged, and returned
// for callers that want them. The original error of the operation is the
// caller's to surface.
func (r *Rollback) Fail(ctx context.Context) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil
	}
	steps := r.steps
	r.steps = nil
	r.done = true
	r.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		log.G(ctx).WithField("step", step.name).Debug("rollback: undoing step")
		if err := step.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		log.G(ctx).WithError(err).Warn("rollback completed with errors")
	} else if len(steps) > 0 {
		log.G(ctx).WithField("steps", len(steps)).Debug("rollback completed")
	}
	return err
}
