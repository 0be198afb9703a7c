// Package hypercall talks to the hypervisor: operation codes, the call
// boundary, and the fixed-layout create blocks exchanged through shared
// physical memory.
package hypercall

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/hvagent/internal/lifecycle"
)

// Op is a hypercall operation code.
type Op uint32

const (
	// OpAxProcessUp registers a CPU set with the hypervisor.
	OpAxProcessUp Op = 9
	// OpAxTaskUp registers a CPU set together with a packed image set.
	OpAxTaskUp Op = 10
	// OpVMCreate creates a VM from a create block at a physical address.
	OpVMCreate Op = 11
	// OpVMBoot starts a created VM.
	OpVMBoot Op = 12
	// OpVMShutdown stops a VM.
	OpVMShutdown Op = 13
)

func (o Op) String() string {
	switch o {
	case OpAxProcessUp:
		return "axprocess_up"
	case OpAxTaskUp:
		return "axtask_up"
	case OpVMCreate:
		return "vm_create"
	case OpVMBoot:
		return "vm_boot"
	case OpVMShutdown:
		return "vm_shutdown"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}

// MaxArgs is the number of arguments a hypercall carries.
const MaxArgs = 3

// Boundary issues hypercalls.
//
// Call returns the non-negative result of op. A negative result is
// returned as a *lifecycle.HypercallError; any other error means the call
// could not be issued.
type Boundary interface {
	Call(ctx context.Context, op Op, args ...uint64) (int64, error)
}

// Check converts a raw result code into Call's return convention.
func Check(op Op, code int64) (int64, error) {
	if code < 0 {
		return 0, &lifecycle.HypercallError{Op: op.String(), Code: code}
	}
	return code, nil
}

type timeoutBoundary struct {
	next    Boundary
	timeout time.Duration
	// late counts timed-out calls still running in next.
	late atomic.Int64
}

// WithTimeout bounds every call on b. When the deadline passes the caller
// gets lifecycle.ErrHypercallTimeout; the underlying call cannot be
// interrupted and is left to finish in the background. Cancelling the
// caller's context does not end the wait, only the timeout does.
func WithTimeout(b Boundary, d time.Duration) Boundary {
	if d <= 0 {
		return b
	}
	return &timeoutBoundary{next: b, timeout: d}
}

// Outstanding reports how many calls on b timed out and have not returned
// yet. It is zero for boundaries not built by WithTimeout.
func Outstanding(b Boundary) int64 {
	if t, ok := b.(*timeoutBoundary); ok {
		return t.late.Load()
	}
	return 0
}

type callResult struct {
	code int64
	err  error
}

func (t *timeoutBoundary) Call(ctx context.Context, op Op, args ...uint64) (int64, error) {
	ctx = context.WithoutCancel(ctx)

	done := make(chan callResult, 1)
	go func() {
		code, err := t.next.Call(ctx, op, args...)
		done <- callResult{code: code, err: err}
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.code, r.err
	case <-timer.C:
		logger := log.G(ctx).WithFields(log.Fields{
			"op":      op.String(),
			"timeout": t.timeout,
		})
		logger.WithField("outstanding", t.late.Add(1)).Warn("hypercall did not return in time")
		go func() {
			r := <-done
			t.late.Add(-1)
			logger.WithField("result", r.code).WithError(r.err).Warn("timed out hypercall returned")
		}()
		return 0, fmt.Errorf("%s: %w", op, lifecycle.ErrHypercallTimeout)
	}
}
