// Package hypercalltest provides a scripted hypercall.Boundary.
package hypercalltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/spin-stack/hvagent/internal/hypercall"
)

// Handler produces the raw result code for one call.
type Handler func(ctx context.Context, args []uint64) int64

// Call is one recorded hypercall.
type Call struct {
	Op   hypercall.Op
	Args []uint64
}

func (c Call) String() string {
	return fmt.Sprintf("%s%v", c.Op, c.Args)
}

// Boundary answers hypercalls from per-op handlers. Ops without a handler
// succeed with result 0.
type Boundary struct {
	mu       sync.Mutex
	handlers map[hypercall.Op]Handler
	calls    []Call
}

var _ hypercall.Boundary = (*Boundary)(nil)

// New returns a Boundary with no handlers.
func New() *Boundary {
	return &Boundary{handlers: map[hypercall.Op]Handler{}}
}

// Handle installs h for op.
func (b *Boundary) Handle(op hypercall.Op, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[op] = h
}

// Fail makes op return code.
func (b *Boundary) Fail(op hypercall.Op, code int64) {
	b.Handle(op, func(context.Context, []uint64) int64 { return code })
}

// Calls returns every call made so far.
func (b *Boundary) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Count returns how many times op was called.
func (b *Boundary) Count(op hypercall.Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (b *Boundary) Call(ctx context.Context, op hypercall.Op, args ...uint64) (int64, error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Op: op, Args: append([]uint64(nil), args...)})
	h := b.handlers[op]
	b.mu.Unlock()

	var code int64
	if h != nil {
		code = h(ctx, args)
	}
	return hypercall.Check(op, code)
}
