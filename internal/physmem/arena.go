package physmem

import (
	"context"
	"fmt"
	"sync"
)

// Arena is an in-memory stand-in for a physical range. It is used by
// tests and by dry-run agents that have no hypervisor.
type Arena struct {
	mu   sync.Mutex
	base uint64
	mem  []byte

	// MapErr, when set, makes every Map fail.
	MapErr error

	open  int
	syncs int
}

var _ Mapper = (*Arena)(nil)

// NewArena returns size bytes of zeroed "physical" memory starting at base.
func NewArena(base uint64, size int) *Arena {
	return &Arena{base: base, mem: make([]byte, size)}
}

// Base returns the first physical address of the arena.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the arena length in bytes.
func (a *Arena) Size() int { return len(a.mem) }

func (a *Arena) Map(_ context.Context, phys uint64, size uint64) (Window, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.MapErr != nil {
		return nil, a.MapErr
	}
	base, offset, length, err := span(phys, size)
	if err != nil {
		return nil, err
	}
	if base < a.base || base+length > a.base+uint64(len(a.mem)) {
		return nil, fmt.Errorf("%#x+%#x outside arena: %w", phys, size, ErrOutOfRange)
	}
	start := phys - a.base
	a.open++
	return &arenaWindow{
		arena: a,
		data:  a.mem[start : start+size : start-offset+length],
	}, nil
}

// Read copies size bytes at phys out of the arena.
func (a *Arena) Read(phys uint64, size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := phys - a.base
	return append([]byte(nil), a.mem[start:start+uint64(size)]...)
}

// Write copies b into the arena at phys.
func (a *Arena) Write(phys uint64, b []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.mem[phys-a.base:], b)
}

// OpenWindows returns the number of windows not yet closed.
func (a *Arena) OpenWindows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Syncs returns how many times a window was synced.
func (a *Arena) Syncs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncs
}

type arenaWindow struct {
	arena  *Arena
	data   []byte
	closed bool
}

func (w *arenaWindow) Bytes() []byte { return w.data }

func (w *arenaWindow) Sync() error {
	w.arena.mu.Lock()
	defer w.arena.mu.Unlock()
	if w.closed {
		return fmt.Errorf("sync: window closed")
	}
	w.arena.syncs++
	return nil
}

func (w *arenaWindow) Close() error {
	w.arena.mu.Lock()
	defer w.arena.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.arena.open--
	}
	return nil
}
