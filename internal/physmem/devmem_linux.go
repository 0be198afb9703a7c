//go:build linux

package physmem

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// DefaultDevice is the character device exposing host physical memory.
const DefaultDevice = "/dev/mem"

// DevMem maps physical memory through a /dev/mem style device.
type DevMem struct {
	path string
	// limit, when set, bounds the reachable physical range to [lo, hi).
	lo, hi uint64
}

// NewDevMem returns a mapper over the given device. If hi is non-zero only
// ranges inside [lo, hi) may be mapped.
func NewDevMem(path string, lo, hi uint64) *DevMem {
	if path == "" {
		path = DefaultDevice
	}
	return &DevMem{path: path, lo: lo, hi: hi}
}

func (d *DevMem) Map(ctx context.Context, phys uint64, size uint64) (Window, error) {
	base, offset, length, err := span(phys, size)
	if err != nil {
		return nil, err
	}
	if d.hi != 0 && (phys < d.lo || phys+size > d.hi) {
		return nil, fmt.Errorf("%#x+%#x outside [%#x, %#x): %w", phys, size, d.lo, d.hi, ErrOutOfRange)
	}

	// O_SYNC makes the mapping uncached, so stores reach memory the
	// hypervisor and guest read without cache maintenance.
	f, err := os.OpenFile(d.path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.path, err)
	}
	// The mapping outlives the descriptor.
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), int64(base), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %#x (%d bytes): %w", base, length, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"phys":   fmt.Sprintf("%#x", phys),
		"base":   fmt.Sprintf("%#x", base),
		"length": length,
	}).Debug("mapped physical window")

	return &devWindow{
		mapping: mem,
		data:    mem[offset : offset+size],
	}, nil
}

type devWindow struct {
	mu      sync.Mutex
	mapping []byte
	data    []byte
}

func (w *devWindow) Bytes() []byte {
	return w.data
}

func (w *devWindow) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mapping == nil {
		return fmt.Errorf("sync: window closed")
	}
	return syncCaches(w.mapping)
}

func (w *devWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mapping == nil {
		return nil
	}
	err := unix.Munmap(w.mapping)
	w.mapping = nil
	w.data = nil
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
