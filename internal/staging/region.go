// Package staging hands out page-granular buffers from a host-owned,
// physically contiguous region. The hypervisor dereferences these buffers
// by physical address, so create blocks, raw configurations and packed
// image sets are built here.
package staging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/containerd/log"

	"github.com/spin-stack/hvagent/internal/physmem"
)

// ErrExhausted is returned when no run of free pages is large enough.
var ErrExhausted = errors.New("staging region exhausted")

// Buffer is a block of the region addressable both by the agent and by
// physical address.
type Buffer struct {
	Bytes []byte
	Phys  uint64

	first, pages int
}

// Region is a bitmap page allocator over one mapped window.
type Region struct {
	mu     sync.Mutex
	window physmem.Window
	base   uint64
	pages  int
	bitmap []uint64
	used   int
}

// Open maps [base, base+size) and returns an allocator over it. base must
// be page aligned.
func Open(ctx context.Context, m physmem.Mapper, base, size uint64) (*Region, error) {
	if base%physmem.PageSize != 0 {
		return nil, fmt.Errorf("staging base %#x is not page aligned", base)
	}
	pages := int(size / physmem.PageSize)
	if pages == 0 {
		return nil, fmt.Errorf("staging region of %d bytes holds no pages", size)
	}
	w, err := m.Map(ctx, base, uint64(pages)*physmem.PageSize)
	if err != nil {
		return nil, fmt.Errorf("map staging region: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{
		"base":  fmt.Sprintf("%#x", base),
		"pages": pages,
	}).Info("staging region initialized")

	return &Region{
		window: w,
		base:   base,
		pages:  pages,
		bitmap: make([]uint64, (pages+63)/64),
	}, nil
}

// Alloc returns a zeroed buffer of at least size bytes.
func (r *Region) Alloc(size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, errors.New("zero-size staging buffer")
	}
	n := int(physmem.AlignUp(size) / physmem.PageSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	first, ok := r.findFree(n)
	if !ok {
		return nil, fmt.Errorf("%d pages requested, %d of %d in use: %w", n, r.used, r.pages, ErrExhausted)
	}
	for p := first; p < first+n; p++ {
		r.bitmap[p/64] |= 1 << (uint(p) % 64)
	}
	r.used += n

	off := first * physmem.PageSize
	b := r.window.Bytes()[off : off+n*physmem.PageSize]
	clear(b)
	return &Buffer{
		Bytes: b[:size],
		Phys:  r.base + uint64(off),
		first: first,
		pages: n,
	}, nil
}

// Free returns buf to the region. Freeing nil is a no-op.
func (r *Region) Free(buf *Buffer) {
	if buf == nil || buf.pages == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := buf.first; p < buf.first+buf.pages; p++ {
		r.bitmap[p/64] &^= 1 << (uint(p) % 64)
	}
	r.used -= buf.pages
	buf.pages = 0
	buf.Bytes = nil
}

// Sync makes buffer contents visible to the hypervisor.
func (r *Region) Sync() error {
	return r.window.Sync()
}

// InUse returns the number of allocated pages.
func (r *Region) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Close unmaps the region.
func (r *Region) Close() error {
	return r.window.Close()
}

// findFree returns the first run of n clear bits, first fit.
func (r *Region) findFree(n int) (int, bool) {
	run := 0
	for p := 0; p < r.pages; p++ {
		w := r.bitmap[p/64]
		if p%64 == 0 && w == ^uint64(0) {
			p += 63
			run = 0
			continue
		}
		if p%64 == 0 && w == 0 && r.pages-p >= 64 {
			// Whole word free.
			run += 64
			if run >= n {
				return p + 64 - run, true
			}
			p += 63
			continue
		}
		if w&(1<<(uint(p)%64)) != 0 {
			run = 0
			continue
		}
		run++
		if run >= n {
			return p - n + 1, true
		}
	}
	return 0, false
}

