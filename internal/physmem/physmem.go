// Package physmem maps host physical memory into the agent.
//
// A Window covers a page-aligned span around the requested range and
// exposes only the requested bytes. Callers must Close every window;
// the rest of the agent never handles raw addresses directly.
package physmem

import (
	"context"
	"errors"
)

// PageSize is the mapping granularity.
const PageSize = 4096

// ErrOutOfRange is returned when a range lies outside what a mapper can
// reach or wraps the address space.
var ErrOutOfRange = errors.New("physical range out of bounds")

// Window is a mapped view of a physical range.
type Window interface {
	// Bytes returns the requested range, not the page-aligned mapping.
	Bytes() []byte
	// Sync writes back data caches and invalidates instruction caches for
	// the mapped range, so the hypervisor and guest see what was written.
	Sync() error
	// Close unmaps the window. It is safe to call more than once.
	Close() error
}

// Mapper maps physical ranges.
type Mapper interface {
	Map(ctx context.Context, phys uint64, size uint64) (Window, error)
}

// AlignDown rounds v down to a page boundary.
func AlignDown(v uint64) uint64 {
	return v &^ (PageSize - 1)
}

// AlignUp rounds v up to a page boundary.
func AlignUp(v uint64) uint64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

// span returns the page-aligned base, the offset of phys inside it and the
// aligned mapping length.
func span(phys, size uint64) (base, offset, length uint64, err error) {
	if size == 0 {
		return 0, 0, 0, errors.New("zero-length mapping")
	}
	end := phys + size
	if end < phys || AlignUp(end) < end {
		return 0, 0, 0, ErrOutOfRange
	}
	base = AlignDown(phys)
	offset = phys - base
	length = AlignUp(offset + size)
	return base, offset, length, nil
}
