// Package usermem reads caller-owned buffers.
//
// Callers describe their data as (address, length) pairs. The address space
// depends on the Reader: a remote process for ProcessReader, or an inline
// payload for Bytes. Every read is bounds checked; any byte that cannot be
// read turns the whole read into lifecycle.ErrSourceFault.
package usermem

import (
	"context"
	"fmt"

	"github.com/spin-stack/hvagent/internal/lifecycle"
)

// Buffer locates caller data.
type Buffer struct {
	Addr uint64 `json:"addr"`
	Len  uint64 `json:"len"`
}

// Empty reports whether the buffer holds no data.
func (b Buffer) Empty() bool {
	return b.Len == 0
}

// End returns the first address past the buffer and false if the range
// wraps.
func (b Buffer) End() (uint64, bool) {
	end := b.Addr + b.Len
	return end, end >= b.Addr
}

// Reader copies caller memory into agent memory.
type Reader interface {
	// ReadAt fills dst from caller address addr. A short or failed read
	// returns an error matching lifecycle.ErrSourceFault.
	ReadAt(ctx context.Context, dst []byte, addr uint64) error
}

// Fault builds a source fault for the range [addr, addr+n).
func Fault(addr uint64, n int, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %#x+%d", lifecycle.ErrSourceFault, addr, n)
	}
	return fmt.Errorf("%w: %#x+%d: %w", lifecycle.ErrSourceFault, addr, n, cause)
}

// Bytes is an inline payload addressed from zero.
type Bytes []byte

var _ Reader = Bytes(nil)

func (b Bytes) ReadAt(_ context.Context, dst []byte, addr uint64) error {
	end := addr + uint64(len(dst))
	if end < addr || end > uint64(len(b)) {
		return Fault(addr, len(dst), nil)
	}
	copy(dst, b[addr:end])
	return nil
}

// Inline concatenates blobs into one payload and returns a Buffer for each
// blob, in order. Empty blobs get an empty Buffer.
func Inline(blobs ...[]byte) (Bytes, []Buffer) {
	total := 0
	for _, b := range blobs {
		total += len(b)
	}
	payload := make(Bytes, 0, total)
	bufs := make([]Buffer, len(blobs))
	for i, b := range blobs {
		if len(b) == 0 {
			continue
		}
		bufs[i] = Buffer{Addr: uint64(len(payload)), Len: uint64(len(b))}
		payload = append(payload, b...)
	}
	return payload, bufs
}

// Read returns a copy of buf from r.
func Read(ctx context.Context, r Reader, buf Buffer) ([]byte, error) {
	if _, ok := buf.End(); !ok {
		return nil, Fault(buf.Addr, int(buf.Len), nil)
	}
	out := make([]byte, buf.Len)
	if err := r.ReadAt(ctx, out, buf.Addr); err != nil {
		return nil, err
	}
	return out, nil
}
