// Package stager copies boot images from caller memory into the physical
// ranges the hypervisor assigned for them.
package stager

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/spin-stack/hvagent/internal/hypercall"
	"github.com/spin-stack/hvagent/internal/lifecycle"
	"github.com/spin-stack/hvagent/internal/physmem"
	"github.com/spin-stack/hvagent/internal/usermem"
)

// DefaultChunk is how much is copied between cancellation checks.
const DefaultChunk = 64 * physmem.PageSize

// PreloadImage describes one image to load.
type PreloadImage struct {
	Name   string
	Source usermem.Buffer
	// Target is the host physical address from the create reply.
	Target uint64
}

// Stager loads images through a physical memory mapper.
type Stager struct {
	mapper physmem.Mapper
	chunk  int
}

// Opt configures a Stager.
type Opt func(*Stager)

// WithChunkSize sets the copy granularity.
func WithChunkSize(n int) Opt {
	return func(s *Stager) {
		if n > 0 {
			s.chunk = n
		}
	}
}

// New returns a stager writing through m.
func New(m physmem.Mapper, opts ...Opt) *Stager {
	s := &Stager{mapper: m, chunk: DefaultChunk}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load copies img.Source from src to img.Target and makes the result
// visible to other execution contexts. The mapping is always released.
// On a source fault the target may hold a partial copy.
func (s *Stager) Load(ctx context.Context, src usermem.Reader, img PreloadImage) (retErr error) {
	if img.Target == hypercall.Unassigned || img.Target == 0 {
		return lifecycle.Invalidf("%s image has no assigned load address", img.Name)
	}
	if img.Source.Empty() {
		return nil
	}
	if _, ok := img.Source.End(); !ok {
		return usermem.Fault(img.Source.Addr, int(img.Source.Len), nil)
	}

	logger := log.G(ctx).WithFields(log.Fields{
		"image":  img.Name,
		"target": fmt.Sprintf("%#x", img.Target),
		"size":   img.Source.Len,
	})

	w, err := s.mapper.Map(ctx, img.Target, img.Source.Len)
	if err != nil {
		return fmt.Errorf("%w: %#x+%d: %w", lifecycle.ErrMapFailed, img.Target, img.Source.Len, err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.WithError(err).Warn("failed to release image window")
			if retErr == nil {
				retErr = fmt.Errorf("release window: %w", err)
			}
		}
	}()

	dst := w.Bytes()
	for off := 0; off < len(dst); off += s.chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+s.chunk, len(dst))
		if err := src.ReadAt(ctx, dst[off:end], img.Source.Addr+uint64(off)); err != nil {
			return err
		}
	}

	if err := w.Sync(); err != nil {
		return fmt.Errorf("cache maintenance: %w", err)
	}

	logger.Debug("image loaded")
	return nil
}
