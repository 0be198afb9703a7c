//go:build linux

package usermem

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxIovLen keeps each process_vm_readv call well under the kernel's
// per-call limit so cancellation is observed between calls.
const maxIovLen = 1 << 20

// ProcessReader reads the address space of another process.
// The agent needs CAP_SYS_PTRACE or the same credentials as the target.
type ProcessReader struct {
	PID int
}

var _ Reader = ProcessReader{}

func (p ProcessReader) ReadAt(ctx context.Context, dst []byte, addr uint64) error {
	if end := addr + uint64(len(dst)); end < addr {
		return Fault(addr, len(dst), nil)
	}
	for off := 0; off < len(dst); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(len(dst)-off, maxIovLen)
		chunk := dst[off : off+n]
		remote := addr + uint64(off)

		local := []unix.Iovec{{Base: unsafe.SliceData(chunk)}}
		local[0].SetLen(n)
		rem := []unix.RemoteIovec{{Base: uintptr(remote), Len: n}}

		got, err := unix.ProcessVMReadv(p.PID, local, rem, 0)
		if err != nil {
			if errors.Is(err, unix.EFAULT) || errors.Is(err, unix.ESRCH) {
				return Fault(remote, n, err)
			}
			return fmt.Errorf("process_vm_readv pid %d: %w", p.PID, err)
		}
		if got != n {
			return Fault(remote+uint64(got), n-got, nil)
		}
		off += n
	}
	return nil
}
