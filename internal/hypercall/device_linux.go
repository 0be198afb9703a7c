//go:build linux

package hypercall

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// DefaultDevice is the hypervisor driver node.
const DefaultDevice = "/dev/jailhouse"

// ioctlHypercall is _IOWR(0, 0x80, struct ioctlArgs).
const ioctlHypercall = 0xc0280080

// ioctlArgs mirrors the driver's request structure.
type ioctlArgs struct {
	Op     uint32
	NArgs  uint32
	Args   [MaxArgs]uint64
	Result int64
}

// Device issues hypercalls through the hypervisor driver.
type Device struct {
	mu sync.Mutex
	f  *os.File
}

var _ Boundary = (*Device)(nil)

// OpenDevice opens the driver node at path.
func OpenDevice(path string) (*Device, error) {
	if path == "" {
		path = DefaultDevice
	}
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open hypervisor device %s: %w", path, err)
	}
	return &Device{f: f}, nil
}

func (d *Device) Call(ctx context.Context, op Op, args ...uint64) (int64, error) {
	if len(args) > MaxArgs {
		return 0, fmt.Errorf("%s: %d arguments, at most %d allowed", op, len(args), MaxArgs)
	}
	req := ioctlArgs{Op: uint32(op), NArgs: uint32(len(args))}
	copy(req.Args[:], args)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return 0, fmt.Errorf("%s: device closed", op)
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), ioctlHypercall, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return 0, fmt.Errorf("%s: ioctl: %w", op, errno)
	}

	log.G(ctx).WithFields(log.Fields{
		"op":     op.String(),
		"args":   args,
		"result": req.Result,
	}).Debug("hypercall")
	return Check(op, req.Result)
}

// Close releases the driver node.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
