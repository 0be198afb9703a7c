//go:build linux && !amd64 && !386

package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// syncCaches flushes the mapping to its backing range. Data and
// instruction coherence come from the O_SYNC open in DevMem.Map, which
// makes the kernel map /dev/mem uncached; msync does not clean or
// invalidate CPU caches on such a mapping.
func syncCaches(mapping []byte) error {
	if err := unix.Msync(mapping, unix.MS_SYNC|unix.MS_INVALIDATE); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}
