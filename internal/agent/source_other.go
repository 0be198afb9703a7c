//go:build !linux

package agent

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/hvagent/internal/usermem"
)

func processReader(int) (usermem.Reader, error) {
	return nil, fmt.Errorf("reading caller process memory: %w", errdefs.ErrNotImplemented)
}
