package provision

import (
	"github.com/spin-stack/hvagent/internal/cpuset"
	"github.com/spin-stack/hvagent/internal/hypercall"
	"github.com/spin-stack/hvagent/internal/registry"
	"github.com/spin-stack/hvagent/internal/usermem"
)

// CreateRequest describes one VM. Exactly one configuration style is used:
// Raw when set, structured otherwise. Both styles may carry images, which
// are loaded where the hypervisor says.
type CreateRequest struct {
	CPUs cpuset.CPUSet
	// Kind is the VM type tag passed to the hypervisor in structured mode.
	Kind uint64
	Raw  *RawConfig
	// Images are indexed by hypercall.Slot. Empty buffers are skipped.
	Images        [hypercall.NumSlots]usermem.Buffer
	DiskImagePath string
	// Source resolves every Buffer of the request.
	Source usermem.Reader
}

// RawConfig is an opaque configuration handed to the hypervisor verbatim.
type RawConfig struct {
	Config usermem.Buffer
	// IDHint asks for a VM id. The hypervisor's answer wins.
	IDHint *uint64
}

// Mode returns the configuration style of the request.
func (r *CreateRequest) Mode() registry.Mode {
	if r.Raw != nil {
		return registry.ModeRaw
	}
	return registry.ModeStructured
}

// TaskRequest registers a CPU set with a packed image set.
type TaskRequest struct {
	CPUs   cpuset.CPUSet
	Type   uint64
	Images []usermem.Buffer
	Source usermem.Reader
}

// Limits bounds request sizes.
type Limits struct {
	MaxImages    int
	MaxImageSize uint64
	MaxRawConfig uint64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxImages:    8,
		MaxImageSize: 256 << 20,
		MaxRawConfig: 1 << 20,
	}
}

// VM is the result of a successful create.
type VM struct {
	ID         uint64        `json:"id"`
	CPUs       cpuset.CPUSet `json:"cpus"`
	EntryPoint uint64        `json:"entry_point,omitempty"`
	Mode       registry.Mode `json:"mode"`
}
