// Package api defines the hvagent ttrpc service and a typed client for it.
//
// Every method takes and returns a JSON document carried in a
// google.protobuf.BytesValue. Errors cross the wire as gRPC status codes
// and come back as containerd errdefs classes.
package api

// ServiceName is the ttrpc service name.
const ServiceName = "hvagent.v1.Provisioner"

// Method names of ServiceName.
const (
	MethodCreate        = "Create"
	MethodBoot          = "Boot"
	MethodShutdown      = "Shutdown"
	MethodDiskImagePath = "DiskImagePath"
	MethodLaunchProcess = "LaunchProcess"
	MethodLaunchTask    = "LaunchTask"
	MethodList          = "List"
)

// Image is one caller buffer. With a PID on the request the image is read
// from that process at [Addr, Addr+Len); otherwise Data is used.
type Image struct {
	Data []byte `json:"data,omitempty"`
	Addr uint64 `json:"addr,omitempty"`
	Len  uint64 `json:"len,omitempty"`
}

// Empty reports whether the image carries nothing.
func (i Image) Empty() bool {
	return len(i.Data) == 0 && i.Len == 0
}

// RawConfig is an opaque hypervisor configuration.
type RawConfig struct {
	Config Image   `json:"config"`
	IDHint *uint64 `json:"id_hint,omitempty"`
}

// CreateRequest asks for a new VM.
type CreateRequest struct {
	// CPUs is a cpu list such as "2-3,6".
	CPUs string `json:"cpus"`
	// Kind is the VM type tag of a structured create.
	Kind uint64     `json:"kind,omitempty"`
	Raw  *RawConfig `json:"raw,omitempty"`

	Firmware Image `json:"firmware,omitempty"`
	Kernel   Image `json:"kernel,omitempty"`
	Ramdisk  Image `json:"ramdisk,omitempty"`

	DiskImagePath string `json:"disk_image_path,omitempty"`
	// PID, when set, makes every Image refer to memory of that process.
	PID int `json:"pid,omitempty"`
}

// VM describes a created VM.
type VM struct {
	ID         uint64 `json:"id"`
	CPUs       string `json:"cpus"`
	EntryPoint uint64 `json:"entry_point,omitempty"`
	Mode       string `json:"mode"`
}

// VMRequest names a VM.
type VMRequest struct {
	ID uint64 `json:"id"`
}

// DiskImagePathResponse carries the recorded disk image path.
type DiskImagePathResponse struct {
	Path string `json:"path"`
}

// LaunchProcessRequest hands CPUs to the hypervisor.
type LaunchProcessRequest struct {
	CPUs string `json:"cpus"`
}

// LaunchTaskRequest hands CPUs and a set of images to the hypervisor.
type LaunchTaskRequest struct {
	CPUs   string  `json:"cpus"`
	Type   uint64  `json:"type"`
	Images []Image `json:"images"`
	PID    int     `json:"pid,omitempty"`
}

// Record is one registry entry.
type Record struct {
	ID            uint64 `json:"id"`
	DiskImagePath string `json:"disk_image_path,omitempty"`
	Mode          string `json:"mode"`
	Kind          uint64 `json:"kind,omitempty"`
	CPUs          string `json:"cpus"`
	CreatedAt     string `json:"created_at"`
}

// ListResponse is a snapshot of the agent.
type ListResponse struct {
	VMs        []Record `json:"vms"`
	Assignable string   `json:"assignable"`
	Withdrawn  string   `json:"withdrawn"`
}

// Empty is the response of methods without a result.
type Empty struct{}
