package hypercall

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Unassigned fills output fields before the create call. A field still
// holding it afterwards was not set by the hypervisor.
const Unassigned uint64 = 0xdeadbeef

// Create block sizes in bytes.
const (
	RawBlockSize        = 6 * 8
	StructuredBlockSize = 10 * 8
)

// Slot is a fixed image position in a structured create.
type Slot int

const (
	SlotFirmware Slot = iota
	SlotKernel
	SlotRamdisk

	NumSlots = 3
)

func (s Slot) String() string {
	switch s {
	case SlotFirmware:
		return "firmware"
	case SlotKernel:
		return "kernel"
	case SlotRamdisk:
		return "ramdisk"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// Slots lists image slots in load order.
var Slots = [NumSlots]Slot{SlotFirmware, SlotKernel, SlotRamdisk}

// Raw block layout: vm_id, raw_cfg_base, raw_cfg_size, then one host
// physical load address per slot.
const (
	rawVMID    = 0
	rawCfgBase = 8
	rawCfgSize = 16
	rawHPA     = 24
)

// Structured block layout: vm_id, vm_type, cpu_mask, entry_point, one
// guest physical load address per slot, one host physical load address
// per slot.
const (
	stVMID       = 0
	stVMType     = 8
	stCPUMask    = 16
	stEntryPoint = 24
	stGPA        = 32
	stHPA        = 56
)

// RawCreate is the input of a raw-configuration create.
type RawCreate struct {
	// VMID is a hint; Unassigned lets the hypervisor choose.
	VMID       uint64
	ConfigBase uint64
	ConfigSize uint64
}

// StructuredCreate is the input of a structured create.
type StructuredCreate struct {
	VMType  uint64
	CPUMask uint64
}

// ImageTarget is where the hypervisor wants one image.
type ImageTarget struct {
	GPA uint64
	HPA uint64
}

// Assigned reports whether the hypervisor set a host address.
func (t ImageTarget) Assigned() bool {
	return t.HPA != Unassigned && t.HPA != 0
}

// CreateResult holds the output fields of a create block.
type CreateResult struct {
	VMID       uint64
	EntryPoint uint64
	Targets    [NumSlots]ImageTarget
}

var errShortBlock = errors.New("create block too short")

// EncodeRaw writes a raw create block into dst.
func EncodeRaw(dst []byte, req RawCreate) error {
	if len(dst) < RawBlockSize {
		return errShortBlock
	}
	le := binary.LittleEndian
	le.PutUint64(dst[rawVMID:], req.VMID)
	le.PutUint64(dst[rawCfgBase:], req.ConfigBase)
	le.PutUint64(dst[rawCfgSize:], req.ConfigSize)
	for i := range NumSlots {
		le.PutUint64(dst[rawHPA+8*i:], Unassigned)
	}
	return nil
}

// DecodeRaw reads the output fields of a raw create block. Only call it
// after a successful create.
func DecodeRaw(src []byte) (CreateResult, error) {
	if len(src) < RawBlockSize {
		return CreateResult{}, errShortBlock
	}
	le := binary.LittleEndian
	res := CreateResult{VMID: le.Uint64(src[rawVMID:])}
	for i := range NumSlots {
		res.Targets[i].HPA = le.Uint64(src[rawHPA+8*i:])
	}
	return res, nil
}

// EncodeStructured writes a structured create block into dst. Every output
// field starts as Unassigned.
func EncodeStructured(dst []byte, req StructuredCreate) error {
	if len(dst) < StructuredBlockSize {
		return errShortBlock
	}
	le := binary.LittleEndian
	le.PutUint64(dst[stVMID:], Unassigned)
	le.PutUint64(dst[stVMType:], req.VMType)
	le.PutUint64(dst[stCPUMask:], req.CPUMask)
	le.PutUint64(dst[stEntryPoint:], Unassigned)
	for i := range NumSlots {
		le.PutUint64(dst[stGPA+8*i:], Unassigned)
		le.PutUint64(dst[stHPA+8*i:], Unassigned)
	}
	return nil
}

// DecodeStructured reads the output fields of a structured create block.
// Only call it after a successful create.
func DecodeStructured(src []byte) (CreateResult, error) {
	if len(src) < StructuredBlockSize {
		return CreateResult{}, errShortBlock
	}
	le := binary.LittleEndian
	res := CreateResult{
		VMID:       le.Uint64(src[stVMID:]),
		EntryPoint: le.Uint64(src[stEntryPoint:]),
	}
	for i := range NumSlots {
		res.Targets[i] = ImageTarget{
			GPA: le.Uint64(src[stGPA+8*i:]),
			HPA: le.Uint64(src[stHPA+8*i:]),
		}
	}
	return res, nil
}

// PutResult fills the output fields of a create block the way the
// hypervisor does. Hypervisor emulators and tests use it.
func PutResult(block []byte, structured bool, res CreateResult) error {
	le := binary.LittleEndian
	if structured {
		if len(block) < StructuredBlockSize {
			return errShortBlock
		}
		le.PutUint64(block[stVMID:], res.VMID)
		le.PutUint64(block[stEntryPoint:], res.EntryPoint)
		for i, t := range res.Targets {
			le.PutUint64(block[stGPA+8*i:], t.GPA)
			le.PutUint64(block[stHPA+8*i:], t.HPA)
		}
		return nil
	}
	if len(block) < RawBlockSize {
		return errShortBlock
	}
	le.PutUint64(block[rawVMID:], res.VMID)
	for i, t := range res.Targets {
		le.PutUint64(block[rawHPA+8*i:], t.HPA)
	}
	return nil
}
