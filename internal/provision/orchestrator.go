// Package provision creates, boots and shuts down guest VMs.
//
// A create reserves host CPUs, asks the hypervisor to create the VM, loads
// the boot images at the addresses the hypervisor returned and records the
// VM. Any failure after the reservation unwinds every completed step in
// reverse, so a failed create leaves no registry entry and no withdrawn
// CPUs behind.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/hvagent/internal/cpuset"
	"github.com/spin-stack/hvagent/internal/hypercall"
	"github.com/spin-stack/hvagent/internal/lifecycle"
	"github.com/spin-stack/hvagent/internal/registry"
	"github.com/spin-stack/hvagent/internal/reservation"
	"github.com/spin-stack/hvagent/internal/stager"
	"github.com/spin-stack/hvagent/internal/staging"
	"github.com/spin-stack/hvagent/internal/usermem"
)

// CPUReserver withdraws host CPUs.
type CPUReserver interface {
	Reserve(ctx context.Context, mask cpuset.CPUSet) (*reservation.Reservation, error)
	Release(ctx context.Context, res *reservation.Reservation)
	Commit(ctx context.Context, res *reservation.Reservation, owner string) error
	Assignable() cpuset.CPUSet
	Withdrawn() cpuset.CPUSet
}

// ImageLoader places one image in physical memory.
type ImageLoader interface {
	Load(ctx context.Context, src usermem.Reader, img stager.PreloadImage) error
}

// StagingArea provides buffers the hypervisor can read by physical address.
type StagingArea interface {
	Alloc(size uint64) (*staging.Buffer, error)
	Free(buf *staging.Buffer)
	Sync() error
}

// Reservation owners recorded in the ledger.
const (
	ownerCreating = "create-in-progress"
	ownerProcess  = "axprocess"
	ownerTask     = "axtask"
	ownerVMPrefix = "vm-"
)

func vmOwner(id uint64) string {
	return ownerVMPrefix + strconv.FormatUint(id, 10)
}

// Orchestrator serializes every provisioning operation.
type Orchestrator struct {
	mu sync.Mutex

	cpus     CPUReserver
	hv       hypercall.Boundary
	loader   ImageLoader
	area     StagingArea
	registry *registry.Registry
	metrics  MetricsProvider
	limits   Limits

	issueShutdown bool
	registerCPUs  bool

	// vms maps live VM ids to the CPUs they own.
	vms map[uint64]*reservation.Reservation
	// held are reservations owned by the hypervisor without a VM id:
	// legacy launches and interrupted creates found at recovery.
	held []*reservation.Reservation
	// quarantined are staging buffers passed to a hypercall that timed out.
	// The hypervisor may still write them, so they are never reused.
	quarantined []*staging.Buffer
}

// Opt configures an Orchestrator.
type Opt func(*Orchestrator)

// WithMetrics sets the metrics provider.
func WithMetrics(m MetricsProvider) Opt {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLimits sets request size limits.
func WithLimits(l Limits) Opt {
	return func(o *Orchestrator) {
		o.limits = l
	}
}

// WithIssueShutdown makes Shutdown send VM_SHUTDOWN and release the VM's
// CPUs. Without it Shutdown only logs.
func WithIssueShutdown(enabled bool) Opt {
	return func(o *Orchestrator) {
		o.issueShutdown = enabled
	}
}

// WithRegisterCPUs registers the CPU mask with AXPROCESS_UP before each
// VM create.
func WithRegisterCPUs(enabled bool) Opt {
	return func(o *Orchestrator) {
		o.registerCPUs = enabled
	}
}

// New returns an orchestrator over the given collaborators.
func New(cpus CPUReserver, hv hypercall.Boundary, loader ImageLoader, area StagingArea, reg *registry.Registry, opts ...Opt) *Orchestrator {
	o := &Orchestrator{
		cpus:     cpus,
		hv:       hv,
		loader:   loader,
		area:     area,
		registry: reg,
		metrics:  NewNoopMetricsProvider(),
		limits:   DefaultLimits(),
		vms:      make(map[uint64]*reservation.Reservation),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create provisions a VM. On error nothing the call did is left behind,
// except a hypervisor-side VM when the hypervisor cannot be asked to drop
// it (see WithIssueShutdown).
//
// Once started a create runs to completion or rollback even if ctx is
// cancelled; only the configured timeouts bound it.
func (o *Orchestrator) Create(ctx context.Context, req *CreateRequest) (_ *VM, retErr error) {
	if req == nil {
		return nil, lifecycle.Invalidf("empty create request")
	}
	ctx = context.WithoutCancel(ctx)
	mask, err := o.validateCreate(req)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	attempt := lifecycle.NewAttempt()
	rb := lifecycle.NewRollback()
	logger := log.G(ctx).WithFields(log.Fields{
		"cpus": req.CPUs.String(),
		"mode": string(req.Mode()),
	})

	defer func() {
		o.metrics.ObserveCreateDuration(time.Since(start))
		if retErr == nil {
			return
		}
		failed := attempt.RollBack()
		o.metrics.IncrementCreateFailures(failed.String())
		_ = rb.Fail(ctx)
		o.updateGauges()
		logger.WithError(retErr).WithField("state", failed.String()).Error("vm create failed")
	}()

	if err := attempt.Advance(lifecycle.StateCpusReserving); err != nil {
		return nil, err
	}
	res, err := o.cpus.Reserve(ctx, req.CPUs)
	if err != nil {
		return nil, err
	}
	rb.Add("cpu reservation", func(ctx context.Context) error {
		o.cpus.Release(ctx, res)
		return nil
	})
	// Crash safety: until the create settles these CPUs may already belong
	// to the hypervisor, so recovery must keep them withdrawn.
	if err := o.cpus.Commit(ctx, res, ownerCreating); err != nil {
		return nil, lifecycle.NewReservationError(-1, err)
	}

	if o.registerCPUs {
		if err := o.call(ctx, hypercall.OpAxProcessUp, mask); err != nil {
			return nil, err
		}
	}

	if err := attempt.Advance(lifecycle.StateHypercallPending); err != nil {
		return nil, err
	}
	result, err := o.createVM(ctx, req, mask)
	if err != nil {
		return nil, err
	}
	vmID := result.VMID
	logger = logger.WithField("vm_id", vmID)

	if vmID >= o.registry.MaxVMs() {
		o.orphan(ctx, vmID, "hypervisor assigned an id outside the registry bound")
		return nil, fmt.Errorf("hypervisor assigned vm id %#x, limit %d: %w", vmID, o.registry.MaxVMs(), lifecycle.ErrInvalidID)
	}
	if _, live := o.vms[vmID]; live {
		o.orphan(ctx, vmID, "hypervisor reused the id of a live vm")
		return nil, fmt.Errorf("vm %d is still live: %w", vmID, lifecycle.ErrAlreadyExists)
	}
	rb.Add("hypervisor vm", func(ctx context.Context) error {
		return o.abandon(ctx, vmID)
	})

	if err := attempt.Advance(lifecycle.StateImagesLoading); err != nil {
		return nil, err
	}
	for _, slot := range hypercall.Slots {
		buf := req.Images[slot]
		if buf.Empty() {
			continue
		}
		img := stager.PreloadImage{
			Name:   slot.String(),
			Source: buf,
			Target: result.Targets[slot].HPA,
		}
		if err := o.loader.Load(ctx, req.Source, img); err != nil {
			return nil, &lifecycle.StageError{Image: slot.String(), Err: err}
		}
		logger.WithFields(log.Fields{
			"image":  slot.String(),
			"target": fmt.Sprintf("%#x", img.Target),
		}).Debug("image staged")
	}

	if err := attempt.Advance(lifecycle.StateRegistering); err != nil {
		return nil, err
	}
	if err := o.registry.Register(registry.Record{
		ID:            vmID,
		DiskImagePath: req.DiskImagePath,
		Mode:          req.Mode(),
		Kind:          req.Kind,
		CPUs:          res.CPUs,
	}); err != nil {
		return nil, err
	}
	rb.Add("registry record", func(context.Context) error {
		return o.registry.Remove(vmID)
	})
	if err := o.cpus.Commit(ctx, res, vmOwner(vmID)); err != nil {
		return nil, lifecycle.NewReservationError(-1, err)
	}

	if err := attempt.Advance(lifecycle.StateCreated); err != nil {
		return nil, err
	}
	rb.Success()
	o.vms[vmID] = res
	o.metrics.IncrementCreates(string(req.Mode()))
	o.updateGauges()

	logger.WithField("entry_point", fmt.Sprintf("%#x", result.EntryPoint)).Info("vm created")
	return &VM{
		ID:         vmID,
		CPUs:       res.CPUs,
		EntryPoint: result.EntryPoint,
		Mode:       req.Mode(),
	}, nil
}

func (o *Orchestrator) validateCreate(req *CreateRequest) (uint64, error) {
	mask, err := o.validateMask(req.CPUs)
	if err != nil {
		return 0, err
	}

	needSource := false
	if req.Raw != nil {
		cfg := req.Raw.Config
		if cfg.Empty() {
			return 0, lifecycle.Invalidf("raw configuration is empty")
		}
		if cfg.Len > o.limits.MaxRawConfig {
			return 0, lifecycle.Invalidf("raw configuration is %d bytes, limit %d", cfg.Len, o.limits.MaxRawConfig)
		}
		if _, ok := cfg.End(); !ok {
			return 0, lifecycle.Invalidf("raw configuration range wraps")
		}
		if hint := req.Raw.IDHint; hint != nil && *hint >= o.registry.MaxVMs() {
			return 0, fmt.Errorf("requested vm id %d, limit %d: %w", *hint, o.registry.MaxVMs(), lifecycle.ErrInvalidID)
		}
		needSource = true
	}

	for _, slot := range hypercall.Slots {
		buf := req.Images[slot]
		if buf.Empty() {
			continue
		}
		if err := o.validateImage(slot.String(), buf); err != nil {
			return 0, err
		}
		needSource = true
	}
	if needSource && req.Source == nil {
		return 0, lifecycle.Invalidf("request references caller memory but has no source")
	}

	if err := o.registry.CheckPath(req.DiskImagePath); err != nil {
		return 0, err
	}
	return mask, nil
}

func (o *Orchestrator) validateMask(cpus cpuset.CPUSet) (uint64, error) {
	if cpus.IsEmpty() {
		return 0, lifecycle.Invalidf("empty cpu mask")
	}
	mask, ok := cpus.Mask()
	if !ok {
		return 0, lifecycle.Invalidf("cpus %s do not fit a 64-bit hypercall mask", cpus)
	}
	return mask, nil
}

func (o *Orchestrator) validateImage(name string, buf usermem.Buffer) error {
	if buf.Len > o.limits.MaxImageSize {
		return lifecycle.Invalidf("%s image is %d bytes, limit %d", name, buf.Len, o.limits.MaxImageSize)
	}
	if _, ok := buf.End(); !ok {
		return lifecycle.Invalidf("%s image range wraps", name)
	}
	return nil
}

// createVM issues VM_CREATE with a create block in the staging area and
// decodes the hypervisor's reply from the same buffer.
func (o *Orchestrator) createVM(ctx context.Context, req *CreateRequest, mask uint64) (hypercall.CreateResult, error) {
	var none hypercall.CreateResult

	size := uint64(hypercall.StructuredBlockSize)
	if req.Raw != nil {
		size = hypercall.RawBlockSize
	}
	block, err := o.alloc(size)
	if err != nil {
		return none, err
	}
	bufs := []*staging.Buffer{block}
	var callErr error
	defer func() {
		o.settle(ctx, hypercall.OpVMCreate, callErr, bufs...)
	}()

	if req.Raw != nil {
		cfg, err := usermem.Read(ctx, req.Source, req.Raw.Config)
		if err != nil {
			return none, &lifecycle.StageError{Image: "raw configuration", Err: err}
		}
		cfgBuf, err := o.alloc(uint64(len(cfg)))
		if err != nil {
			return none, err
		}
		// The hypervisor parses the configuration during the call.
		bufs = append(bufs, cfgBuf)
		copy(cfgBuf.Bytes, cfg)

		id := hypercall.Unassigned
		if req.Raw.IDHint != nil {
			id = *req.Raw.IDHint
		}
		err = hypercall.EncodeRaw(block.Bytes, hypercall.RawCreate{
			VMID:       id,
			ConfigBase: cfgBuf.Phys,
			ConfigSize: uint64(len(cfg)),
		})
		if err != nil {
			return none, err
		}
	} else {
		err := hypercall.EncodeStructured(block.Bytes, hypercall.StructuredCreate{
			VMType:  req.Kind,
			CPUMask: mask,
		})
		if err != nil {
			return none, err
		}
	}

	if err := o.area.Sync(); err != nil {
		return none, fmt.Errorf("flush create block: %w", err)
	}
	if callErr = o.call(ctx, hypercall.OpVMCreate, block.Phys); callErr != nil {
		return none, callErr
	}
	if err := o.area.Sync(); err != nil {
		return none, fmt.Errorf("refresh create block: %w", err)
	}

	if req.Raw != nil {
		return hypercall.DecodeRaw(block.Bytes)
	}
	return hypercall.DecodeStructured(block.Bytes)
}

// settle returns bufs to the staging area, unless err is a hypercall
// timeout: then the call may still be running and the buffers are
// quarantined instead.
func (o *Orchestrator) settle(ctx context.Context, op hypercall.Op, err error, bufs ...*staging.Buffer) {
	if !errors.Is(err, lifecycle.ErrHypercallTimeout) {
		for _, buf := range bufs {
			o.area.Free(buf)
		}
		return
	}
	for _, buf := range bufs {
		o.quarantined = append(o.quarantined, buf)
		o.metrics.IncrementQuarantinedBuffers()
		log.G(ctx).WithFields(log.Fields{
			"op":   op.String(),
			"phys": fmt.Sprintf("%#x", buf.Phys),
			"size": len(buf.Bytes),
		}).Warn("staging buffer quarantined after hypercall timeout")
	}
}

func (o *Orchestrator) alloc(size uint64) (*staging.Buffer, error) {
	buf, err := o.area.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("%w: staging buffer: %w", lifecycle.ErrMapFailed, err)
	}
	return buf, nil
}

func (o *Orchestrator) call(ctx context.Context, op hypercall.Op, args ...uint64) error {
	_, err := o.hv.Call(ctx, op, args...)
	if err != nil {
		o.metrics.IncrementHypercallErrors(op.String())
	}
	return err
}

// abandon drops a VM the hypervisor created for a failed attempt.
func (o *Orchestrator) abandon(ctx context.Context, id uint64) error {
	if !o.issueShutdown {
		o.orphan(ctx, id, "vm teardown is disabled")
		return nil
	}
	if err := o.call(ctx, hypercall.OpVMShutdown, id); err != nil {
		o.orphan(ctx, id, err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) orphan(ctx context.Context, id uint64, reason string) {
	o.metrics.IncrementOrphanedVMs()
	log.G(ctx).WithFields(log.Fields{
		"vm_id":  id,
		"reason": reason,
	}).Warn("hypervisor-side vm left orphaned")
}

// Boot starts a created VM. The id does not have to be known to the
// registry.
func (o *Orchestrator) Boot(ctx context.Context, id uint64) error {
	ctx = context.WithoutCancel(ctx)
	if id >= o.registry.MaxVMs() {
		return fmt.Errorf("vm %d, limit %d: %w", id, o.registry.MaxVMs(), lifecycle.ErrInvalidID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.call(ctx, hypercall.OpVMBoot, id); err != nil {
		return err
	}
	log.G(ctx).WithField("vm_id", id).Info("vm booted")
	return nil
}

// Shutdown stops a VM. Unless shutdown is enabled it only logs the request
// and succeeds; the VM keeps its CPUs and registry record.
func (o *Orchestrator) Shutdown(ctx context.Context, id uint64) error {
	ctx = context.WithoutCancel(ctx)
	if id >= o.registry.MaxVMs() {
		return fmt.Errorf("vm %d, limit %d: %w", id, o.registry.MaxVMs(), lifecycle.ErrInvalidID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := log.G(ctx).WithField("vm_id", id)
	if !o.issueShutdown {
		logger.Info("vm shutdown requested, hypervisor teardown not issued")
		return nil
	}

	if err := o.call(ctx, hypercall.OpVMShutdown, id); err != nil {
		return err
	}

	if res, ok := o.vms[id]; ok {
		o.cpus.Release(ctx, res)
		delete(o.vms, id)
	}
	if err := o.registry.Remove(id); err != nil {
		logger.WithError(err).Debug("no registry record for shut down vm")
	}
	o.updateGauges()
	logger.Info("vm shut down")
	return nil
}

// DiskImagePath returns the disk image path recorded for id.
func (o *Orchestrator) DiskImagePath(_ context.Context, id uint64) (string, error) {
	return o.registry.Lookup(id)
}

// Status is a snapshot of the agent.
type Status struct {
	VMs        []registry.Record `json:"vms"`
	Assignable cpuset.CPUSet     `json:"assignable"`
	Withdrawn  cpuset.CPUSet     `json:"withdrawn"`
}

// List returns the known VMs and the host CPU split.
func (o *Orchestrator) List(_ context.Context) Status {
	return Status{
		VMs:        o.registry.List(),
		Assignable: o.cpus.Assignable(),
		Withdrawn:  o.cpus.Withdrawn(),
	}
}

// Adopt takes ownership of reservations recovered from the ledger after a
// restart. VM reservations are re-registered without a disk image path;
// the rest stay withdrawn.
func (o *Orchestrator) Adopt(ctx context.Context, committed []*reservation.Reservation) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, res := range committed {
		logger := log.G(ctx).WithFields(log.Fields{
			"reservation": res.ID,
			"owner":       res.Owner,
			"cpus":        res.CPUs.String(),
		})

		if idStr, ok := strings.CutPrefix(res.Owner, ownerVMPrefix); ok {
			id, err := strconv.ParseUint(idStr, 10, 64)
			if err == nil && id < o.registry.MaxVMs() {
				o.vms[id] = res
				if err := o.registry.Register(registry.Record{ID: id, Mode: registry.ModeRecovered, CPUs: res.CPUs}); err != nil {
					logger.WithError(err).Warn("failed to re-register recovered vm")
				}
				logger.Info("re-adopted vm")
				continue
			}
		}

		if res.Owner == ownerCreating {
			logger.Warn("cpus of an interrupted create stay withdrawn; the hypervisor may own them")
		}
		o.held = append(o.held, res)
	}
	o.updateGauges()
}

func (o *Orchestrator) updateGauges() {
	o.metrics.SetLiveVMs(float64(len(o.vms)))
	o.metrics.SetReservedCPUs(float64(o.cpus.Withdrawn().Len()))
}
