package provision

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/spin-stack/hvagent/internal/cpuset"
	"github.com/spin-stack/hvagent/internal/hypercall"
	"github.com/spin-stack/hvagent/internal/imageset"
	"github.com/spin-stack/hvagent/internal/lifecycle"
	"github.com/spin-stack/hvagent/internal/reservation"
	"github.com/spin-stack/hvagent/internal/staging"
	"github.com/spin-stack/hvagent/internal/usermem"
)

// LaunchProcess withdraws cpus and hands them to the hypervisor with
// AXPROCESS_UP. The CPUs stay withdrawn after success.
func (o *Orchestrator) LaunchProcess(ctx context.Context, cpus cpuset.CPUSet) error {
	ctx = context.WithoutCancel(ctx)
	mask, err := o.validateMask(cpus)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	res, err := o.reserveFor(ctx, cpus, ownerProcess)
	if err != nil {
		return err
	}
	if err := o.call(ctx, hypercall.OpAxProcessUp, mask); err != nil {
		o.cpus.Release(ctx, res)
		o.updateGauges()
		return err
	}

	o.held = append(o.held, res)
	o.updateGauges()
	log.G(ctx).WithField("cpus", cpus.String()).Info("process cpus handed to hypervisor")
	return nil
}

// LaunchTask withdraws req.CPUs, packs req.Images into one staging buffer
// and registers both with AXTASK_UP. On success the packed buffer belongs
// to the hypervisor and is never freed.
func (o *Orchestrator) LaunchTask(ctx context.Context, req *TaskRequest) error {
	if req == nil {
		return lifecycle.Invalidf("empty task request")
	}
	ctx = context.WithoutCancel(ctx)
	mask, err := o.validateMask(req.CPUs)
	if err != nil {
		return err
	}
	maxImages := min(o.limits.MaxImages, imageset.MaxImages)
	if len(req.Images) > maxImages {
		return lifecycle.Invalidf("%d task images, limit %d", len(req.Images), maxImages)
	}
	sizes := make([]uint64, len(req.Images))
	for i, buf := range req.Images {
		if err := o.validateImage(fmt.Sprintf("task image %d", i), buf); err != nil {
			return err
		}
		if !buf.Empty() && req.Source == nil {
			return lifecycle.Invalidf("request references caller memory but has no source")
		}
		sizes[i] = buf.Len
	}
	total, err := imageset.Size(sizes...)
	if err != nil {
		return lifecycle.Invalidf("task images: %v", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	res, err := o.reserveFor(ctx, req.CPUs, ownerTask)
	if err != nil {
		return err
	}
	buf, err := o.packTask(ctx, req, total)
	if err != nil {
		o.cpus.Release(ctx, res)
		o.updateGauges()
		return err
	}
	if err := o.call(ctx, hypercall.OpAxTaskUp, mask, req.Type, buf.Phys); err != nil {
		o.settle(ctx, hypercall.OpAxTaskUp, err, buf)
		o.cpus.Release(ctx, res)
		o.updateGauges()
		return err
	}

	o.held = append(o.held, res)
	o.updateGauges()
	log.G(ctx).WithFields(log.Fields{
		"cpus":   req.CPUs.String(),
		"type":   req.Type,
		"images": len(req.Images),
		"base":   fmt.Sprintf("%#x", buf.Phys),
	}).Info("task handed to hypervisor")
	return nil
}

func (o *Orchestrator) reserveFor(ctx context.Context, cpus cpuset.CPUSet, owner string) (*reservation.Reservation, error) {
	res, err := o.cpus.Reserve(ctx, cpus)
	if err != nil {
		return nil, err
	}
	if err := o.cpus.Commit(ctx, res, owner); err != nil {
		o.cpus.Release(ctx, res)
		return nil, lifecycle.NewReservationError(-1, err)
	}
	return res, nil
}

func (o *Orchestrator) packTask(ctx context.Context, req *TaskRequest, total uint64) (*staging.Buffer, error) {
	images := make([][]byte, len(req.Images))
	for i, b := range req.Images {
		if b.Empty() {
			continue
		}
		data, err := usermem.Read(ctx, req.Source, b)
		if err != nil {
			return nil, &lifecycle.StageError{Image: fmt.Sprintf("task image %d", i), Err: err}
		}
		images[i] = data
	}

	buf, err := o.alloc(total)
	if err != nil {
		return nil, err
	}
	if _, err := imageset.Pack(buf.Bytes, images...); err != nil {
		o.area.Free(buf)
		return nil, fmt.Errorf("pack task images: %w", err)
	}
	if err := o.area.Sync(); err != nil {
		o.area.Free(buf)
		return nil, fmt.Errorf("flush task images: %w", err)
	}
	return buf, nil
}
