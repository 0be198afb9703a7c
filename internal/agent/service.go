// Package agent exposes the provisioning orchestrator as a ttrpc service.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/containerd/errdefs/pkg/errgrpc"
	"github.com/containerd/log"
	"github.com/containerd/ttrpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/spin-stack/hvagent/internal/cpuset"
	"github.com/spin-stack/hvagent/internal/hypercall"
	"github.com/spin-stack/hvagent/internal/lifecycle"
	"github.com/spin-stack/hvagent/internal/provision"
	"github.com/spin-stack/hvagent/internal/usermem"
	"github.com/spin-stack/hvagent/pkg/api"
)

// Provisioner is the orchestrator surface the service needs.
type Provisioner interface {
	Create(ctx context.Context, req *provision.CreateRequest) (*provision.VM, error)
	Boot(ctx context.Context, id uint64) error
	Shutdown(ctx context.Context, id uint64) error
	DiskImagePath(ctx context.Context, id uint64) (string, error)
	LaunchProcess(ctx context.Context, cpus cpuset.CPUSet) error
	LaunchTask(ctx context.Context, req *provision.TaskRequest) error
	List(ctx context.Context) provision.Status
}

// Service serves api.ServiceName.
type Service struct {
	p Provisioner
}

// NewService returns a service backed by p.
func NewService(p Provisioner) *Service {
	return &Service{p: p}
}

// RegisterTTRPC registers the service on server.
func (s *Service) RegisterTTRPC(server *ttrpc.Server) error {
	server.RegisterService(api.ServiceName, &ttrpc.ServiceDesc{
		Methods: map[string]ttrpc.Method{
			api.MethodCreate:        method(api.MethodCreate, s.create),
			api.MethodBoot:          method(api.MethodBoot, s.boot),
			api.MethodShutdown:      method(api.MethodShutdown, s.shutdown),
			api.MethodDiskImagePath: method(api.MethodDiskImagePath, s.diskImagePath),
			api.MethodLaunchProcess: method(api.MethodLaunchProcess, s.launchProcess),
			api.MethodLaunchTask:    method(api.MethodLaunchTask, s.launchTask),
			api.MethodList:          method(api.MethodList, s.list),
		},
	})
	return nil
}

// method adapts a typed handler to a ttrpc method carrying JSON in a
// BytesValue.
func method[Req, Resp any](name string, fn func(context.Context, *Req) (*Resp, error)) ttrpc.Method {
	return func(ctx context.Context, unmarshal func(any) error) (any, error) {
		var in wrapperspb.BytesValue
		if err := unmarshal(&in); err != nil {
			return nil, err
		}
		var req Req
		if len(in.GetValue()) > 0 {
			if err := json.Unmarshal(in.GetValue(), &req); err != nil {
				return nil, errgrpc.ToGRPC(lifecycle.Invalidf("decode %s request: %v", name, err))
			}
		}

		resp, err := fn(ctx, &req)
		if err != nil {
			log.G(ctx).WithError(err).WithField("method", name).Debug("request failed")
			return nil, errgrpc.ToGRPC(err)
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, errgrpc.ToGRPC(fmt.Errorf("encode %s response: %w", name, err))
		}
		return wrapperspb.Bytes(out), nil
	}
}

func (s *Service) create(ctx context.Context, req *api.CreateRequest) (*api.VM, error) {
	cpus, err := parseCPUs(req.CPUs)
	if err != nil {
		return nil, err
	}

	images := []api.Image{req.Firmware, req.Kernel, req.Ramdisk}
	if req.Raw != nil {
		images = append(images, req.Raw.Config)
	}
	src, bufs, err := resolve(req.PID, images)
	if err != nil {
		return nil, err
	}

	preq := &provision.CreateRequest{
		CPUs:          cpus,
		Kind:          req.Kind,
		DiskImagePath: req.DiskImagePath,
		Source:        src,
	}
	copy(preq.Images[:], bufs[:hypercall.NumSlots])
	if req.Raw != nil {
		preq.Raw = &provision.RawConfig{
			Config: bufs[hypercall.NumSlots],
			IDHint: req.Raw.IDHint,
		}
	}

	vm, err := s.p.Create(ctx, preq)
	if err != nil {
		return nil, err
	}
	return &api.VM{
		ID:         vm.ID,
		CPUs:       vm.CPUs.String(),
		EntryPoint: vm.EntryPoint,
		Mode:       string(vm.Mode),
	}, nil
}

func (s *Service) boot(ctx context.Context, req *api.VMRequest) (*api.Empty, error) {
	return &api.Empty{}, s.p.Boot(ctx, req.ID)
}

func (s *Service) shutdown(ctx context.Context, req *api.VMRequest) (*api.Empty, error) {
	return &api.Empty{}, s.p.Shutdown(ctx, req.ID)
}

func (s *Service) diskImagePath(ctx context.Context, req *api.VMRequest) (*api.DiskImagePathResponse, error) {
	path, err := s.p.DiskImagePath(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &api.DiskImagePathResponse{Path: path}, nil
}

func (s *Service) launchProcess(ctx context.Context, req *api.LaunchProcessRequest) (*api.Empty, error) {
	cpus, err := parseCPUs(req.CPUs)
	if err != nil {
		return nil, err
	}
	return &api.Empty{}, s.p.LaunchProcess(ctx, cpus)
}

func (s *Service) launchTask(ctx context.Context, req *api.LaunchTaskRequest) (*api.Empty, error) {
	cpus, err := parseCPUs(req.CPUs)
	if err != nil {
		return nil, err
	}
	src, bufs, err := resolve(req.PID, req.Images)
	if err != nil {
		return nil, err
	}
	return &api.Empty{}, s.p.LaunchTask(ctx, &provision.TaskRequest{
		CPUs:   cpus,
		Type:   req.Type,
		Images: bufs,
		Source: src,
	})
}

func (s *Service) list(ctx context.Context, _ *api.Empty) (*api.ListResponse, error) {
	st := s.p.List(ctx)
	resp := &api.ListResponse{
		VMs:        make([]api.Record, 0, len(st.VMs)),
		Assignable: st.Assignable.String(),
		Withdrawn:  st.Withdrawn.String(),
	}
	for _, rec := range st.VMs {
		resp.VMs = append(resp.VMs, api.Record{
			ID:            rec.ID,
			DiskImagePath: rec.DiskImagePath,
			Mode:          string(rec.Mode),
			Kind:          rec.Kind,
			CPUs:          rec.CPUs.String(),
			CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		})
	}
	return resp, nil
}

func parseCPUs(list string) (cpuset.CPUSet, error) {
	cpus, err := cpuset.Parse(list)
	if err != nil {
		return cpuset.CPUSet{}, lifecycle.Invalidf("cpus %q: %v", list, err)
	}
	return cpus, nil
}

// resolve turns request images into buffers over one reader: the memory
// of pid when it is set, an inline payload otherwise. pid is not checked
// against the peer; only peers with the agent's own credentials connect.
func resolve(pid int, images []api.Image) (usermem.Reader, []usermem.Buffer, error) {
	if pid == 0 {
		blobs := make([][]byte, len(images))
		for i, img := range images {
			if img.Len != 0 {
				return nil, nil, lifecycle.Invalidf("image %d references caller memory without a pid", i)
			}
			blobs[i] = img.Data
		}
		payload, bufs := usermem.Inline(blobs...)
		return payload, bufs, nil
	}

	bufs := make([]usermem.Buffer, len(images))
	for i, img := range images {
		if len(img.Data) != 0 {
			return nil, nil, lifecycle.Invalidf("image %d carries inline data on a pid request", i)
		}
		bufs[i] = usermem.Buffer{Addr: img.Addr, Len: img.Len}
	}
	src, err := processReader(pid)
	if err != nil {
		return nil, nil, err
	}
	return src, bufs, nil
}
