//go:build linux

package agent

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/hvagent/internal/cpuset"
	"github.com/spin-stack/hvagent/internal/hypercall"
	"github.com/spin-stack/hvagent/internal/provision"
	"github.com/spin-stack/hvagent/internal/registry"
	"github.com/spin-stack/hvagent/internal/usermem"
	"github.com/spin-stack/hvagent/pkg/api"
)

type fakeProvisioner struct {
	mu sync.Mutex

	create  *provision.CreateRequest
	images  [hypercall.NumSlots][]byte
	config  []byte
	task    *provision.TaskRequest
	process cpuset.CPUSet
	booted  []uint64
	err     error
}

func (f *fakeProvisioner) Create(ctx context.Context, req *provision.CreateRequest) (*provision.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.create = req
	if _, inline := req.Source.(usermem.Bytes); !inline {
		return &provision.VM{ID: 3, CPUs: req.CPUs, Mode: req.Mode()}, nil
	}
	for slot, buf := range req.Images {
		data, err := usermem.Read(ctx, req.Source, buf)
		if err != nil {
			return nil, err
		}
		f.images[slot] = data
	}
	if req.Raw != nil {
		data, err := usermem.Read(ctx, req.Source, req.Raw.Config)
		if err != nil {
			return nil, err
		}
		f.config = data
	}
	return &provision.VM{ID: 3, CPUs: req.CPUs, EntryPoint: 0x1000, Mode: req.Mode()}, nil
}

func (f *fakeProvisioner) Boot(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.booted = append(f.booted, id)
	return f.err
}

func (f *fakeProvisioner) Shutdown(context.Context, uint64) error {
	return f.err
}

func (f *fakeProvisioner) DiskImagePath(_ context.Context, id uint64) (string, error) {
	if id >= registry.DefaultMaxVMs {
		return "", provision.ErrInvalidID
	}
	if id != 3 {
		return "", provision.ErrNotFound
	}
	return "/images/three.img", nil
}

func (f *fakeProvisioner) LaunchProcess(_ context.Context, cpus cpuset.CPUSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.process = cpus
	return f.err
}

func (f *fakeProvisioner) LaunchTask(_ context.Context, req *provision.TaskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task = req
	return f.err
}

func (f *fakeProvisioner) List(context.Context) provision.Status {
	return provision.Status{
		VMs: []registry.Record{{
			ID:            3,
			DiskImagePath: "/images/three.img",
			Mode:          registry.ModeStructured,
			CPUs:          cpuset.MustNew(1, 2),
			CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}},
		Assignable: cpuset.MustNew(0, 3),
		Withdrawn:  cpuset.MustNew(1, 2),
	}
}

func serve(t *testing.T, p Provisioner) *api.Client {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "a.sock")
	l, err := Listen(ctx, path)
	require.NoError(t, err)

	server, err := NewServer(NewService(p))
	require.NoError(t, err)
	go server.Serve(ctx, l)
	t.Cleanup(func() { server.Close() })

	client, err := api.Dial(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCreateInline(t *testing.T) {
	fake := &fakeProvisioner{}
	client := serve(t, fake)

	vm, err := client.Create(context.Background(), &api.CreateRequest{
		CPUs:          "1-2",
		Kind:          4,
		Firmware:      api.Image{Data: []byte("fw")},
		Kernel:        api.Image{Data: []byte("kernel")},
		DiskImagePath: "/images/three.img",
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(3), vm.ID)
	assert.Equal(t, "1-2", vm.CPUs)
	assert.Equal(t, "structured", vm.Mode)

	require.NotNil(t, fake.create)
	assert.True(t, fake.create.CPUs.Equal(cpuset.MustNew(1, 2)))
	assert.Equal(t, uint64(4), fake.create.Kind)
	assert.Equal(t, "/images/three.img", fake.create.DiskImagePath)
	assert.Equal(t, []byte("fw"), fake.images[hypercall.SlotFirmware])
	assert.Equal(t, []byte("kernel"), fake.images[hypercall.SlotKernel])
	assert.Empty(t, fake.images[hypercall.SlotRamdisk])
	assert.Nil(t, fake.create.Raw)
}

func TestCreateRawInline(t *testing.T) {
	fake := &fakeProvisioner{}
	client := serve(t, fake)

	hint := uint64(7)
	vm, err := client.Create(context.Background(), &api.CreateRequest{
		CPUs:   "2",
		Raw:    &api.RawConfig{Config: api.Image{Data: []byte("cell config")}, IDHint: &hint},
		Kernel: api.Image{Data: []byte("kernel")},
	})
	require.NoError(t, err)
	assert.Equal(t, "raw", vm.Mode)

	require.NotNil(t, fake.create.Raw)
	assert.Equal(t, &hint, fake.create.Raw.IDHint)
	assert.Equal(t, []byte("cell config"), fake.config)
	assert.Equal(t, []byte("kernel"), fake.images[hypercall.SlotKernel])
}

func TestRejectsMixedImageSources(t *testing.T) {
	client := serve(t, &fakeProvisioner{})
	ctx := context.Background()

	_, err := client.Create(ctx, &api.CreateRequest{CPUs: "1", Kernel: api.Image{Addr: 0x1000, Len: 8}})
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)

	_, err = client.Create(ctx, &api.CreateRequest{CPUs: "1", Kernel: api.Image{Data: []byte("k")}, PID: 1})
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)

	_, err = client.Create(ctx, &api.CreateRequest{CPUs: "one"})
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestErrorClasses(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"invalid request", provision.ErrInvalidRequest, errdefs.IsInvalidArgument},
		{"reservation", provision.ErrReservationFailed, errdefs.IsUnavailable},
		{"timeout", provision.ErrHypercallTimeout, errdefs.IsDeadlineExceeded},
		{"exists", provision.ErrAlreadyExists, errdefs.IsAlreadyExists},
		{"not found", provision.ErrNotFound, errdefs.IsNotFound},
		{"invalid id", provision.ErrInvalidID, errdefs.IsOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := serve(t, &fakeProvisioner{err: tt.err})
			err := client.Boot(ctx, 1)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestVMQueries(t *testing.T) {
	fake := &fakeProvisioner{}
	client := serve(t, fake)
	ctx := context.Background()

	require.NoError(t, client.Boot(ctx, 3))
	require.NoError(t, client.Shutdown(ctx, 3))
	assert.Equal(t, []uint64{3}, fake.booted)

	path, err := client.DiskImagePath(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "/images/three.img", path)

	_, err = client.DiskImagePath(ctx, 4)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = client.DiskImagePath(ctx, 99)
	assert.True(t, errdefs.IsOutOfRange(err))

	list, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, list.VMs, 1)
	assert.Equal(t, "1-2", list.VMs[0].CPUs)
	assert.Equal(t, "2026-01-02T03:04:05Z", list.VMs[0].CreatedAt)
	assert.Equal(t, "0,3", list.Assignable)
	assert.Equal(t, "1-2", list.Withdrawn)
}

func TestLaunch(t *testing.T) {
	fake := &fakeProvisioner{}
	client := serve(t, fake)
	ctx := context.Background()

	require.NoError(t, client.LaunchProcess(ctx, "0,2"))
	assert.True(t, fake.process.Equal(cpuset.MustNew(0, 2)))

	err := client.LaunchTask(ctx, &api.LaunchTaskRequest{
		CPUs:   "3",
		Type:   2,
		Images: []api.Image{{Data: []byte("a")}, {Data: []byte("bc")}},
	})
	require.NoError(t, err)
	require.NotNil(t, fake.task)
	assert.Equal(t, uint64(2), fake.task.Type)
	require.Len(t, fake.task.Images, 2)

	second, err := usermem.Read(ctx, fake.task.Source, fake.task.Images[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("bc"), second)
}

func TestListenRefusesLiveAgent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a.sock")

	l, err := Listen(ctx, path)
	require.NoError(t, err)
	server, err := NewServer(NewService(&fakeProvisioner{}))
	require.NoError(t, err)
	go server.Serve(ctx, l)
	defer server.Close()

	_, err = Listen(ctx, path)
	assert.True(t, errdefs.IsAlreadyExists(err), "got %v", err)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a.sock")

	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	// Closing a unix listener removes the file; recreate a dead one.
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()

	l, err := Listen(ctx, path)
	require.NoError(t, err)
	l.Close()
}
