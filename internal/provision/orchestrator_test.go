package provision_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/hvagent/internal/cpuset"
	"github.com/spin-stack/hvagent/internal/host/cpu/cputest"
	"github.com/spin-stack/hvagent/internal/hypercall"
	"github.com/spin-stack/hvagent/internal/hypercall/hypercalltest"
	"github.com/spin-stack/hvagent/internal/imageset"
	"github.com/spin-stack/hvagent/internal/physmem"
	"github.com/spin-stack/hvagent/internal/provision"
	"github.com/spin-stack/hvagent/internal/registry"
	"github.com/spin-stack/hvagent/internal/reservation"
	"github.com/spin-stack/hvagent/internal/stager"
	"github.com/spin-stack/hvagent/internal/staging"
	"github.com/spin-stack/hvagent/internal/usermem"
)

const (
	arenaBase   = 0x40000000
	arenaSize   = 1 << 20
	stagingSize = 32 * physmem.PageSize

	firmwareHPA = arenaBase + 0x40000
	kernelHPA   = arenaBase + 0x80000
	ramdiskHPA  = arenaBase + 0xc0000
)

type env struct {
	hp     *cputest.Hotplugger
	cpus   *reservation.Manager
	hv     *hypercalltest.Boundary
	arena  *physmem.Arena
	region *staging.Region
	reg    *registry.Registry
	orch   *provision.Orchestrator
}

func newEnv(t *testing.T, opts ...provision.Opt) *env {
	t.Helper()
	ctx := context.Background()

	hp := cputest.New(4)
	mgr, err := reservation.NewManager(ctx, hp)
	require.NoError(t, err)

	arena := physmem.NewArena(arenaBase, arenaSize)
	region, err := staging.Open(ctx, arena, arenaBase, stagingSize)
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })

	hv := hypercalltest.New()
	reg := registry.New(registry.DefaultMaxVMs, registry.DefaultMaxDiskPath)

	return &env{
		hp:     hp,
		cpus:   mgr,
		hv:     hv,
		arena:  arena,
		region: region,
		reg:    reg,
		orch:   provision.New(mgr, hv, stager.New(arena), region, reg, opts...),
	}
}

func targets() [hypercall.NumSlots]hypercall.ImageTarget {
	return [hypercall.NumSlots]hypercall.ImageTarget{
		{GPA: 0xfff00000, HPA: firmwareHPA},
		{GPA: 0x00200000, HPA: kernelHPA},
		{GPA: 0x04000000, HPA: ramdiskHPA},
	}
}

// answerCreate makes VM_CREATE fill the block the way the hypervisor does
// and hands the request half of the block to inspect.
func (e *env) answerCreate(structured bool, id uint64, inspect func(block []byte)) {
	size := hypercall.RawBlockSize
	if structured {
		size = hypercall.StructuredBlockSize
	}
	e.hv.Handle(hypercall.OpVMCreate, func(_ context.Context, args []uint64) int64 {
		block := e.arena.Read(args[0], size)
		if inspect != nil {
			inspect(block)
		}
		res := hypercall.CreateResult{VMID: id, EntryPoint: 0x200000, Targets: targets()}
		if err := hypercall.PutResult(block, structured, res); err != nil {
			return -22
		}
		e.arena.Write(args[0], block)
		return 0
	})
}

func structuredRequest(cpus cpuset.CPUSet, path string, fw, kernel, ramdisk []byte) *provision.CreateRequest {
	payload, bufs := usermem.Inline(fw, kernel, ramdisk)
	return &provision.CreateRequest{
		CPUs:          cpus,
		Kind:          2,
		Images:        [hypercall.NumSlots]usermem.Buffer{bufs[0], bufs[1], bufs[2]},
		DiskImagePath: path,
		Source:        payload,
	}
}

func TestCreateStructured(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	var sentType, sentMask uint64
	e.answerCreate(true, 3, func(block []byte) {
		sentType = binary.LittleEndian.Uint64(block[8:])
		sentMask = binary.LittleEndian.Uint64(block[16:])
	})

	fw := bytes.Repeat([]byte{0xf1}, 100)
	kernel := bytes.Repeat([]byte{0x4b}, 3*physmem.PageSize+7)
	vm, err := e.orch.Create(ctx, structuredRequest(cpuset.MustNew(1, 2), "/images/guest.img", fw, kernel, nil))
	require.NoError(t, err)

	assert.Equal(t, uint64(3), vm.ID)
	assert.Equal(t, uint64(0x200000), vm.EntryPoint)
	assert.Equal(t, registry.ModeStructured, vm.Mode)
	assert.Equal(t, uint64(2), sentType)
	assert.Equal(t, uint64(0b110), sentMask)

	assert.Equal(t, fw, e.arena.Read(firmwareHPA, len(fw)))
	assert.Equal(t, kernel, e.arena.Read(kernelHPA, len(kernel)))
	assert.Equal(t, make([]byte, 16), e.arena.Read(ramdiskHPA, 16), "empty ramdisk must not be written")

	path, err := e.orch.DiskImagePath(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "/images/guest.img", path)

	assert.True(t, e.hp.OnlineSet().Equal(cpuset.MustNew(0, 3)))
	assert.True(t, e.cpus.Withdrawn().Equal(cpuset.MustNew(1, 2)))
	assert.Equal(t, 0, e.region.InUse(), "create block must be freed")
	assert.Equal(t, 1, e.arena.OpenWindows(), "only the staging window stays mapped")
	assert.Equal(t, 1, e.hv.Count(hypercall.OpVMCreate))
	assert.Zero(t, e.hv.Count(hypercall.OpAxProcessUp))

	status := e.orch.List(ctx)
	require.Len(t, status.VMs, 1)
	assert.Equal(t, uint64(3), status.VMs[0].ID)
	assert.True(t, status.Assignable.Equal(cpuset.MustNew(0, 3)))
}

func TestCreateStructuredWithoutPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.answerCreate(true, 3, nil)

	fw := bytes.Repeat([]byte{0x11}, 512)
	kernel := bytes.Repeat([]byte{0x22}, 4096)
	vm, err := e.orch.Create(ctx, structuredRequest(cpuset.MustNew(1), "", fw, kernel, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), vm.ID)

	_, err = e.orch.DiskImagePath(ctx, 3)
	assert.ErrorIs(t, err, provision.ErrNotFound)
	assert.True(t, e.cpus.Withdrawn().Equal(cpuset.MustNew(1)))
	require.Len(t, e.reg.List(), 1)
	assert.Empty(t, e.reg.List()[0].DiskImagePath)
}

func TestCreateRaw(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	config := []byte("cell: guest0\nmemory: 128M\n")
	kernel := []byte("raw kernel image")
	payload, bufs := usermem.Inline(config, kernel)

	var sentID, cfgBase, cfgSize uint64
	var sentConfig []byte
	e.answerCreate(false, 5, func(block []byte) {
		sentID = binary.LittleEndian.Uint64(block[0:])
		cfgBase = binary.LittleEndian.Uint64(block[8:])
		cfgSize = binary.LittleEndian.Uint64(block[16:])
		sentConfig = e.arena.Read(cfgBase, int(cfgSize))
		for i := 0; i < hypercall.NumSlots; i++ {
			assert.Equal(t, hypercall.Unassigned, binary.LittleEndian.Uint64(block[24+8*i:]))
		}
	})

	hint := uint64(5)
	vm, err := e.orch.Create(ctx, &provision.CreateRequest{
		CPUs:   cpuset.MustNew(3),
		Raw:    &provision.RawConfig{Config: bufs[0], IDHint: &hint},
		Images: [hypercall.NumSlots]usermem.Buffer{{}, bufs[1], {}},
		Source: payload,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(5), vm.ID)
	assert.Equal(t, registry.ModeRaw, vm.Mode)
	assert.Equal(t, hint, sentID)
	assert.Equal(t, config, sentConfig)
	assert.Equal(t, kernel, e.arena.Read(kernelHPA, len(kernel)))
	assert.Equal(t, 0, e.region.InUse(), "raw config and create block must be freed")

	_, err = e.orch.DiskImagePath(ctx, 5)
	assert.ErrorIs(t, err, provision.ErrNotFound, "no disk image path was given")
}

func TestCreateRawWithoutHint(t *testing.T) {
	e := newEnv(t)
	payload, bufs := usermem.Inline([]byte("cfg"))

	var sentID uint64
	e.answerCreate(false, 0, func(block []byte) {
		sentID = binary.LittleEndian.Uint64(block[0:])
	})

	_, err := e.orch.Create(context.Background(), &provision.CreateRequest{
		CPUs:   cpuset.MustNew(1),
		Raw:    &provision.RawConfig{Config: bufs[0]},
		Source: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, hypercall.Unassigned, sentID)
}

func TestCreateRejectsBeforeHardware(t *testing.T) {
	payload, bufs := usermem.Inline([]byte("cfg"), []byte("kernel"))
	badHint := uint64(registry.DefaultMaxVMs)

	tests := []struct {
		name string
		req  *provision.CreateRequest
		want error
	}{
		{
			name: "nil request",
			want: provision.ErrInvalidRequest,
		},
		{
			name: "empty cpus",
			req:  &provision.CreateRequest{},
			want: provision.ErrInvalidRequest,
		},
		{
			name: "cpu outside 64-bit mask",
			req:  &provision.CreateRequest{CPUs: cpuset.MustNew(64)},
			want: provision.ErrInvalidRequest,
		},
		{
			name: "empty raw config",
			req: &provision.CreateRequest{
				CPUs:   cpuset.MustNew(1),
				Raw:    &provision.RawConfig{},
				Source: payload,
			},
			want: provision.ErrInvalidRequest,
		},
		{
			name: "raw config too large",
			req: &provision.CreateRequest{
				CPUs:   cpuset.MustNew(1),
				Raw:    &provision.RawConfig{Config: usermem.Buffer{Len: 2 << 20}},
				Source: payload,
			},
			want: provision.ErrInvalidRequest,
		},
		{
			name: "id hint out of range",
			req: &provision.CreateRequest{
				CPUs:   cpuset.MustNew(1),
				Raw:    &provision.RawConfig{Config: bufs[0], IDHint: &badHint},
				Source: payload,
			},
			want: provision.ErrInvalidID,
		},
		{
			name: "image too large",
			req: &provision.CreateRequest{
				CPUs:   cpuset.MustNew(1),
				Images: [hypercall.NumSlots]usermem.Buffer{{}, {Len: 1 << 40}, {}},
				Source: payload,
			},
			want: provision.ErrInvalidRequest,
		},
		{
			name: "image range wraps",
			req: &provision.CreateRequest{
				CPUs:   cpuset.MustNew(1),
				Images: [hypercall.NumSlots]usermem.Buffer{{Addr: ^uint64(0), Len: 2}, {}, {}},
				Source: payload,
			},
			want: provision.ErrInvalidRequest,
		},
		{
			name: "images without source",
			req: &provision.CreateRequest{
				CPUs:   cpuset.MustNew(1),
				Images: [hypercall.NumSlots]usermem.Buffer{{}, bufs[1], {}},
			},
			want: provision.ErrInvalidRequest,
		},
		{
			name: "disk path too long",
			req: &provision.CreateRequest{
				CPUs:          cpuset.MustNew(1),
				DiskImagePath: strings.Repeat("d", registry.DefaultMaxDiskPath+1),
			},
			want: provision.ErrInvalidRequest,
		},
		{
			name: "cpu not present",
			req:  &provision.CreateRequest{CPUs: cpuset.MustNew(9)},
			want: provision.ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.orch.Create(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)

			assert.Empty(t, e.hp.CallLog(), "no cpu may be touched")
			assert.Empty(t, e.hv.Calls(), "no hypercall may be issued")
			assert.Empty(t, e.reg.List())
		})
	}
}

func TestCreateHypercallFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, provision.WithIssueShutdown(true))
	e.hv.Fail(hypercall.OpVMCreate, -12)

	_, err := e.orch.Create(ctx, structuredRequest(cpuset.MustNew(1, 2), "", nil, []byte("k"), nil))
	require.ErrorIs(t, err, provision.ErrHypercallFailed)

	assert.True(t, e.hp.OnlineSet().Equal(cpuset.Range(4)))
	assert.True(t, e.cpus.Withdrawn().IsEmpty())
	assert.Zero(t, e.hv.Count(hypercall.OpVMShutdown), "no vm exists to tear down")
	assert.Equal(t, 0, e.region.InUse())
	assert.Empty(t, e.reg.List())
}

func TestCreateHypercallTimeout(t *testing.T) {
	const budget = 100 * time.Millisecond

	promReg := prometheus.NewRegistry()
	e := newEnv(t)
	orch := provision.New(e.cpus, hypercall.WithTimeout(e.hv, budget), stager.New(e.arena), e.region, e.reg,
		provision.WithIssueShutdown(true),
		provision.WithMetrics(provision.NewPrometheusMetricsProvider(promReg)),
	)

	release := make(chan struct{})
	replied := make(chan struct{})
	e.hv.Handle(hypercall.OpVMCreate, func(_ context.Context, args []uint64) int64 {
		defer close(replied)
		<-release
		block := e.arena.Read(args[0], hypercall.StructuredBlockSize)
		res := hypercall.CreateResult{VMID: 5, EntryPoint: 0x200000, Targets: targets()}
		if err := hypercall.PutResult(block, true, res); err != nil {
			return -22
		}
		e.arena.Write(args[0], block)
		return 0
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(5*time.Millisecond, cancel)

	start := time.Now()
	_, err := orch.Create(ctx, structuredRequest(cpuset.MustNew(1, 2), "", nil, []byte("k"), nil))
	require.ErrorIs(t, err, provision.ErrHypercallTimeout)
	assert.GreaterOrEqual(t, time.Since(start), budget, "caller cancellation must not cut the hypercall budget")

	assert.True(t, e.hp.OnlineSet().Equal(cpuset.Range(4)))
	assert.True(t, e.cpus.Withdrawn().IsEmpty())
	assert.True(t, e.cpus.Assignable().Equal(cpuset.Range(4)))
	assert.Empty(t, e.reg.List())
	assert.Zero(t, e.hv.Count(hypercall.OpVMShutdown), "no vm id to tear down")

	// The create block stays allocated while VM_CREATE may still write it.
	assert.Equal(t, 1, e.region.InUse())
	inflight := e.hv.Calls()[0].Args[0]

	next, err := e.region.Alloc(physmem.PageSize)
	require.NoError(t, err)
	assert.NotEqual(t, inflight, next.Phys)
	fill := bytes.Repeat([]byte{0xaa}, physmem.PageSize)
	copy(next.Bytes, fill)

	close(release)
	<-replied
	assert.Equal(t, fill, next.Bytes, "late reply must not reach a reused buffer")

	expected := `
# HELP hvagent_quarantined_staging_buffers_total Staging buffers withheld from reuse because a timed out hypercall may still access them
# TYPE hvagent_quarantined_staging_buffers_total counter
hvagent_quarantined_staging_buffers_total 1
# HELP hvagent_vm_create_failures_total Total number of failed VM creations by the step that failed
# TYPE hvagent_vm_create_failures_total counter
hvagent_vm_create_failures_total{stage="hypercall_pending"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected),
		"hvagent_quarantined_staging_buffers_total", "hvagent_vm_create_failures_total"))
}

func TestCreateRollsBackOnImageFault(t *testing.T) {
	for _, issue := range []bool{false, true} {
		name := "orphan"
		if issue {
			name = "shutdown"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			promReg := prometheus.NewRegistry()
			e := newEnv(t,
				provision.WithIssueShutdown(issue),
				provision.WithMetrics(provision.NewPrometheusMetricsProvider(promReg)),
			)
			e.answerCreate(true, 7, nil)

			fw := []byte("firmware")
			req := structuredRequest(cpuset.MustNew(0, 2), "/images/a.img", fw, nil, nil)
			// The kernel reaches past the end of the caller's memory.
			req.Images[hypercall.SlotKernel] = usermem.Buffer{Addr: 0, Len: 2 * physmem.PageSize}

			_, err := e.orch.Create(ctx, req)
			require.ErrorIs(t, err, provision.ErrSourceFault)
			assert.Contains(t, err.Error(), "kernel")

			_, err = e.orch.DiskImagePath(ctx, 7)
			assert.ErrorIs(t, err, provision.ErrNotFound)
			assert.Empty(t, e.reg.List())
			assert.True(t, e.hp.OnlineSet().Equal(cpuset.Range(4)))
			assert.True(t, e.cpus.Withdrawn().IsEmpty())
			assert.Equal(t, 0, e.region.InUse())
			assert.Equal(t, 1, e.arena.OpenWindows(), "image windows must be unmapped")

			shutdowns := 0
			orphans := "1"
			if issue {
				shutdowns = 1
				orphans = "0"
			}
			assert.Equal(t, shutdowns, e.hv.Count(hypercall.OpVMShutdown))

			expected := `
# HELP hvagent_orphaned_vms_total VMs created in the hypervisor whose create failed afterwards and could not be torn down
# TYPE hvagent_orphaned_vms_total counter
hvagent_orphaned_vms_total ` + orphans + `
# HELP hvagent_vm_create_failures_total Total number of failed VM creations by the step that failed
# TYPE hvagent_vm_create_failures_total counter
hvagent_vm_create_failures_total{stage="images_loading"} 1
`
			assert.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected),
				"hvagent_orphaned_vms_total", "hvagent_vm_create_failures_total"))
		})
	}
}

func TestCreateRejectsLiveID(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.answerCreate(true, 4, nil)

	_, err := e.orch.Create(ctx, structuredRequest(cpuset.MustNew(1), "/images/first.img", nil, nil, nil))
	require.NoError(t, err)

	_, err = e.orch.Create(ctx, structuredRequest(cpuset.MustNew(2), "/images/second.img", nil, nil, nil))
	require.ErrorIs(t, err, provision.ErrAlreadyExists)

	path, err := e.orch.DiskImagePath(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "/images/first.img", path, "the first record must survive")
	assert.True(t, e.cpus.Withdrawn().Equal(cpuset.MustNew(1)))
}

func TestCreateRejectsOutOfRangeID(t *testing.T) {
	e := newEnv(t, provision.WithIssueShutdown(true))
	e.answerCreate(true, registry.DefaultMaxVMs+3, nil)

	_, err := e.orch.Create(context.Background(), structuredRequest(cpuset.MustNew(1), "", nil, nil, nil))
	require.ErrorIs(t, err, provision.ErrInvalidID)
	assert.True(t, e.cpus.Withdrawn().IsEmpty())
	assert.Zero(t, e.hv.Count(hypercall.OpVMShutdown), "ids outside the registry are never sent back")
}

func TestCreateRegistersCPUs(t *testing.T) {
	e := newEnv(t, provision.WithRegisterCPUs(true))
	e.answerCreate(true, 1, nil)

	_, err := e.orch.Create(context.Background(), structuredRequest(cpuset.MustNew(2, 3), "", nil, nil, nil))
	require.NoError(t, err)

	calls := e.hv.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, hypercall.OpAxProcessUp, calls[0].Op)
	assert.Equal(t, []uint64{0b1100}, calls[0].Args)
	assert.Equal(t, hypercall.OpVMCreate, calls[1].Op)
}

func TestCreateStagingExhausted(t *testing.T) {
	e := newEnv(t)
	hold, err := e.region.Alloc(stagingSize)
	require.NoError(t, err)
	defer e.region.Free(hold)

	_, err = e.orch.Create(context.Background(), structuredRequest(cpuset.MustNew(1), "", nil, nil, nil))
	require.ErrorIs(t, err, provision.ErrMapFailed)
	assert.True(t, e.cpus.Withdrawn().IsEmpty())
	assert.Empty(t, e.hv.Calls())
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()

	t.Run("logged only", func(t *testing.T) {
		e := newEnv(t)
		e.answerCreate(true, 2, nil)
		_, err := e.orch.Create(ctx, structuredRequest(cpuset.MustNew(1), "/images/a.img", nil, nil, nil))
		require.NoError(t, err)

		require.NoError(t, e.orch.Shutdown(ctx, 2))
		assert.Zero(t, e.hv.Count(hypercall.OpVMShutdown))
		assert.True(t, e.cpus.Withdrawn().Equal(cpuset.MustNew(1)))
		_, err = e.orch.DiskImagePath(ctx, 2)
		assert.NoError(t, err)
	})

	t.Run("issued", func(t *testing.T) {
		e := newEnv(t, provision.WithIssueShutdown(true))
		e.answerCreate(true, 2, nil)
		_, err := e.orch.Create(ctx, structuredRequest(cpuset.MustNew(1), "/images/a.img", nil, nil, nil))
		require.NoError(t, err)

		require.NoError(t, e.orch.Shutdown(ctx, 2))
		calls := e.hv.Calls()
		assert.Equal(t, hypercall.OpVMShutdown, calls[len(calls)-1].Op)
		assert.Equal(t, []uint64{2}, calls[len(calls)-1].Args)
		assert.True(t, e.cpus.Withdrawn().IsEmpty())
		assert.True(t, e.hp.OnlineSet().Equal(cpuset.Range(4)))
		_, err = e.orch.DiskImagePath(ctx, 2)
		assert.ErrorIs(t, err, provision.ErrNotFound)
	})

	t.Run("hypercall failure keeps the vm", func(t *testing.T) {
		e := newEnv(t, provision.WithIssueShutdown(true))
		e.answerCreate(true, 2, nil)
		_, err := e.orch.Create(ctx, structuredRequest(cpuset.MustNew(1), "/images/a.img", nil, nil, nil))
		require.NoError(t, err)
		e.hv.Fail(hypercall.OpVMShutdown, -16)

		require.ErrorIs(t, e.orch.Shutdown(ctx, 2), provision.ErrHypercallFailed)
		assert.True(t, e.cpus.Withdrawn().Equal(cpuset.MustNew(1)))
	})

	t.Run("id out of range", func(t *testing.T) {
		e := newEnv(t, provision.WithIssueShutdown(true))
		require.ErrorIs(t, e.orch.Shutdown(ctx, registry.DefaultMaxVMs), provision.ErrInvalidID)
		assert.Empty(t, e.hv.Calls())
	})
}

func TestBoot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	require.NoError(t, e.orch.Boot(ctx, 6), "boot does not require a registry record")
	calls := e.hv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, hypercall.OpVMBoot, calls[0].Op)
	assert.Equal(t, []uint64{6}, calls[0].Args)

	e.hv.Fail(hypercall.OpVMBoot, -2)
	require.ErrorIs(t, e.orch.Boot(ctx, 6), provision.ErrHypercallFailed)
	require.ErrorIs(t, e.orch.Boot(ctx, registry.DefaultMaxVMs), provision.ErrInvalidID)
}

func TestLaunchProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		e := newEnv(t)
		require.NoError(t, e.orch.LaunchProcess(ctx, cpuset.MustNew(1, 3)))
		calls := e.hv.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, hypercall.OpAxProcessUp, calls[0].Op)
		assert.Equal(t, []uint64{0b1010}, calls[0].Args)
		assert.True(t, e.cpus.Withdrawn().Equal(cpuset.MustNew(1, 3)))
	})

	t.Run("failure releases cpus", func(t *testing.T) {
		e := newEnv(t)
		e.hv.Fail(hypercall.OpAxProcessUp, -1)
		require.ErrorIs(t, e.orch.LaunchProcess(ctx, cpuset.MustNew(1, 3)), provision.ErrHypercallFailed)
		assert.True(t, e.cpus.Withdrawn().IsEmpty())
		assert.True(t, e.hp.OnlineSet().Equal(cpuset.Range(4)))
	})

	t.Run("empty mask", func(t *testing.T) {
		e := newEnv(t)
		require.ErrorIs(t, e.orch.LaunchProcess(ctx, cpuset.CPUSet{}), provision.ErrInvalidRequest)
		assert.Empty(t, e.hv.Calls())
	})
}

func TestLaunchTask(t *testing.T) {
	ctx := context.Background()
	first := []byte("task image one")
	second := bytes.Repeat([]byte{0x7e}, physmem.PageSize+1)

	t.Run("success", func(t *testing.T) {
		e := newEnv(t)
		var got [][]byte
		var mask, typ uint64
		e.hv.Handle(hypercall.OpAxTaskUp, func(_ context.Context, args []uint64) int64 {
			mask, typ = args[0], args[1]
			size, err := imageset.Size(uint64(len(first)), uint64(len(second)))
			if err != nil {
				return -22
			}
			got, err = imageset.Unpack(e.arena.Read(args[2], int(size)))
			if err != nil {
				return -22
			}
			return 0
		})

		payload, bufs := usermem.Inline(first, second)
		err := e.orch.LaunchTask(ctx, &provision.TaskRequest{
			CPUs:   cpuset.MustNew(2),
			Type:   9,
			Images: bufs,
			Source: payload,
		})
		require.NoError(t, err)

		assert.Equal(t, uint64(0b100), mask)
		assert.Equal(t, uint64(9), typ)
		assert.Equal(t, [][]byte{first, second}, got)
		assert.NotZero(t, e.region.InUse(), "the hypervisor owns the packed images")
		assert.True(t, e.cpus.Withdrawn().Equal(cpuset.MustNew(2)))
	})

	t.Run("failure frees everything", func(t *testing.T) {
		e := newEnv(t)
		e.hv.Fail(hypercall.OpAxTaskUp, -5)
		payload, bufs := usermem.Inline(first)
		err := e.orch.LaunchTask(ctx, &provision.TaskRequest{CPUs: cpuset.MustNew(2), Images: bufs, Source: payload})
		require.ErrorIs(t, err, provision.ErrHypercallFailed)
		assert.Zero(t, e.region.InUse())
		assert.True(t, e.cpus.Withdrawn().IsEmpty())
	})

	t.Run("timeout keeps the packed images", func(t *testing.T) {
		e := newEnv(t)
		orch := provision.New(e.cpus, hypercall.WithTimeout(e.hv, 20*time.Millisecond), stager.New(e.arena), e.region, e.reg)
		release := make(chan struct{})
		defer close(release)
		e.hv.Handle(hypercall.OpAxTaskUp, func(context.Context, []uint64) int64 {
			<-release
			return 0
		})

		payload, bufs := usermem.Inline(first)
		err := orch.LaunchTask(ctx, &provision.TaskRequest{CPUs: cpuset.MustNew(2), Images: bufs, Source: payload})
		require.ErrorIs(t, err, provision.ErrHypercallTimeout)
		assert.NotZero(t, e.region.InUse())
		assert.True(t, e.cpus.Withdrawn().IsEmpty())
	})

	t.Run("too many images", func(t *testing.T) {
		e := newEnv(t, provision.WithLimits(provision.Limits{MaxImages: 1, MaxImageSize: 1 << 20, MaxRawConfig: 1 << 10}))
		payload, bufs := usermem.Inline(first, second)
		err := e.orch.LaunchTask(ctx, &provision.TaskRequest{CPUs: cpuset.MustNew(2), Images: bufs, Source: payload})
		require.ErrorIs(t, err, provision.ErrInvalidRequest)
		assert.Empty(t, e.hp.CallLog())
		assert.Empty(t, e.hv.Calls())
	})
}

func TestAdopt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.orch.Adopt(ctx, []*reservation.Reservation{
		{ID: "a", CPUs: cpuset.MustNew(1), Owner: "vm-2"},
		{ID: "b", CPUs: cpuset.MustNew(3), Owner: "axtask"},
		{ID: "c", CPUs: cpuset.MustNew(2), Owner: "create-in-progress"},
	})

	status := e.orch.List(ctx)
	require.Len(t, status.VMs, 1)
	assert.Equal(t, uint64(2), status.VMs[0].ID)
	assert.Equal(t, registry.ModeRecovered, status.VMs[0].Mode)

	_, err := e.orch.DiskImagePath(ctx, 2)
	assert.ErrorIs(t, err, provision.ErrNotFound)

	// A create answered with the adopted id must not take it over.
	e.answerCreate(true, 2, nil)
	_, err = e.orch.Create(ctx, structuredRequest(cpuset.MustNew(0), "/images/x.img", nil, nil, nil))
	require.ErrorIs(t, err, provision.ErrAlreadyExists)
}

func TestCreateMetrics(t *testing.T) {
	promReg := prometheus.NewRegistry()
	e := newEnv(t, provision.WithMetrics(provision.NewPrometheusMetricsProvider(promReg)))
	e.answerCreate(true, 1, nil)

	_, err := e.orch.Create(context.Background(), structuredRequest(cpuset.MustNew(1, 2), "", nil, nil, nil))
	require.NoError(t, err)

	expected := `
# HELP hvagent_live_vms Number of VMs currently owning CPUs
# TYPE hvagent_live_vms gauge
hvagent_live_vms 1
# HELP hvagent_reserved_cpus Number of host CPUs withdrawn for guests
# TYPE hvagent_reserved_cpus gauge
hvagent_reserved_cpus 2
# HELP hvagent_vm_creates_total Total number of successful VM creations
# TYPE hvagent_vm_creates_total counter
hvagent_vm_creates_total{mode="structured"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected),
		"hvagent_live_vms", "hvagent_reserved_cpus", "hvagent_vm_creates_total"))
}
