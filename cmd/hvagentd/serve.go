//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/log"
	"github.com/containerd/ttrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/hvagent/internal/agent"
	"github.com/spin-stack/hvagent/internal/boltstore"
	"github.com/spin-stack/hvagent/internal/config"
	"github.com/spin-stack/hvagent/internal/host/cgroup"
	"github.com/spin-stack/hvagent/internal/host/cpu"
	"github.com/spin-stack/hvagent/internal/hypercall"
	"github.com/spin-stack/hvagent/internal/paths"
	"github.com/spin-stack/hvagent/internal/physmem"
	"github.com/spin-stack/hvagent/internal/provision"
	"github.com/spin-stack/hvagent/internal/registry"
	"github.com/spin-stack/hvagent/internal/reservation"
	"github.com/spin-stack/hvagent/internal/stager"
	"github.com/spin-stack/hvagent/internal/staging"
	"github.com/spin-stack/hvagent/internal/version"
)

const ledgerBucket = "reservations"

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String(configFlag); path != "" {
		return config.LoadFrom(path)
	}
	return config.Get()
}

func serve(c *cli.Context) (retErr error) {
	t1 := time.Now()
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, sd := shutdown.WithShutdown(c.Context)
	defer func() {
		if retErr != nil {
			sd.Shutdown()
			<-sd.Done()
		}
	}()
	log.G(ctx).WithField("version", version.Info()).Info("starting hvagentd")

	if err := os.MkdirAll(cfg.Paths.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cpus, err := newReservationManager(ctx, cfg, sd)
	if err != nil {
		return err
	}
	committed, err := cpus.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover reservations: %w", err)
	}

	mem := physmem.NewDevMem(cfg.Memory.Device, 0, 0)
	region, err := staging.Open(ctx, mem, cfg.Memory.GetStagingBase(), cfg.Memory.GetStagingSize())
	if err != nil {
		return err
	}
	sd.RegisterCallback(func(context.Context) error {
		return region.Close()
	})

	dev, err := hypercall.OpenDevice(cfg.Hypervisor.Device)
	if err != nil {
		return err
	}
	sd.RegisterCallback(func(context.Context) error {
		return dev.Close()
	})

	hv := hypercall.WithTimeout(dev, cfg.Timeouts.GetHypercall())
	promReg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "hvagent_hypercalls_outstanding",
		Help: "Hypercalls that timed out and have not returned yet",
	}, func() float64 {
		return float64(hypercall.Outstanding(hv))
	}))

	orch := provision.New(
		cpus,
		hv,
		stager.New(mem),
		region,
		registry.New(cfg.Limits.MaxVMs, cfg.Limits.MaxDiskPath),
		provision.WithMetrics(provision.NewPrometheusMetricsProvider(promReg)),
		provision.WithLimits(provision.Limits{
			MaxImages:    cfg.Limits.MaxImages,
			MaxImageSize: cfg.Limits.MaxImageSize,
			MaxRawConfig: cfg.Limits.MaxRawConfig,
		}),
		provision.WithIssueShutdown(cfg.Hypervisor.IssueShutdown),
		provision.WithRegisterCPUs(cfg.Hypervisor.RegisterCPUs),
	)
	orch.Adopt(ctx, committed)

	server, err := agent.NewServer(agent.NewService(orch))
	if err != nil {
		return err
	}
	l, err := agent.Listen(ctx, paths.SocketPath(cfg.Paths))
	if err != nil {
		return err
	}
	sd.RegisterCallback(server.Shutdown)

	serviceErr := make(chan error, 2)
	go func() {
		if err := server.Serve(ctx, l); err != nil && !errors.Is(err, ttrpc.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			serviceErr <- fmt.Errorf("ttrpc server: %w", err)
		}
	}()

	if addr := cfg.Metrics.Address; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsHandler(promReg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		sd.RegisterCallback(srv.Shutdown)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serviceErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		log.G(ctx).WithField("address", addr).Info("serving metrics")
	}

	log.G(ctx).WithField("t", time.Since(t1)).Info("hvagentd ready")

	s := make(chan os.Signal, 1)
	signal.Notify(s, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT, unix.SIGHUP)
	for {
		select {
		case <-sd.Done():
			if err := sd.Err(); err != nil && !errors.Is(err, shutdown.ErrShutdown) {
				log.G(ctx).WithError(err).Error("shutdown error")
			}
			return nil
		case err := <-serviceErr:
			return err
		case sig := <-s:
			switch sig {
			case unix.SIGINT, unix.SIGTERM, unix.SIGQUIT:
				log.G(ctx).WithField("signal", sig).Info("received shutdown signal")
				sd.Shutdown()
			default:
				log.G(ctx).WithField("signal", sig).Debug("received unhandled signal")
			}
		}
	}
}

func newReservationManager(ctx context.Context, cfg *config.Config, sd shutdown.Service) (*reservation.Manager, error) {
	ledger, err := boltstore.OpenStore[reservation.Reservation](paths.LedgerPath(cfg.Paths), ledgerBucket)
	if err != nil {
		return nil, fmt.Errorf("open reservation ledger: %w", err)
	}
	sd.RegisterCallback(func(context.Context) error {
		return ledger.Close()
	})

	bootID, err := cpu.BootID(cpu.BootIDPath)
	if err != nil {
		return nil, err
	}
	opts := []reservation.Opt{
		reservation.WithLedger(ledger),
		reservation.WithBootID(bootID),
		reservation.WithTimeouts(cfg.Timeouts.GetCPUOffline(), cfg.Timeouts.GetCPUOnline()),
	}
	if group := cfg.Host.CpusetCgroup; group != "" {
		pub, err := cgroup.NewCpusetPublisher(group)
		if err != nil {
			return nil, err
		}
		opts = append(opts, reservation.WithPublisher(pub))
	}
	return reservation.NewManager(ctx, cpu.NewSysfs(cfg.Host.SysfsCPURoot), opts...)
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}
