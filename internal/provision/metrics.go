package provision

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsProvider defines the interface for provisioning metrics.
type MetricsProvider interface {
	IncrementCreates(mode string)
	IncrementCreateFailures(stage string)
	ObserveCreateDuration(duration time.Duration)
	IncrementOrphanedVMs()
	IncrementHypercallErrors(op string)
	IncrementQuarantinedBuffers()
	SetLiveVMs(count float64)
	SetReservedCPUs(count float64)
}

// NoopMetricsProvider implements MetricsProvider with no-op operations.
type NoopMetricsProvider struct{}

func (n *NoopMetricsProvider) IncrementCreates(mode string)                 {}
func (n *NoopMetricsProvider) IncrementCreateFailures(stage string)         {}
func (n *NoopMetricsProvider) ObserveCreateDuration(duration time.Duration) {}
func (n *NoopMetricsProvider) IncrementOrphanedVMs()                        {}
func (n *NoopMetricsProvider) IncrementHypercallErrors(op string)           {}
func (n *NoopMetricsProvider) IncrementQuarantinedBuffers()                 {}
func (n *NoopMetricsProvider) SetLiveVMs(count float64)                     {}
func (n *NoopMetricsProvider) SetReservedCPUs(count float64)                {}

// NewNoopMetricsProvider creates a new NoopMetricsProvider.
func NewNoopMetricsProvider() *NoopMetricsProvider {
	return &NoopMetricsProvider{}
}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus.
type PrometheusMetricsProvider struct {
	creates        *prometheus.CounterVec
	createFailures *prometheus.CounterVec
	createDuration prometheus.Histogram
	orphanedVMs    prometheus.Counter
	hypercallErrs  *prometheus.CounterVec
	quarantined    prometheus.Counter
	liveVMs        prometheus.Gauge
	reservedCPUs   prometheus.Gauge
}

// NewPrometheusMetricsProvider creates a provider registered on registry.
func NewPrometheusMetricsProvider(registry prometheus.Registerer) *PrometheusMetricsProvider {
	p := &PrometheusMetricsProvider{
		creates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hvagent_vm_creates_total",
			Help: "Total number of successful VM creations",
		}, []string{"mode"}),
		createFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hvagent_vm_create_failures_total",
			Help: "Total number of failed VM creations by the step that failed",
		}, []string{"stage"}),
		createDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hvagent_vm_create_duration_seconds",
			Help:    "Duration of VM create operations, including rollback",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		orphanedVMs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hvagent_orphaned_vms_total",
			Help: "VMs created in the hypervisor whose create failed afterwards and could not be torn down",
		}),
		hypercallErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hvagent_hypercall_errors_total",
			Help: "Total number of failed or timed out hypercalls",
		}, []string{"op"}),
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hvagent_quarantined_staging_buffers_total",
			Help: "Staging buffers withheld from reuse because a timed out hypercall may still access them",
		}),
		liveVMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hvagent_live_vms",
			Help: "Number of VMs currently owning CPUs",
		}),
		reservedCPUs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hvagent_reserved_cpus",
			Help: "Number of host CPUs withdrawn for guests",
		}),
	}

	registry.MustRegister(
		p.creates,
		p.createFailures,
		p.createDuration,
		p.orphanedVMs,
		p.hypercallErrs,
		p.quarantined,
		p.liveVMs,
		p.reservedCPUs,
	)

	return p
}

func (p *PrometheusMetricsProvider) IncrementCreates(mode string) {
	p.creates.WithLabelValues(mode).Inc()
}

func (p *PrometheusMetricsProvider) IncrementCreateFailures(stage string) {
	p.createFailures.WithLabelValues(stage).Inc()
}

func (p *PrometheusMetricsProvider) ObserveCreateDuration(duration time.Duration) {
	p.createDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetricsProvider) IncrementOrphanedVMs() {
	p.orphanedVMs.Inc()
}

func (p *PrometheusMetricsProvider) IncrementHypercallErrors(op string) {
	p.hypercallErrs.WithLabelValues(op).Inc()
}

func (p *PrometheusMetricsProvider) IncrementQuarantinedBuffers() {
	p.quarantined.Inc()
}

func (p *PrometheusMetricsProvider) SetLiveVMs(count float64) {
	p.liveVMs.Set(count)
}

func (p *PrometheusMetricsProvider) SetReservedCPUs(count float64) {
	p.reservedCPUs.Set(count)
}
