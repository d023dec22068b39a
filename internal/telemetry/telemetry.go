// Package telemetry exports fleet lifecycle metrics to Prometheus and serves
// them together with health checks.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3cpo-dev/burst/pkg/burst"
)

// Collector turns orchestrator events into Prometheus metrics. It
// implements burst.Recorder.
type Collector struct {
	runsActive       prometheus.Gauge
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	nodeTransitions  *prometheus.CounterVec
	resourcesCreated *prometheus.CounterVec
	resourcesFreed   *prometheus.CounterVec
	outstanding      *prometheus.GaugeVec

	mu    sync.Mutex
	owing map[burst.ResourceKind]int
}

// NewCollector registers the metrics with reg. A nil reg uses a fresh
// registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "burst",
			Name:      "runs_active",
			Help:      "Fleet runs between start and teardown completion.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "burst",
			Name:      "runs_total",
			Help:      "Finished fleet runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "burst",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a fleet run including teardown.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}),
		nodeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "burst",
			Name:      "node_transitions_total",
			Help:      "Node state transitions by group and target state.",
		}, []string{"group", "state"}),
		resourcesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "burst",
			Name:      "resources_created_total",
			Help:      "Provider requests and instances created.",
		}, []string{"kind"}),
		resourcesFreed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "burst",
			Name:      "resources_released_total",
			Help:      "Provider requests cancelled and instances terminated.",
		}, []string{"kind"}),
		outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "burst",
			Name:      "resources_outstanding",
			Help:      "Provider resources created and not yet released.",
		}, []string{"kind"}),
	}
	c.owing = map[burst.ResourceKind]int{}
	reg.MustRegister(c.runsActive, c.runs, c.runDuration, c.nodeTransitions, c.resourcesCreated, c.resourcesFreed, c.outstanding)
	return c
}

func (c *Collector) RunStarted(context.Context, string, *burst.FleetSpec, string) {
	c.runsActive.Inc()
}

func (c *Collector) ResourceCreated(_ context.Context, _, _ string, kind burst.ResourceKind, _ string) {
	c.resourcesCreated.WithLabelValues(string(kind)).Inc()
	c.outstanding.WithLabelValues(string(kind)).Inc()
	c.mu.Lock()
	c.owing[kind]++
	c.mu.Unlock()
}

func (c *Collector) ResourceReleased(_ context.Context, _ string, kind burst.ResourceKind, _ string) {
	c.resourcesFreed.WithLabelValues(string(kind)).Inc()
	c.outstanding.WithLabelValues(string(kind)).Dec()
	c.mu.Lock()
	c.owing[kind]--
	c.mu.Unlock()
}

func (c *Collector) NodeTransition(_ context.Context, _, group string, _, to burst.NodeState) {
	c.nodeTransitions.WithLabelValues(group, to.String()).Inc()
}

func (c *Collector) RunFinished(_ context.Context, _ string, res *burst.Result, elapsed time.Duration) {
	c.runsActive.Dec()
	c.runs.WithLabelValues(res.Outcome.String()).Inc()
	c.runDuration.Observe(elapsed.Seconds())
}

// Outstanding reports the resources of kind created and not yet released.
func (c *Collector) Outstanding(kind burst.ResourceKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owing[kind]
}
