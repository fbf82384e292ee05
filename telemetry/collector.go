package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jarney/snackbot/core"
)

const namespace = "snackbot"

// Collector exposes the manager gauges and lifetime stats to prometheus.
// Values are read at scrape time.
type Collector struct {
	manager *core.Manager

	running        *prometheus.Desc
	biotes         *prometheus.Desc
	readyDepth     *prometheus.Desc
	pendingTimers  *prometheus.Desc
	busyWorkers    *prometheus.Desc
	slow           *prometheus.Desc
	operations     *prometheus.Desc
	operationMicro *prometheus.Desc
	operationMax   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for m.
func NewCollector(m *core.Manager) *Collector {
	labels := prometheus.Labels{"manager": m.Name()}
	return &Collector{
		manager: m,
		running: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "running"),
			"1 while the biote manager accepts work.", nil, labels),
		biotes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "biotes"),
			"Number of live biotes.", nil, labels),
		readyDepth: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "ready_queue_depth"),
			"Biotes waiting for a worker.", nil, labels),
		pendingTimers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "pending_timers"),
			"Timers armed and not yet fired.", nil, labels),
		busyWorkers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "busy_workers"),
			"Workers currently running a biote.", nil, labels),
		slow: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "slow_activations"),
			"Activations running longer than the long activation threshold.", nil, labels),
		operations: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "operations_total"),
			"Runtime operations sampled by the stats collector.", []string{"name"}, labels),
		operationMicro: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "operation_microseconds_total"),
			"Sum of the sampled operation durations.", []string{"name"}, labels),
		operationMax: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "operation_microseconds_max"),
			"Longest sampled operation duration.", []string{"name"}, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.biotes
	ch <- c.readyDepth
	ch <- c.pendingTimers
	ch <- c.busyWorkers
	ch <- c.slow
	ch <- c.operations
	ch <- c.operationMicro
	ch <- c.operationMax
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.manager.Snapshot()

	running := 0.0
	if snap.Running && !snap.Stopping {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)
	ch <- prometheus.MustNewConstMetric(c.biotes, prometheus.GaugeValue, float64(snap.Biotes))
	ch <- prometheus.MustNewConstMetric(c.readyDepth, prometheus.GaugeValue, float64(snap.ReadyDepth))
	ch <- prometheus.MustNewConstMetric(c.pendingTimers, prometheus.GaugeValue, float64(snap.PendingTimers))
	ch <- prometheus.MustNewConstMetric(c.busyWorkers, prometheus.GaugeValue, float64(snap.BusyWorkers))
	ch <- prometheus.MustNewConstMetric(c.slow, prometheus.GaugeValue, float64(len(c.manager.CheckThreadActivity())))

	for _, st := range c.manager.LifetimeStats() {
		ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(st.Samples), st.Name)
		ch <- prometheus.MustNewConstMetric(c.operationMicro, prometheus.CounterValue, float64(st.Total), st.Name)
		ch <- prometheus.MustNewConstMetric(c.operationMax, prometheus.GaugeValue, float64(st.Max), st.Name)
	}
}

// NewRegistry returns a private registry holding the runtime collector and
// the process and Go runtime collectors.
func NewRegistry(m *core.Manager) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	return reg
}
