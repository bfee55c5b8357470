package client

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/resi-gateway/pkg/metrics"
)

// metricsCollector exports node-side execution metrics.
// This is separate from the gateway's resi_gateway_* metrics.
type metricsCollector struct {
	info            *prometheus.Desc
	connected       *prometheus.Desc
	executedTotal   *prometheus.Desc
	failedTotal     *prometheus.Desc
	active          *prometheus.Desc
	bytesFromTarget *prometheus.Desc
	reconnectsTotal *prometheus.Desc

	// state
	mu         sync.RWMutex
	isUp       bool
	executed   map[string]float64            // kind -> count
	failed     map[string]map[string]float64 // kind -> reason -> count
	inFlight   map[string]float64            // kind -> gauge
	bytesRx    map[string]float64            // kind -> bytes
	reconnects float64
}

var (
	nodeMetricsOnce sync.Once
	nodeMetrics     *metricsCollector
)

// NewMetricsCollector returns a singleton prometheus.Collector for node-side metrics.
func NewMetricsCollector() prometheus.Collector {
	nodeMetricsOnce.Do(func() {
		nodeMetrics = &metricsCollector{
			info: prometheus.NewDesc(
				"resi_node_info",
				"Node agent process info metric (always 1)",
				[]string{"node", "pod"},
				nil,
			),
			connected: prometheus.NewDesc(
				"resi_node_connected",
				"1 while the control channel to the gateway is registered",
				[]string{"node", "pod"},
				nil,
			),
			executedTotal: prometheus.NewDesc(
				"resi_node_executed_total",
				"Total dispatched requests and tunnels handled by this node (by kind)",
				[]string{"kind", "node", "pod"},
				nil,
			),
			failedTotal: prometheus.NewDesc(
				"resi_node_failed_total",
				"Total dispatched requests and tunnels that failed on this node (by kind and reason)",
				[]string{"kind", "reason", "node", "pod"},
				nil,
			),
			active: prometheus.NewDesc(
				"resi_node_active",
				"Current number of in-flight requests and tunnels on this node (by kind)",
				[]string{"kind", "node", "pod"},
				nil,
			),
			bytesFromTarget: prometheus.NewDesc(
				"resi_node_bytes_rx_total",
				"Bytes received from targets (by kind)",
				[]string{"kind", "node", "pod"},
				nil,
			),
			reconnectsTotal: prometheus.NewDesc(
				"resi_node_registrations_total",
				"Total successful registrations with the gateway",
				[]string{"node", "pod"},
				nil,
			),
			executed: make(map[string]float64),
			failed:   make(map[string]map[string]float64),
			inFlight: make(map[string]float64),
			bytesRx:  make(map[string]float64),
		}
	})
	return nodeMetrics
}

func (m *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.info
	ch <- m.connected
	ch <- m.executedTotal
	ch <- m.failedTotal
	ch <- m.active
	ch <- m.bytesFromTarget
	ch <- m.reconnectsTotal
}

func (m *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	node, pod := metrics.Labels()

	ch <- prometheus.MustNewConstMetric(m.info, prometheus.GaugeValue, 1, node, pod)

	m.mu.RLock()
	defer m.mu.RUnlock()

	up := 0.0
	if m.isUp {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(m.connected, prometheus.GaugeValue, up, node, pod)
	ch <- prometheus.MustNewConstMetric(m.reconnectsTotal, prometheus.CounterValue, m.reconnects, node, pod)

	for kind, v := range m.executed {
		ch <- prometheus.MustNewConstMetric(m.executedTotal, prometheus.CounterValue, v, kind, node, pod)
	}
	for kind, byReason := range m.failed {
		for reason, v := range byReason {
			ch <- prometheus.MustNewConstMetric(m.failedTotal, prometheus.CounterValue, v, kind, reason, node, pod)
		}
	}
	for kind, v := range m.inFlight {
		ch <- prometheus.MustNewConstMetric(m.active, prometheus.GaugeValue, v, kind, node, pod)
	}
	for kind, v := range m.bytesRx {
		ch <- prometheus.MustNewConstMetric(m.bytesFromTarget, prometheus.CounterValue, v, kind, node, pod)
	}
}

func recordConnected(up bool) {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.mu.Lock()
	defer nodeMetrics.mu.Unlock()
	nodeMetrics.isUp = up
	if up {
		nodeMetrics.reconnects++
	}
}

func recordStart(kind string) {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.mu.Lock()
	defer nodeMetrics.mu.Unlock()
	nodeMetrics.inFlight[kind]++
}

func recordSuccess(kind string, bytesRx int64) {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.mu.Lock()
	defer nodeMetrics.mu.Unlock()
	nodeMetrics.executed[kind]++
	nodeMetrics.bytesRx[kind] += float64(bytesRx)
	if nodeMetrics.inFlight[kind] > 0 {
		nodeMetrics.inFlight[kind]--
	}
}

func recordFail(kind, reason string) {
	if nodeMetrics == nil {
		return
	}
	nodeMetrics.mu.Lock()
	defer nodeMetrics.mu.Unlock()
	nodeMetrics.executed[kind]++
	if _, ok := nodeMetrics.failed[kind]; !ok {
		nodeMetrics.failed[kind] = make(map[string]float64)
	}
	nodeMetrics.failed[kind][reason]++
	if nodeMetrics.inFlight[kind] > 0 {
		nodeMetrics.inFlight[kind]--
	}
}
