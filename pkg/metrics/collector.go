package metrics

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/resi-gateway/pkg/types"
)

// Sources are the live gauges the collector reads on every scrape.
type Sources struct {
	NodeCounts      func() map[types.NodeStatus]int
	PendingRequests func() int
	ActiveTunnels   func() int
	SessionBindings func() int
}

// Collector Prometheus metrics collector
type Collector struct {
	src Sources

	// Info metric (always 1)
	gatewayInfo *prometheus.Desc

	// Node metrics
	nodes                  *prometheus.Desc
	nodeRegistrationsTotal *prometheus.Desc
	nodeDisconnectsTotal   *prometheus.Desc
	nodeCooldownsTotal     *prometheus.Desc

	// Ingress metrics
	ingressConnectionsTotal *prometheus.Desc
	ingressActive           *prometheus.Desc
	bytesTx                 *prometheus.Desc
	bytesRx                 *prometheus.Desc

	// Dispatch metrics
	pendingRequests  *prometheus.Desc
	activeTunnels    *prometheus.Desc
	sessionBindings  *prometheus.Desc
	dispatchTotal    *prometheus.Desc
	completionsTotal *prometheus.Desc
	latencySeconds   *prometheus.Desc
	tunnelsClosed    *prometheus.Desc
	tunnelBytes      *prometheus.Desc

	// Error metrics (low cardinality)
	proxyErrorsTotal *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock      sync.RWMutex
	registrations    map[string]float64 // country
	disconnects      map[string]float64 // country
	ingressByProto   map[string]float64
	activeByProto    map[string]float64
	bytesTxByProto   map[string]float64
	bytesRxByProto   map[string]float64
	dispatchByKind   map[string]float64
	completionsByKey map[string]float64 // "kind:outcome"
	latencySum       map[string]float64 // kind
	latencyCount     map[string]float64 // kind
	proxyErrorsByKey map[string]float64 // "protocol:reason"
	tunnelsByReason  map[string]float64
	tunnelBytesByDir map[string]float64
	cooldowns        float64
}

// NewCollector creates a new metrics collector
func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,
		gatewayInfo: prometheus.NewDesc(
			"resi_gateway_info",
			"Gateway process info metric (always 1)",
			[]string{"node", "pod"},
			nil,
		),
		nodes: prometheus.NewDesc(
			"resi_gateway_nodes",
			"Number of registered nodes by status",
			[]string{"status", "node", "pod"},
			nil,
		),
		nodeRegistrationsTotal: prometheus.NewDesc(
			"resi_gateway_node_registrations_total",
			"Total node registrations (including re-registrations) by advertised country",
			[]string{"country", "node", "pod"},
			nil,
		),
		nodeDisconnectsTotal: prometheus.NewDesc(
			"resi_gateway_node_disconnects_total",
			"Total node control connection drops by advertised country",
			[]string{"country", "node", "pod"},
			nil,
		),
		nodeCooldownsTotal: prometheus.NewDesc(
			"resi_gateway_node_cooldowns_total",
			"Total registrations refused because the device reconnected too often",
			[]string{"node", "pod"},
			nil,
		),
		ingressConnectionsTotal: prometheus.NewDesc(
			"resi_gateway_ingress_requests_total",
			"Total proxied client requests by ingress protocol",
			[]string{"protocol", "node", "pod"},
			nil,
		),
		ingressActive: prometheus.NewDesc(
			"resi_gateway_ingress_active",
			"Client requests currently being relayed by ingress protocol",
			[]string{"protocol", "node", "pod"},
			nil,
		),
		bytesTx: prometheus.NewDesc(
			"resi_gateway_bytes_tx_total",
			"Bytes sent from clients toward nodes",
			[]string{"protocol", "node", "pod"},
			nil,
		),
		bytesRx: prometheus.NewDesc(
			"resi_gateway_bytes_rx_total",
			"Bytes relayed from nodes back to clients",
			[]string{"protocol", "node", "pod"},
			nil,
		),
		pendingRequests: prometheus.NewDesc(
			"resi_gateway_pending_requests",
			"Requests and tunnel handshakes awaiting a node answer",
			[]string{"node", "pod"},
			nil,
		),
		activeTunnels: prometheus.NewDesc(
			"resi_gateway_active_tunnels",
			"Open tunnel streams",
			[]string{"node", "pod"},
			nil,
		),
		sessionBindings: prometheus.NewDesc(
			"resi_gateway_session_bindings",
			"Live sticky session bindings",
			[]string{"node", "pod"},
			nil,
		),
		dispatchTotal: prometheus.NewDesc(
			"resi_gateway_dispatch_total",
			"Total dispatches to nodes by kind (request, tunnel)",
			[]string{"kind", "node", "pod"},
			nil,
		),
		completionsTotal: prometheus.NewDesc(
			"resi_gateway_completions_total",
			"Total dispatch completions by kind and outcome",
			[]string{"kind", "outcome", "node", "pod"},
			nil,
		),
		latencySeconds: prometheus.NewDesc(
			"resi_gateway_latency_seconds",
			"Average dispatch latency in seconds for successful completions",
			[]string{"kind", "node", "pod"},
			nil,
		),
		tunnelsClosed: prometheus.NewDesc(
			"resi_gateway_tunnels_closed_total",
			"Total tunnel streams torn down by reason (closed, expired)",
			[]string{"reason", "node", "pod"},
			nil,
		),
		tunnelBytes: prometheus.NewDesc(
			"resi_gateway_tunnel_bytes_total",
			"Tunnel payload bytes by direction (to_node, from_node)",
			[]string{"direction", "node", "pod"},
			nil,
		),
		proxyErrorsTotal: prometheus.NewDesc(
			"resi_gateway_proxy_errors_total",
			"Total client-visible proxy errors by ingress protocol and reason",
			[]string{"protocol", "reason", "node", "pod"},
			nil,
		),
		registrations:    make(map[string]float64),
		disconnects:      make(map[string]float64),
		ingressByProto:   make(map[string]float64),
		activeByProto:    make(map[string]float64),
		bytesTxByProto:   make(map[string]float64),
		bytesRxByProto:   make(map[string]float64),
		dispatchByKind:   make(map[string]float64),
		completionsByKey: make(map[string]float64),
		latencySum:       make(map[string]float64),
		latencyCount:     make(map[string]float64),
		proxyErrorsByKey: make(map[string]float64),
		tunnelsByReason:  make(map[string]float64),
		tunnelBytesByDir: make(map[string]float64),
	}
}

func countryLabel(country string) string {
	if country == "" {
		return "unknown"
	}
	return strings.ToUpper(country)
}

// RecordNodeRegistration records a register message accepted from a node.
func (c *Collector) RecordNodeRegistration(country string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.registrations[countryLabel(country)]++
}

// RecordNodeDisconnect records a node control connection drop.
func (c *Collector) RecordNodeDisconnect(country string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.disconnects[countryLabel(country)]++
}

// RecordNodeCooldown records a registration refused for reconnecting too often.
func (c *Collector) RecordNodeCooldown() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.cooldowns++
}

// RecordTunnelClosed records a torn down tunnel stream and its payload.
func (c *Collector) RecordTunnelClosed(expired bool, toNode, fromNode int64) {
	reason := "closed"
	if expired {
		reason = "expired"
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.tunnelsByReason[reason]++
	c.tunnelBytesByDir["to_node"] += float64(toNode)
	c.tunnelBytesByDir["from_node"] += float64(fromNode)
}

// IncActive marks one client request in flight on protocol.
func (c *Collector) IncActive(protocol string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.ingressByProto[protocol]++
	c.activeByProto[protocol]++
}

// DecActive ends a request started with IncActive and adds its traffic.
func (c *Collector) DecActive(protocol string, bytesTx, bytesRx int64) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	if c.activeByProto[protocol] > 0 {
		c.activeByProto[protocol]--
	}
	c.bytesTxByProto[protocol] += float64(bytesTx)
	c.bytesRxByProto[protocol] += float64(bytesRx)
}

// RecordDispatch records a request or tunnel handshake sent to a node.
func (c *Collector) RecordDispatch(kind string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.dispatchByKind[kind]++
}

// RecordCompletion records how a dispatch ended.
func (c *Collector) RecordCompletion(kind, outcome string, duration time.Duration) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.completionsByKey[fmt.Sprintf("%s:%s", kind, outcome)]++
	if outcome == "ok" {
		c.latencySum[kind] += duration.Seconds()
		c.latencyCount[kind]++
	}
}

// RecordProxyError records a client-visible error by reason (low cardinality).
func (c *Collector) RecordProxyError(protocol, reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.proxyErrorsByKey[fmt.Sprintf("%s:%s", protocol, reason)]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.gatewayInfo
	ch <- c.nodes
	ch <- c.nodeRegistrationsTotal
	ch <- c.nodeDisconnectsTotal
	ch <- c.nodeCooldownsTotal
	ch <- c.ingressConnectionsTotal
	ch <- c.ingressActive
	ch <- c.bytesTx
	ch <- c.bytesRx
	ch <- c.pendingRequests
	ch <- c.activeTunnels
	ch <- c.sessionBindings
	ch <- c.dispatchTotal
	ch <- c.completionsTotal
	ch <- c.latencySeconds
	ch <- c.tunnelsClosed
	ch <- c.tunnelBytes
	ch <- c.proxyErrorsTotal
}

// Labels returns the node/pod labels attached to every series.
func Labels() (nodeName, podName string) {
	nodeName = os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}
	podName = os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}
	return nodeName, podName
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName, podName := Labels()

	ch <- prometheus.MustNewConstMetric(c.gatewayInfo, prometheus.GaugeValue, 1, nodeName, podName)

	if c.src.NodeCounts != nil {
		for status, n := range c.src.NodeCounts() {
			ch <- prometheus.MustNewConstMetric(c.nodes, prometheus.GaugeValue, float64(n), string(status), nodeName, podName)
		}
	}
	gauge := func(desc *prometheus.Desc, fn func() int) {
		if fn != nil {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(fn()), nodeName, podName)
		}
	}
	gauge(c.pendingRequests, c.src.PendingRequests)
	gauge(c.activeTunnels, c.src.ActiveTunnels)
	gauge(c.sessionBindings, c.src.SessionBindings)

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	byLabel := func(desc *prometheus.Desc, vt prometheus.ValueType, m map[string]float64) {
		for label, v := range m {
			ch <- prometheus.MustNewConstMetric(desc, vt, v, label, nodeName, podName)
		}
	}
	byLabel(c.nodeRegistrationsTotal, prometheus.CounterValue, c.registrations)
	byLabel(c.nodeDisconnectsTotal, prometheus.CounterValue, c.disconnects)
	byLabel(c.ingressConnectionsTotal, prometheus.CounterValue, c.ingressByProto)
	byLabel(c.ingressActive, prometheus.GaugeValue, c.activeByProto)
	byLabel(c.bytesTx, prometheus.CounterValue, c.bytesTxByProto)
	byLabel(c.bytesRx, prometheus.CounterValue, c.bytesRxByProto)
	byLabel(c.dispatchTotal, prometheus.CounterValue, c.dispatchByKind)
	byLabel(c.tunnelsClosed, prometheus.CounterValue, c.tunnelsByReason)
	byLabel(c.tunnelBytes, prometheus.CounterValue, c.tunnelBytesByDir)
	ch <- prometheus.MustNewConstMetric(c.nodeCooldownsTotal, prometheus.CounterValue, c.cooldowns, nodeName, podName)

	for key, v := range c.completionsByKey {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) == 2 {
			ch <- prometheus.MustNewConstMetric(c.completionsTotal, prometheus.CounterValue, v, parts[0], parts[1], nodeName, podName)
		}
	}

	for kind, sum := range c.latencySum {
		if c.latencyCount[kind] > 0 {
			avg := sum / c.latencyCount[kind]
			ch <- prometheus.MustNewConstMetric(c.latencySeconds, prometheus.GaugeValue, avg, kind, nodeName, podName)
		}
	}

	for key, v := range c.proxyErrorsByKey {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) == 2 {
			ch <- prometheus.MustNewConstMetric(c.proxyErrorsTotal, prometheus.CounterValue, v, parts[0], parts[1], nodeName, podName)
		}
	}
}
