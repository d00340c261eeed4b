// Package metrics exposes the server's operational counters on a
// Prometheus registry scraped through the admin HTTP listener.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kvlite/pkg/kv"
)

type Metrics struct {
	registry *prometheus.Registry

	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	clients        prometheus.Gauge
	rejected       prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvlite",
			Name:      "commands_total",
			Help:      "Commands processed, by command name and outcome.",
		}, []string{"command", "ok"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kvlite",
			Name:      "command_duration_seconds",
			Help:      "Command execution latency.",
			Buckets:   prometheus.ExponentialBuckets(10e-6, 4, 10),
		}, []string{"command"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvlite",
			Name:      "connected_clients",
			Help:      "Currently open client connections.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvlite",
			Name:      "rejected_connections_total",
			Help:      "Connections refused because the client limit was reached.",
		}),
	}
	reg.MustRegister(m.commands, m.commandLatency, m.clients, m.rejected)
	return m
}

// ObserveCommand records one executed command.
func (m *Metrics) ObserveCommand(name string, ok bool, took time.Duration) {
	m.commands.WithLabelValues(name, strconv.FormatBool(ok)).Inc()
	m.commandLatency.WithLabelValues(name).Observe(took.Seconds())
}

func (m *Metrics) ClientConnected()    { m.clients.Inc() }
func (m *Metrics) ClientDisconnected() { m.clients.Dec() }
func (m *Metrics) ClientRejected()     { m.rejected.Inc() }

// RegisterStore wires gauges that sample the storage engine on scrape.
func (m *Metrics) RegisterStore(s *kv.Store) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "kvlite",
			Name:      "memory_used_bytes",
			Help:      "Estimated bytes held by live entries.",
		}, func() float64 { return float64(s.MemoryUsed()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "kvlite",
			Name:      "keys",
			Help:      "Live keys across all shards.",
		}, func() float64 { return float64(s.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "kvlite",
			Name:      "evictions_total",
			Help:      "Keys evicted under memory pressure.",
		}, func() float64 { return float64(s.Stats().Evictions) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "kvlite",
			Name:      "expirations_total",
			Help:      "Keys removed because their TTL elapsed.",
		}, func() float64 { return float64(s.Stats().Expirations) }),
	)
}

// RegisterReplicationOffset exposes the replication byte offset for the
// node's role (master stream end, or replica applied position).
func (m *Metrics) RegisterReplicationOffset(role string, fn func() uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "kvlite",
		Name:        "replication_offset_bytes",
		Help:        "Replication stream position in bytes.",
		ConstLabels: prometheus.Labels{"role": role},
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
