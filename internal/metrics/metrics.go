// Package metrics provides a Prometheus-backed implementation of the
// server's MetricsCollector interface, plus the HTTP handler that exposes
// it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements server.MetricsCollector on Prometheus primitives.
// All methods are counter/gauge updates and never block.
type Collector struct {
	registry *prometheus.Registry

	commands       *prometheus.CounterVec
	transferBytes  *prometheus.CounterVec
	transferCount  *prometheus.CounterVec
	transferTime   *prometheus.HistogramVec
	connections    *prometheus.CounterVec
	authentication *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_commands_total",
			Help: "FTP commands processed, by verb.",
		}, []string{"cmd"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_transfer_bytes_total",
			Help: "Bytes moved by data transfers, by operation.",
		}, []string{"operation"}),
		transferCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_transfers_total",
			Help: "Data transfers, by operation.",
		}, []string{"operation"}),
		transferTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftpd_transfer_duration_seconds",
			Help:    "Data transfer duration, by operation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_connections_total",
			Help: "Connection attempts, by outcome reason.",
		}, []string{"reason"}),
		authentication: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpd_authentications_total",
			Help: "Authentication attempts, by result.",
		}, []string{"result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ftpd_active_sessions",
			Help: "Sessions currently being served.",
		}),
	}

	c.registry.MustRegister(
		c.commands, c.transferBytes, c.transferCount, c.transferTime,
		c.connections, c.authentication, c.activeSessions,
	)
	return c
}

// Handler returns the HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordCommand(cmd string, success bool, duration time.Duration) {
	c.commands.WithLabelValues(cmd).Inc()
}

func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	c.transferCount.WithLabelValues(operation).Inc()
	c.transferBytes.WithLabelValues(operation).Add(float64(bytes))
	c.transferTime.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordConnection(accepted bool, reason string) {
	c.connections.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordAuthentication(success bool, user string) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authentication.WithLabelValues(result).Inc()
}

func (c *Collector) SetActiveSessions(n int64) {
	c.activeSessions.Set(float64(n))
}
