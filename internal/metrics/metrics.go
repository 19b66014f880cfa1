// Package metrics exposes relay and persistence counters to Prometheus.
// All methods are safe on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	RelayedMessages *prometheus.CounterVec
	RelayedBytes    *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	ActiveRooms     prometheus.Gauge
	ActiveSessions  prometheus.Gauge

	StoreOps      *prometheus.CounterVec
	StoreDuration *prometheus.HistogramVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector builds a collector on its own registry so tests can create
// as many as they like.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		RelayedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Messages fanned out to sessions, by event.",
		}, []string{"event"}),
		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_payload_bytes_total",
			Help:      "Encoded argument bytes fanned out, by event.",
		}, []string{"event"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_total",
			Help:      "Messages not delivered or not relayed, by reason.",
		}, []string{"reason"}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms with at least one session.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open hub connections.",
		}),
		StoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Room state store operations.",
		}, []string{"operation", "status"}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Room state store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	c.registry.MustRegister(
		c.RelayedMessages, c.RelayedBytes, c.Dropped,
		c.ActiveRooms, c.ActiveSessions,
		c.StoreOps, c.StoreDuration,
		c.HTTPRequests, c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Relayed(event string, payloadBytes, recipients int) {
	if c == nil || recipients == 0 {
		return
	}
	c.RelayedMessages.WithLabelValues(event).Add(float64(recipients))
	c.RelayedBytes.WithLabelValues(event).Add(float64(payloadBytes * recipients))
}

func (c *Collector) Drop(reason string) {
	if c == nil {
		return
	}
	c.Dropped.WithLabelValues(reason).Inc()
}

func (c *Collector) SetRooms(n int) {
	if c == nil {
		return
	}
	c.ActiveRooms.Set(float64(n))
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.ActiveSessions.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.ActiveSessions.Dec()
}

func (c *Collector) ObserveStore(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StoreOps.WithLabelValues(op, status).Inc()
	c.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Collector) ObserveHTTP(method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method).Observe(d.Seconds())
}
