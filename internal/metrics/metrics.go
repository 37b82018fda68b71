// Package metrics exposes Prometheus counters for the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what handlers report to. A nil *Collector is a valid no-op.
type Recorder interface {
	RecordAuth(op, outcome string)
	RecordRequest(method, route string, status int, d time.Duration)
	RecordChatAppend()
	RecordLegacyMigrated(n int)
}

var _ Recorder = (*Collector)(nil)

type Collector struct {
	authAttempts    *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	chatAppends     prometheus.Counter
	legacyMigrated  prometheus.Counter
}

// NewCollector registers the collector's metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_auth_attempts_total",
			Help: "Register and login attempts by outcome.",
		}, []string{"op", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskpilot_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		chatAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpilot_chat_appends_total",
			Help: "Chat messages appended to tasks.",
		}),
		legacyMigrated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpilot_legacy_tasks_migrated_total",
			Help: "Legacy tasks imported into the current schema.",
		}),
	}
	reg.MustRegister(c.authAttempts, c.requests, c.requestDuration, c.chatAppends, c.legacyMigrated)
	return c
}

func (c *Collector) RecordAuth(op, outcome string) {
	if c == nil {
		return
	}
	c.authAttempts.WithLabelValues(op, outcome).Inc()
}

func (c *Collector) RecordRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) RecordChatAppend() {
	if c == nil {
		return
	}
	c.chatAppends.Inc()
}

func (c *Collector) RecordLegacyMigrated(n int) {
	if c == nil {
		return
	}
	c.legacyMigrated.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
