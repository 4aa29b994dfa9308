// Package metrics exposes the process's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type Metrics struct {
	registry *prometheus.Registry

	messagesSent      prometheus.Counter
	fanoutRecipients  prometheus.Histogram
	tasks             *prometheus.CounterVec
	presenceChanges   *prometheus.CounterVec
	presencePruned    prometheus.Counter
	cacheLookups      *prometheus.CounterVec
	connectionHeals   prometheus.Counter
	rateLimitRejected *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted through the send path.",
		}),
		fanoutRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_fanout_recipients",
			Help:      "Recipients touched by one delivery task.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_tasks_total",
			Help:      "Delivery tasks by outcome.",
		}, []string{"outcome"}),
		presenceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_changes_total",
			Help:      "Presence change broadcasts by status.",
		}, []string{"status"}),
		presencePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_pruned_total",
			Help:      "Users swept offline by the presence pruner.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Chat cache lookups by view and result.",
		}, []string{"view", "result"}),
		connectionHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_self_heals_total",
			Help:      "Heartbeats that re-registered an expired connection.",
		}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by a rate limit policy.",
		}, []string{"policy"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesSent,
		m.fanoutRecipients,
		m.tasks,
		m.presenceChanges,
		m.presencePruned,
		m.cacheLookups,
		m.connectionHeals,
		m.rateLimitRejected,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) FanoutRecipients(n int) {
	if m == nil {
		return
	}
	m.fanoutRecipients.Observe(float64(n))
}

// Task records a delivery task outcome: "ok", "skipped" or "failed".
func (m *Metrics) Task(outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PresenceChanged(status string) {
	if m == nil {
		return
	}
	m.presenceChanges.WithLabelValues(status).Inc()
}

func (m *Metrics) PresencePruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.presencePruned.Add(float64(n))
}

// CacheLookup records a hit or miss on one of the chat cache views.
func (m *Metrics) CacheLookup(view string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(view, result).Inc()
}

func (m *Metrics) ConnectionHealed() {
	if m == nil {
		return
	}
	m.connectionHeals.Inc()
}

func (m *Metrics) RateLimited(policy string) {
	if m == nil {
		return
	}
	m.rateLimitRejected.WithLabelValues(policy).Inc()
}
