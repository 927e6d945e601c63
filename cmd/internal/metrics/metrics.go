// Package metrics owns the Prometheus collectors of the service.
//
// Every recording method is safe on a nil *Metrics, so packages can take an
// optional collector set without branching.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskchat"

// Metrics is the collector set registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	sendRetries      prometheus.Counter
	messagesRead     prometheus.Counter
	feedReconnects   *prometheus.CounterVec
	feedOverflows    prometheus.Counter
	feedTopics       prometheus.Gauge
	feedSubscribers  prometheus.Gauge
	heartbeats       *prometheus.CounterVec
	presenceWatchers prometheus.Gauge
	wsSessions       prometheus.Gauge
	wsRejects        *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New builds the collector set on a private registry (plus Go/process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "sent_total",
			Help: "Message sends by result (ok, invalid, failed).",
		}, []string{"result"}),
		sendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "send_retries_total",
			Help: "Send attempts retried after a transient failure.",
		}),
		messagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "read_total",
			Help: "Messages flipped to read.",
		}),
		feedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "reconnects_total",
			Help: "Upstream change-feed reconnects by result (ok, exhausted).",
		}, []string{"result"}),
		feedOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "overflows_total",
			Help: "Subscriber queue overflows collapsed into a resync.",
		}),
		feedTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "topics",
			Help: "Open upstream change-feed topics.",
		}),
		feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "subscribers",
			Help: "Live change-feed subscriptions.",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "presence", Name: "heartbeats_total",
			Help: "Presence heartbeat writes by result (ok, fail).",
		}, []string{"result"}),
		presenceWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "presence", Name: "observers",
			Help: "Live presence observations.",
		}),
		wsSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "sessions",
			Help: "Open WebSocket sessions.",
		}),
		wsRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "rejects_total",
			Help: "Rejected WebSocket upgrades or sessions by reason.",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "dispatch_total",
			Help: "Notification dispatches by type and result.",
		}, []string{"type", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status class.",
		}, []string{"method", "route", "class"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesSent, m.sendRetries, m.messagesRead,
		m.feedReconnects, m.feedOverflows, m.feedTopics, m.feedSubscribers,
		m.heartbeats, m.presenceWatchers,
		m.wsSessions, m.wsRejects,
		m.notifications,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) MessageSent(result string) {
	if m != nil {
		m.messagesSent.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SendRetried() {
	if m != nil {
		m.sendRetries.Inc()
	}
}

func (m *Metrics) MessagesRead(n int) {
	if m != nil && n > 0 {
		m.messagesRead.Add(float64(n))
	}
}

func (m *Metrics) FeedReconnect(result string) {
	if m != nil {
		m.feedReconnects.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) FeedOverflow() {
	if m != nil {
		m.feedOverflows.Inc()
	}
}

func (m *Metrics) FeedTopics(delta int) {
	if m != nil {
		m.feedTopics.Add(float64(delta))
	}
}

func (m *Metrics) FeedSubscribers(delta int) {
	if m != nil {
		m.feedSubscribers.Add(float64(delta))
	}
}

func (m *Metrics) Heartbeat(result string) {
	if m != nil {
		m.heartbeats.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PresenceObservers(delta int) {
	if m != nil {
		m.presenceWatchers.Add(float64(delta))
	}
}

func (m *Metrics) WSSessions(delta int) {
	if m != nil {
		m.wsSessions.Add(float64(delta))
	}
}

func (m *Metrics) WSReject(reason string) {
	if m != nil {
		m.wsRejects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Notification(kind, result string) {
	if m != nil {
		m.notifications.WithLabelValues(kind, result).Inc()
	}
}

// HTTPRequest records one finished request.
func (m *Metrics) HTTPRequest(method, route, class string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, class).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}
