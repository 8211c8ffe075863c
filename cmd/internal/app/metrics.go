package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the Prometheus registry and the counters the websocket
// gateway reports into. It satisfies gateway.Stats.
type Metrics struct {
	reg *prometheus.Registry

	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	messagesSent   prometheus.Counter
	convsCreated   prometheus.Counter
	mediaUploads   prometheus.Counter

	storeOps *prometheus.HistogramVec
}

// NewMetrics builds an isolated registry with runtime collectors plus the
// app counters. Isolated (not the global default) so tests can construct
// any number of instances without duplicate-registration panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "ws",
			Name:      "sessions_active",
			Help:      "Currently connected websocket sessions.",
		}),
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "ws",
			Name:      "sessions_total",
			Help:      "Websocket sessions accepted since start.",
		}),
		messagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "messages_sent_total",
			Help:      "Chat messages accepted over the gateway.",
		}),
		convsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "conversations_created_total",
			Help:      "Conversations materialized by a first send.",
		}),
		mediaUploads: f.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "media",
			Name:      "uploads_total",
			Help:      "Media objects stored via the upload endpoint.",
		}),
		storeOps: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "parley",
			Subsystem: "store",
			Name:      "op_duration_seconds",
			Help:      "Document store operation latency by op.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) SessionOpened() {
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() { m.sessionsActive.Dec() }

func (m *Metrics) MessageSent() { m.messagesSent.Inc() }

func (m *Metrics) ConversationCreated() { m.convsCreated.Inc() }

func (m *Metrics) observeStoreOp(op string, seconds float64) {
	m.storeOps.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) MediaUploaded() { m.mediaUploads.Inc() }

// Handler serves the /metrics scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
