package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quickcommerce/internal/apperr"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/notify"
)

// Metrics are the dispatch counters exported on /metrics. Each Metrics owns
// its registry so several servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	claims          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	locationReports *prometheus.CounterVec
	frames          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	sessions        prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcommerce",
			Name:      "claims_total",
			Help:      "Order claim attempts by outcome and loss reason.",
		}, []string{"outcome", "reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcommerce",
			Name:      "transitions_total",
			Help:      "Committed order status transitions by target status.",
		}, []string{"status"}),
		locationReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcommerce",
			Name:      "location_reports_total",
			Help:      "Position reports by result.",
		}, []string{"result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcommerce",
			Name:      "ws_frames_total",
			Help:      "Inbound WebSocket frames by type.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcommerce",
			Name:      "event_deliveries_total",
			Help:      "Events delivered to local connections by kind.",
		}, []string{"kind"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quickcommerce",
			Name:      "sessions",
			Help:      "Connected WebSocket sessions.",
		}),
	}
	m.registry.MustRegister(
		m.claims, m.transitions, m.locationReports, m.frames, m.deliveries, m.sessions,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeClaim(won bool, reason apperr.Reason, err error) {
	switch {
	case err != nil:
		m.claims.WithLabelValues("error", string(apperr.ReasonOf(err))).Inc()
	case won:
		m.claims.WithLabelValues("won", "").Inc()
	default:
		m.claims.WithLabelValues("lost", string(reason)).Inc()
	}
}

func (m *Metrics) observeTransition(status domain.OrderStatus) {
	m.transitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeLocation(err error) {
	if err != nil {
		m.locationReports.WithLabelValues(string(apperr.ReasonOf(err))).Inc()
		return
	}
	m.locationReports.WithLabelValues("ok").Inc()
}

func (m *Metrics) observeFrame(frameType string) {
	m.frames.WithLabelValues(frameType).Inc()
}

// ObserveDelivery matches notify.Hub.OnDeliver.
func (m *Metrics) ObserveDelivery(kind notify.Kind, n int) {
	m.deliveries.WithLabelValues(string(kind)).Add(float64(n))
}
