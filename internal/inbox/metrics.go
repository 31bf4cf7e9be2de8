package inbox

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several engines can coexist in one
// process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal      *prometheus.CounterVec
	DeltasTotal      *prometheus.CounterVec
	DeliveriesTotal  *prometheus.CounterVec
	OverflowsTotal   *prometheus.CounterVec
	SessionsOpen     prometheus.Gauge
	SourcesAttached  prometheus.Gauge
	ShardQueueDepth  prometheus.Gauge
	CommittedOffsets *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayinbox_events_total",
			Help: "Events read from sources by source and result",
		}, []string{"source", "result"}),
		DeltasTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayinbox_deltas_total",
			Help: "Deltas emitted by the aggregator by kind",
		}, []string{"kind"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayinbox_deliveries_total",
			Help: "Session deliveries by result",
		}, []string{"result"}),
		OverflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayinbox_outbound_overflows_total",
			Help: "Outbound queue overflows by policy",
		}, []string{"policy"}),
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayinbox_sessions_open",
			Help: "Sessions currently in the open state",
		}),
		SourcesAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayinbox_sources_attached",
			Help: "Event sources currently attached",
		}),
		ShardQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayinbox_shard_queue_depth",
			Help: "Events waiting in aggregator shard queues",
		}),
		CommittedOffsets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayinbox_committed_offset",
			Help: "Highest committed offset per source partition",
		}, []string{"source", "partition"}),
	}
	m.registry.MustRegister(
		m.EventsTotal,
		m.DeltasTotal,
		m.DeliveriesTotal,
		m.OverflowsTotal,
		m.SessionsOpen,
		m.SourcesAttached,
		m.ShardQueueDepth,
		m.CommittedOffsets,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) recordEvent(source SourceKind, result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(string(source), result).Inc()
}

func (m *Metrics) recordDelta(kind DeltaKind) {
	if m == nil {
		return
	}
	m.DeltasTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordDelivery(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DeliveriesTotal.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) recordOverflow(policy OverflowPolicy) {
	if m == nil {
		return
	}
	m.OverflowsTotal.WithLabelValues(string(policy)).Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpen.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.SessionsOpen.Dec()
}

func (m *Metrics) sourceAttached(delta float64) {
	if m == nil {
		return
	}
	m.SourcesAttached.Add(delta)
}

func (m *Metrics) queueDepth(delta float64) {
	if m == nil {
		return
	}
	m.ShardQueueDepth.Add(delta)
}

func (m *Metrics) committed(source SourceKind, partition string, offset int64) {
	if m == nil {
		return
	}
	m.CommittedOffsets.WithLabelValues(string(source), partition).Set(float64(offset))
}
