package gossipsub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// noopMetrics is the zero-cost default MetricsSink.
type noopMetrics struct{}

func (noopMetrics) IncGraft(string)             {}
func (noopMetrics) IncPrune(string, string)      {}
func (noopMetrics) SetMeshSize(string, int)      {}
func (noopMetrics) IncIHaveSkipped(string)       {}
func (noopMetrics) IncIWantSkipped(string)       {}
func (noopMetrics) IncUnknownIWant(string)       {}
func (noopMetrics) IncBehaviourPenalty(string)   {}
func (noopMetrics) IncPreambleExpired(string)    {}

// NoopMetrics returns a MetricsSink that discards everything.
func NoopMetrics() MetricsSink { return noopMetrics{} }

// PrometheusMetrics implements MetricsSink on top of
// github.com/prometheus/client_golang, following the same promauto +
// CounterVec/GaugeVec construction style as poaiw-blockchain-paw's
// x/oracle/keeper/metrics.go. Operators observe exactly the counters
// spec §7 names: dhigh pruning rate, low-peer topics, unknown-IWANT count.
type PrometheusMetrics struct {
	grafts            *prometheus.CounterVec
	prunes            *prometheus.CounterVec
	meshSize          *prometheus.GaugeVec
	ihaveSkipped      *prometheus.CounterVec
	iwantSkipped      *prometheus.CounterVec
	unknownIWant      *prometheus.CounterVec
	behaviourPenalty  *prometheus.CounterVec
	preambleExpired   *prometheus.CounterVec
}

// NewPrometheusMetrics registers and returns a PrometheusMetrics. Pass a
// dedicated *prometheus.Registry in tests to avoid the default registry's
// global, test-order-dependent state.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		grafts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossipsub",
			Name:      "grafts_total",
			Help:      "GRAFTs emitted, by topic.",
		}, []string{"topic"}),
		prunes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossipsub",
			Name:      "prunes_total",
			Help:      "PRUNEs emitted, by topic and reason.",
		}, []string{"topic", "reason"}),
		meshSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gossipsub",
			Name:      "mesh_size",
			Help:      "Current mesh size per topic.",
		}, []string{"topic"}),
		ihaveSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossipsub",
			Name:      "ihave_skipped_total",
			Help:      "IHAVE ids skipped without becoming an IWANT, by reason.",
		}, []string{"reason"}),
		iwantSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossipsub",
			Name:      "iwant_skipped_total",
			Help:      "IWANT ids skipped without a response, by reason.",
		}, []string{"reason"}),
		unknownIWant: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossipsub",
			Name:      "unknown_iwant_total",
			Help:      "IWANT ids requested that were not present in the mcache, by topic.",
		}, []string{"topic"}),
		behaviourPenalty: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossipsub",
			Name:      "behaviour_penalty_total",
			Help:      "Behaviour penalties charged, by reason.",
		}, []string{"reason"}),
		preambleExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossipsub",
			Name:      "preamble_expired_total",
			Help:      "Preamble-tracked transfers expired or dropped, by kind (receive|iwant_receive|budget_exhausted|receive_table_full).",
		}, []string{"kind"}),
	}
}

func (m *PrometheusMetrics) IncGraft(topic string) { m.grafts.WithLabelValues(topic).Inc() }
func (m *PrometheusMetrics) IncPrune(topic, reason string) {
	m.prunes.WithLabelValues(topic, reason).Inc()
}
func (m *PrometheusMetrics) SetMeshSize(topic string, n int) {
	m.meshSize.WithLabelValues(topic).Set(float64(n))
}
func (m *PrometheusMetrics) IncIHaveSkipped(reason string) { m.ihaveSkipped.WithLabelValues(reason).Inc() }
func (m *PrometheusMetrics) IncIWantSkipped(reason string) { m.iwantSkipped.WithLabelValues(reason).Inc() }
func (m *PrometheusMetrics) IncUnknownIWant(topic string)  { m.unknownIWant.WithLabelValues(topic).Inc() }
func (m *PrometheusMetrics) IncBehaviourPenalty(reason string) {
	m.behaviourPenalty.WithLabelValues(reason).Inc()
}
func (m *PrometheusMetrics) IncPreambleExpired(kind string) {
	m.preambleExpired.WithLabelValues(kind).Inc()
}
