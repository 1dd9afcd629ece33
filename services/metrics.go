package services

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome-Labels für papers_ingested_total.
const (
	outcomeStored         = "stored"
	outcomeSkipped        = "skipped"
	outcomeError          = "error"
	outcomeArtifact       = "artifact_stored"
	outcomePolicyRejected = "policy_rejected"
)

// Metrics bündelt die Prometheus-Metriken der Engine.
type Metrics struct {
	Ingested      *prometheus.CounterVec
	ProviderCalls *prometheus.CounterVec
	FrontierSize  *prometheus.GaugeVec
}

// NewMetrics registriert alle Metriken auf reg. Ist reg nil, wird nichts registriert.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "papers_ingested_total",
			Help: "Ingestion outcomes per candidate record.",
		}, []string{"outcome"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Outbound call attempts per source and result.",
		}, []string{"source", "result"}),
		FrontierSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hydration_frontier_size",
			Help: "Frontier size of the most recent hydration run per level.",
		}, []string{"level"}),
	}
	if reg != nil {
		reg.MustRegister(m.Ingested, m.ProviderCalls, m.FrontierSize)
	}
	return m
}

func (m *Metrics) ingested(outcome string) {
	if m == nil {
		return
	}
	m.Ingested.WithLabelValues(outcome).Inc()
}

// ObserveCall passt als throttle.Fetcher.Observe.
func (m *Metrics) ObserveCall(source, result string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(source, result).Inc()
}

func (m *Metrics) frontier(level, size int) {
	if m == nil {
		return
	}
	m.FrontierSize.WithLabelValues(strconv.Itoa(level)).Set(float64(size))
}
