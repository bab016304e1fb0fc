package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dispatch"

// Offer kinds.
const (
	OfferZone             = "zone"
	OfferFallback         = "fallback"
	OfferBroadcastAccept  = "broadcast_accept"
	OfferBroadcastReserve = "broadcast_reserve"
)

// Offer outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeDeclined = "declined"
	OutcomeTimeout  = "timeout"
	OutcomeStale    = "stale"
)

// DispatchMetrics tracks offers, their outcomes, escalations and queue depth.
type DispatchMetrics struct {
	offers      *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	escalations prometheus.Counter
	expirations *prometheus.CounterVec
	queueLength *prometheus.GaugeVec
}

// NewDispatchMetrics registers the dispatch metrics on the provided registerer.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	if reg == nil {
		return &DispatchMetrics{}
	}
	offers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "offers_sent_total",
		Help:      "Offers sent to drivers by kind.",
	}, []string{"kind"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "offer_outcomes_total",
		Help:      "Driver responses to offers by outcome.",
	}, []string{"outcome"})
	escalations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Orders escalated to the global fallback search.",
	})
	expirations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "expirations_total",
		Help:      "Orders expired without a driver by dispatch mode.",
	}, []string{"mode"})
	queueLength := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "zone_queue_length",
		Help:      "Drivers waiting in each zone queue.",
	}, []string{"zone"})
	reg.MustRegister(offers, outcomes, escalations, expirations, queueLength)
	return &DispatchMetrics{
		offers:      offers,
		outcomes:    outcomes,
		escalations: escalations,
		expirations: expirations,
		queueLength: queueLength,
	}
}

func (m *DispatchMetrics) IncOffer(kind string) {
	if m == nil || m.offers == nil {
		return
	}
	m.offers.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (m *DispatchMetrics) IncOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *DispatchMetrics) IncEscalation() {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.Inc()
}

func (m *DispatchMetrics) IncExpiration(mode string) {
	if m == nil || m.expirations == nil {
		return
	}
	m.expirations.WithLabelValues(normalizeLabel(mode)).Inc()
}

// SetQueueLength satisfies queue.LengthRecorder.
func (m *DispatchMetrics) SetQueueLength(zone string, length int) {
	if m == nil || m.queueLength == nil {
		return
	}
	m.queueLength.WithLabelValues(normalizeLabel(zone)).Set(float64(length))
}
