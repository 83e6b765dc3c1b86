package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patientflow",
		Subsystem: "outbox",
		Name:      "claimed_total",
		Help:      "Outbox entries claimed by the relay.",
	}, []string{"kind"})

	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patientflow",
		Subsystem: "outbox",
		Name:      "delivered_total",
		Help:      "Outbox entries delivered successfully.",
	}, []string{"kind"})

	retriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patientflow",
		Subsystem: "outbox",
		Name:      "retried_total",
		Help:      "Failed dispatches rescheduled for another attempt.",
	}, []string{"kind"})

	deadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patientflow",
		Subsystem: "outbox",
		Name:      "dead_total",
		Help:      "Outbox entries moved to DEAD.",
	}, []string{"kind"})

	expiredClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "patientflow",
		Subsystem: "outbox",
		Name:      "expired_claims_total",
		Help:      "IN_FLIGHT entries released after their claim expired.",
	})

	dispatchSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "patientflow",
		Subsystem: "outbox",
		Name:      "dispatch_seconds",
		Help:      "Duration of downstream dispatch attempts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind", "outcome"})
)
