package billing

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ehr/patientflow/internal/platform/outbox"
)

var breakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "patientflow",
	Subsystem: "billing",
	Name:      "breaker_state",
	Help:      "Billing circuit breaker state: 0 closed, 1 half-open, 2 open.",
})

// newBreaker trips on consecutive transient failures only. Rejections prove
// the service is up and answering.
func newBreaker(cfg BreakerConfig, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "billing",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, outbox.ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.Set(float64(to))
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("billing circuit breaker changed state")
		},
	})
}
