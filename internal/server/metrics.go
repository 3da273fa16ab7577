package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"shipyard/internal/engine"
)

type claimMetrics struct {
	attempts *prometheus.CounterVec
}

// newClaimMetrics registers the claim attempt counter with reg. A nil reg
// yields a counter nobody scrapes.
func newClaimMetrics(reg *prometheus.Registry) (*claimMetrics, error) {
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shipyard_claim_attempts_total",
		Help: "Claim attempts by outcome",
	}, []string{"outcome"})
	if reg == nil {
		return &claimMetrics{attempts: attempts}, nil
	}
	if err := reg.Register(attempts); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		attempts = are.ExistingCollector.(*prometheus.CounterVec)
	}
	return &claimMetrics{attempts: attempts}, nil
}

func (m *claimMetrics) observe(err error) {
	outcome := "acquired"
	if err != nil {
		outcome = string(engine.ReasonOf(err))
	}
	m.attempts.WithLabelValues(outcome).Inc()
}
