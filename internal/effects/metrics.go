package effects

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK      = "ok"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

// Metrics counts effect step runs.
type Metrics struct {
	Runs     *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the dispatcher metrics with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipyard_effect_runs_total",
				Help: "Post-commit effect step runs by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shipyard_effect_duration_seconds",
				Help:    "Post-commit effect step latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"step"},
		),
	}
	for _, c := range []prometheus.Collector{m.Runs, m.Duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register effect metrics: %w", err)
		}
	}
	return m, nil
}
