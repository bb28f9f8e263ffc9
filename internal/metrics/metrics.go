package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"schedline/internal/engine"
	"schedline/internal/facts"
)

var (
	rulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedline_rules_fired_total",
		Help: "Rules fired by rule name and tier",
	}, []string{"rule", "tier"})

	firingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "schedline_firing_duration_seconds",
		Help:    "Time spent applying one rule action",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8), // 10µs to ~160ms
	})

	factsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedline_facts_inserted_total",
		Help: "Facts entering working memory by kind",
	}, []string{"kind"})

	runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedline_runs_total",
		Help: "Finished scheduling runs by result",
	}, []string{"result"})

	temperature = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "schedline_cpu_temperature",
		Help: "Last sampled CPU temperature",
	})
)

// Engine feeds firing metrics. It satisfies engine.Observer.
type Engine struct{}

func (Engine) RuleFired(rule string, tier engine.Tier, took time.Duration) {
	rulesFired.WithLabelValues(rule, tier.String()).Inc()
	firingDuration.Observe(took.Seconds())
}

func FactInserted(k facts.Kind) {
	factsInserted.WithLabelValues(string(k)).Inc()
}

func RunFinished(result string) {
	runs.WithLabelValues(result).Inc()
}

func Temperature(v float64) {
	temperature.Set(v)
}
