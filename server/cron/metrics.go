// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cron

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tick results.
const (
	resultOK      = "ok"
	resultError   = "error"
	resultHalted  = "halted"
	resultSkipped = "skipped"
)

// Metrics are the Prometheus collectors of a Scheduler.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	halted   *prometheus.GaugeVec
}

// NewMetrics creates the job collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Subsystem: "job",
			Name:      "runs_total",
			Help:      "Number of job ticks by result.",
		}, []string{"job", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "custody",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Duration of job ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"job"}),
		halted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "custody",
			Subsystem: "job",
			Name:      "halted",
			Help:      "1 if the job was halted by an invariant violation.",
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.halted)
	}
	return m
}

func (m *Metrics) observe(job, result string, d time.Duration) {
	m.runs.WithLabelValues(job, result).Inc()
	if result != resultSkipped {
		m.duration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *Metrics) setHalted(job string, halted bool) {
	var v float64
	if halted {
		v = 1
	}
	m.halted.WithLabelValues(job).Set(v)
}
