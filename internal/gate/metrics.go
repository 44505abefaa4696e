// metrics.go -- Prometheus collectors for gate decisions.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsOptions controls construction of the gate collectors.
type MetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

// Metrics wraps the gate's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Decisions *prometheus.CounterVec
	Degraded  *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

// NewMetrics constructs the collectors and registers them with opts.Registerer
// (the default registerer when nil). Re-registering reuses the existing collectors.
func NewMetrics(opts MetricsOptions) (*Metrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "warden"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25}
	}

	decisions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Gate decisions partitioned by route and outcome.",
	}, []string{"route", "outcome"}))
	if err != nil {
		return nil, fmt.Errorf("register decisions collector: %w", err)
	}

	degraded, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "store_degraded_total",
		Help:      "Decisions made without the backing store, partitioned by component.",
	}, []string{"component"}))
	if err != nil {
		return nil, fmt.Errorf("register degraded collector: %w", err)
	}

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent evaluating the gate, partitioned by route.",
		Buckets:   buckets,
	}, []string{"route"})
	if err := reg.Register(duration); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register duration collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("existing duration collector has unexpected type %T", already.ExistingCollector)
		}
		duration = existing
	}

	return &Metrics{Decisions: decisions, Degraded: degraded, Duration: duration}, nil
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return c, nil
}

func (m *Metrics) observe(route string, d Decision, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !d.Allow {
		outcome = string(d.Reason)
	}
	m.Decisions.WithLabelValues(route, outcome).Inc()
	m.Duration.WithLabelValues(route).Observe(took.Seconds())
}

func (m *Metrics) storeDegraded(component string) {
	if m == nil {
		return
	}
	m.Degraded.WithLabelValues(component).Inc()
}
