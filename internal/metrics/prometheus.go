package metrics

import (
	"time"
)

import (
	"github.com/prometheus/client_golang/prometheus"
)

import (
	"github.com/nanjiek/pixiu-ioadm/internal/types"
)

// Prometheus exports limiter events as Prometheus metrics.
type Prometheus struct {
	granted   *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	available *prometheus.GaugeVec
	pending   *prometheus.GaugeVec
	wait      *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		granted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "granted_units_total",
			Help:      "Units of I/O quota granted, by priority class.",
		}, []string{"class"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_requests_total",
			Help:      "Admission requests that ended without a grant.",
		}, []string{"class", "reason"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available_tokens",
			Help:      "Tokens currently available in the class bucket.",
		}, []string{"class"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting in the class queue.",
		}, []string{"class"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Time granted requests spent queued.",
			Buckets:   []float64{0, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"class"}),
	}
	for _, c := range []prometheus.Collector{p.granted, p.rejected, p.available, p.pending, p.wait} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Granted(class types.Class, units int64, waited time.Duration) {
	p.granted.WithLabelValues(class.String()).Add(float64(units))
	p.wait.WithLabelValues(class.String()).Observe(waited.Seconds())
}

func (p *Prometheus) Rejected(class types.Class, reason string) {
	p.rejected.WithLabelValues(class.String(), reason).Inc()
}

func (p *Prometheus) Available(class types.Class, tokens int64) {
	p.available.WithLabelValues(class.String()).Set(float64(tokens))
}

func (p *Prometheus) Pending(class types.Class, n int) {
	p.pending.WithLabelValues(class.String()).Set(float64(n))
}
