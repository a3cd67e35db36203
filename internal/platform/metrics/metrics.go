// Package metrics exposes prometheus collectors for the identity and publish
// paths. The host decides where the registry is served.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	PublishAttempts  *prometheus.CounterVec
	PublishAccepted  *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	PublishDuration  prometheus.Histogram
	AuthFailures     *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		PublishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devstr_relay_publish_attempts_total",
			Help: "Publish attempts per relay endpoint.",
		}, []string{"relay"}),
		PublishAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devstr_relay_publish_accepted_total",
			Help: "Acknowledged publishes per relay endpoint.",
		}, []string{"relay"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devstr_relay_publish_failures_total",
			Help: "Failed publishes per relay endpoint.",
		}, []string{"relay"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devstr_relay_publish_duration_seconds",
			Help:    "Wall time of a full fan-out publish.",
			Buckets: prometheus.DefBuckets,
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devstr_auth_failures_total",
			Help: "Identity proof failures by internal reason.",
		}, []string{"reason"}),
		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devstr_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by operation.",
		}, []string{"operation"}),
	}
}

// Register attaches all collectors to the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.PublishAttempts,
		m.PublishAccepted,
		m.PublishFailures,
		m.PublishDuration,
		m.AuthFailures,
		m.RateLimitRejects,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
