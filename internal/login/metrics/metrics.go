// Package metrics exposes Prometheus counters for the sign-in flow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hanko_login"

// Result labels recorded for every sign-in attempt.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
)

// Recorder is what handlers and middleware report to.
type Recorder interface {
	RecordSignIn(result, code string, duration time.Duration)
	RecordRateLimited(route string)
	RecordLogout()
}

// Collector is the Prometheus backed Recorder.
type Collector struct {
	signIns       *prometheus.CounterVec
	signInLatency prometheus.Histogram
	rateLimited   *prometheus.CounterVec
	logouts       prometheus.Counter
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_in_total",
			Help:      "Password sign-in attempts by result and provider code.",
		}, []string{"result", "code"}),
		signInLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sign_in_duration_seconds",
			Help:      "Time spent waiting for the identity provider.",
			Buckets:   prometheus.DefBuckets,
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logout_total",
			Help:      "Completed sign-outs.",
		}),
	}

	reg.MustRegister(c.signIns, c.signInLatency, c.rateLimited, c.logouts)
	return c
}

// RecordSignIn counts an attempt and observes its latency.
func (c *Collector) RecordSignIn(result, code string, duration time.Duration) {
	if code == "" {
		code = "none"
	}
	c.signIns.WithLabelValues(result, code).Inc()
	c.signInLatency.Observe(duration.Seconds())
}

// RecordRateLimited counts a throttled request.
func (c *Collector) RecordRateLimited(route string) {
	c.rateLimited.WithLabelValues(route).Inc()
}

// RecordLogout counts a sign-out.
func (c *Collector) RecordLogout() {
	c.logouts.Inc()
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop is a Recorder that discards everything. The server falls back to it
// when no collector is configured.
type Nop struct{}

// RecordSignIn implements Recorder.
func (Nop) RecordSignIn(string, string, time.Duration) {}

// RecordRateLimited implements Recorder.
func (Nop) RecordRateLimited(string) {}

// RecordLogout implements Recorder.
func (Nop) RecordLogout() {}
