// Package metrics exports dispatch counters and durations to Prometheus.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/QingMing-Bot/pc-manager/internal/power"
)

const namespace = "pcmanager"

// Recorder is a power.Observer backed by Prometheus collectors.
type Recorder struct {
	actionsTotal     *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
	providerFailures *prometheus.CounterVec
	ensureTotal      *prometheus.CounterVec
	ensureDuration   *prometheus.HistogramVec
}

var _ power.Observer = (*Recorder)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "actions_total",
				Help:      "Dispatched actions by operation and result",
			},
			[]string{"op", "result"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "action_duration_seconds",
				Help:      "Duration of dispatched actions in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
			[]string{"op"},
		),
		providerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "provider_failures_total",
				Help:      "Provider failures by provider type, operation and error kind",
			},
			[]string{"provider", "op", "kind"},
		),
		ensureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ensure",
				Name:      "total",
				Help:      "ensure_status calls by target and result",
			},
			[]string{"target", "result"},
		),
		ensureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ensure",
				Name:      "duration_seconds",
				Help:      "Duration of ensure_status calls in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
			},
			[]string{"target"},
		),
	}
	reg.MustRegister(r.actionsTotal, r.actionDuration, r.providerFailures, r.ensureTotal, r.ensureDuration)
	return r
}

func (r *Recorder) ActionFinished(e power.ActionEvent) {
	result := "success"
	switch {
	case power.IsNotFound(e.Err):
		result = "not_found"
	case e.Err != nil:
		result = "error"
	}
	r.actionsTotal.WithLabelValues(e.Op, result).Inc()
	r.actionDuration.WithLabelValues(e.Op).Observe(e.Duration.Seconds())
}

func (r *Recorder) ProviderFailed(_ string, err *power.ProviderError) {
	r.providerFailures.WithLabelValues(providerType(err.Provider), err.Op, err.Kind.String()).Inc()
}

func (r *Recorder) StatusEnsured(e power.EnsureEvent) {
	result := "converged"
	if !e.Converged {
		result = "not_converged"
	}
	target := e.Target.Key()
	r.ensureTotal.WithLabelValues(target, result).Inc()
	r.ensureDuration.WithLabelValues(target).Observe(e.Duration.Seconds())
}

// providerType drops the hostname of platform providers ("linux:pc.lan" -> "linux").
func providerType(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
