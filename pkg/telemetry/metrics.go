// Package telemetry exposes the Prometheus metrics for the call-control
// core, grounded on pkg/dialog/metrics.go's collector but
// trimmed to the counters this spec's components actually produce.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge/histogram this module emits. The zero
// value is not usable; build one with New or NewUnregistered (for tests that
// don't want to pollute the default registry).
type Metrics struct {
	RegisterAttempts   *prometheus.CounterVec // label: result=success|auth_failed|network_error
	AuthChallenges     *prometheus.CounterVec // label: outcome=handled|failed
	ActiveChannels     prometheus.Gauge
	ActiveSessions     prometheus.Gauge       // registered, but no component updates it; stays 0
	SessionState       *prometheus.CounterVec // label: state (PENDING_INITIATED|ACTIVE|ENDED)
	OfferAnswerRetries prometheus.Counter     // step invoked while streams not ready or nothing pending (idempotence, spec §8)
	SessionTimeouts    prometheus.Counter
	RemotePeerErrors   *prometheus.CounterVec // label: status
}

// New registers all metrics under the default Prometheus registry with the
// given namespace (e.g. "sipconnmgr").
func New(namespace string) *Metrics {
	return build(namespace, prometheus.DefaultRegisterer)
}

// NewUnregistered builds metrics against a private registry, so tests can
// construct many Metrics instances without "duplicate metrics collector
// registration" panics.
func NewUnregistered(namespace string) *Metrics {
	return build(namespace, prometheus.NewRegistry())
}

func build(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RegisterAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_attempts_total",
			Help:      "REGISTER attempts by outcome.",
		}, []string{"result"}),
		AuthChallenges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_challenges_total",
			Help:      "401/407 challenge handler outcomes.",
		}, []string{"outcome"}),
		ActiveChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_channels",
			Help:      "Number of live MediaChannels.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live MediaSessions (non-ENDED).",
		}),
		SessionState: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "MediaSession state transitions by destination state.",
		}, []string{"state"}),
		OfferAnswerRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offer_answer_step_noop_total",
			Help:      "Offer/answer step invocations that found streams not ready or nothing pending (idempotence).",
		}),
		SessionTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_timeouts_total",
			Help:      "Sessions terminated by the 50s PENDING_INITIATED timer.",
		}),
		RemotePeerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_peer_errors_total",
			Help:      "RemotePeerError occurrences by SIP status code.",
		}, []string{"status"}),
	}
}
