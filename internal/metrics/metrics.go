// Package metrics exposes Prometheus counters and gauges for the
// session engine, in the teacher's promauto idiom, registered on an
// internal registry so an embedding application decides whether and
// how to expose them rather than fighting over the global default
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder wraps the metrics this module emits around its own
// registry.
type Recorder struct {
	registry *prometheus.Registry

	SessionsEstablishedTotal *prometheus.CounterVec
	DecryptFailuresTotal     *prometheus.CounterVec
	SkippedKeysInUse         prometheus.Gauge
	OneTimePrekeysAvailable  prometheus.Gauge
	PeerResetsTotal          prometheus.Counter
	EnvelopeDeliveryLatency  *prometheus.HistogramVec
}

// NewRecorder builds a Recorder with a fresh registry and registers
// every metric on it.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,

		SessionsEstablishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperlink_sessions_established_total",
				Help: "Total number of sessions established, by role",
			},
			[]string{"role"}, // initiator, responder
		),

		DecryptFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperlink_decrypt_failures_total",
				Help: "Total number of decrypt failures, by error kind",
			},
			[]string{"kind"},
		),

		SkippedKeysInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "whisperlink_skipped_keys_in_use",
				Help: "Total skipped message keys currently cached across all sessions",
			},
		),

		OneTimePrekeysAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "whisperlink_one_time_prekeys_available",
				Help: "Number of unconsumed one-time prekeys in the local pool",
			},
		),

		PeerResetsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "whisperlink_peer_resets_total",
				Help: "Total number of peer-reset heuristic trips",
			},
		),

		EnvelopeDeliveryLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "whisperlink_envelope_delivery_latency_seconds",
				Help:    "Time from encryption to confirmed transport delivery",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"outcome"}, // delivered, abandoned
		),
	}
}

// Handler returns an HTTP handler exposing this recorder's metrics in
// the Prometheus text exposition format, for an embedding application
// that chooses to serve /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordSessionEstablished records a session establishment by role
// ("initiator" or "responder").
func (r *Recorder) RecordSessionEstablished(role string) {
	r.SessionsEstablishedTotal.WithLabelValues(role).Inc()
}

// RecordDecryptFailure records a decrypt failure by errkind.Kind
// string value.
func (r *Recorder) RecordDecryptFailure(kind string) {
	r.DecryptFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordPeerReset records a peer-reset heuristic trip.
func (r *Recorder) RecordPeerReset() {
	r.PeerResetsTotal.Inc()
}

// SetSkippedKeysInUse sets the current total skipped-key cache
// occupancy across all sessions.
func (r *Recorder) SetSkippedKeysInUse(n int) {
	r.SkippedKeysInUse.Set(float64(n))
}

// SetOneTimePrekeysAvailable sets the current one-time prekey pool
// depth.
func (r *Recorder) SetOneTimePrekeysAvailable(n int) {
	r.OneTimePrekeysAvailable.Set(float64(n))
}
