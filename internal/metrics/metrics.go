package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// ReconcilerTransitionsTotal counts Bundle Reconciler state transitions.
	ReconcilerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_reconciler_transitions_total",
			Help: "Total number of bundle reconciler state transitions",
		},
		[]string{"from", "to"},
	)

	// BootstrapLatency measures how long Session Manager bootstrap takes
	// end-to-end, including any directory fetch and X3DH computation.
	BootstrapLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "e2ee_session_bootstrap_latency_seconds",
			Help:    "Latency of ratcheting session bootstrap in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"result"}, // established, error
	)

	// OTPKConsumedTotal counts one-time prekeys consumed by completed
	// handshakes, as distinct from replenishment events.
	OTPKConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_otpk_consumed_total",
			Help: "Total number of one-time prekeys consumed by handshakes",
		},
	)

	// OTPKReplenishedTotal counts prekey batches generated by
	// check_and_replenish.
	OTPKReplenishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_otpk_replenished_total",
			Help: "Total number of one-time prekey batches replenished",
		},
	)

	// PrekeysRemaining tracks the directory's last-reported OTPK count for
	// the local account.
	PrekeysRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "e2ee_otpk_remaining",
			Help: "Number of unused one-time prekeys last reported by the directory",
		},
	)

	// SignatureFailuresTotal counts signed-prekey signature verification
	// failures on fetched peer bundles.
	SignatureFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_signature_failures_total",
			Help: "Total number of signed-prekey signature verification failures",
		},
		[]string{"peer_id"},
	)

	// DirectoryRequestsTotal counts outbound directory HTTP calls.
	DirectoryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2ee_directory_requests_total",
			Help: "Total number of directory HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	// IdentityKeyRotationEventsTotal counts peer identity-key rotation
	// events observed on bundle fetch.
	IdentityKeyRotationEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2ee_identity_key_rotation_events_total",
			Help: "Total number of peer identity key rotations observed on fetch",
		},
	)
)

// Handler returns the Prometheus metrics handler for a diagnostic endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordReconcilerTransition records a reconciler state transition.
func RecordReconcilerTransition(from, to string) {
	ReconcilerTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordBootstrap records the outcome and latency of a session bootstrap.
func RecordBootstrap(result string, seconds float64) {
	BootstrapLatency.WithLabelValues(result).Observe(seconds)
}

// RecordSignatureFailure records a signed-prekey verification failure for a peer.
func RecordSignatureFailure(peerID string) {
	SignatureFailuresTotal.WithLabelValues(peerID).Inc()
}

// RecordDirectoryRequest records an outbound directory call outcome.
func RecordDirectoryRequest(endpoint, status string) {
	DirectoryRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordIdentityKeyRotation records a detected peer identity-key rotation.
func RecordIdentityKeyRotation() {
	IdentityKeyRotationEventsTotal.Inc()
}
