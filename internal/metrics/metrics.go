// Package metrics exposes Prometheus instrumentation for the keyserver,
// generalized from the teacher's internal/metrics/metrics.go: the same
// promauto Counter/Gauge/HistogramVec idiom and HTTP middleware shape,
// re-pointed at session establishment, the double ratchet, device key
// pools, group membership, transparency-log integrity, envelope
// validation, and background maintenance sweeps instead of chat delivery.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session / X3DH metrics
	SessionsEstablishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_sessions_established_total",
			Help: "Total number of X3DH sessions established",
		},
		[]string{"role"}, // initiator, responder
	)

	SessionEstablishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_session_establish_failures_total",
			Help: "Total number of X3DH session establishment failures",
		},
		[]string{"reason"},
	)

	RatchetStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_ratchet_steps_total",
			Help: "Total number of double ratchet DH steps performed",
		},
		[]string{"trigger"}, // message-count, time, receive
	)

	SkippedMessageKeysGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyserver_skipped_message_keys",
			Help: "Current number of retained skipped message keys per session",
		},
		[]string{"session_id"},
	)

	// KeyStore metrics
	KeyStoreEntriesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyserver_keystore_entries",
			Help: "Current number of secrets held in the bounded keystore",
		},
	)

	KeyStoreEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_keystore_evictions_total",
			Help: "Total number of keystore entries evicted",
		},
		[]string{"reason"}, // ttl, capacity
	)

	// DeviceRegistry / pre-key metrics
	PreKeysRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyserver_prekeys_remaining",
			Help: "Number of unused one-time pre-keys remaining per device",
		},
		[]string{"user_id", "device_id"},
	)

	PreKeysReplenishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyserver_prekeys_replenished_total",
			Help: "Total number of one-time pre-key batches replenished",
		},
	)

	BundlesMarkedStaleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyserver_bundles_marked_stale_total",
			Help: "Total number of key bundles flagged stale for exceeding the freshness TTL",
		},
	)

	// Group metrics
	GroupMembersGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyserver_group_members",
			Help: "Current member count per group",
		},
		[]string{"group_id"},
	)

	GroupEpochAdvancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_group_epoch_advances_total",
			Help: "Total number of group epoch advances",
		},
		[]string{"reason"}, // add, remove, rekey
	)

	GroupSizeRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyserver_group_size_rejections_total",
			Help: "Total number of group member additions rejected for exceeding the member cap",
		},
	)

	// TransparencyLog metrics
	KeyLogAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_key_log_appends_total",
			Help: "Total number of entries appended to the key transparency log",
		},
		[]string{"key_type", "change_type"},
	)

	KeyLogVerifyFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyserver_key_log_verify_failures_total",
			Help: "Total number of key transparency chain verification failures detected",
		},
	)

	KeyLogTruncationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyserver_key_log_truncations_total",
			Help: "Total number of key transparency log truncation passes that archived and dropped entries",
		},
	)

	TrustRelationshipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_trust_relationships_total",
			Help: "Total number of trust relationships established, by method",
		},
		[]string{"method"}, // manual, qr, safety_number
	)

	// EnvelopeValidator metrics
	EnvelopesValidatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_envelopes_validated_total",
			Help: "Total number of envelopes run through EnvelopeValidator",
		},
		[]string{"result"}, // accepted, rejected
	)

	EnvelopeRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_envelope_rejections_total",
			Help: "Total number of envelope rejections by cause",
		},
		[]string{"kind"},
	)

	ReplayCacheSizeGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyserver_replay_cache_size",
			Help: "Current number of keys held in the envelope replay cache",
		},
	)

	// Maintenance metrics
	MaintenanceSweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyserver_maintenance_sweep_duration_seconds",
			Help:    "Duration of each background maintenance sweep",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"sweep"},
	)

	MaintenanceSweepItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_maintenance_sweep_items_total",
			Help: "Total number of items touched by background maintenance sweeps",
		},
		[]string{"sweep"},
	)

	MaintenanceSweepFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_maintenance_sweep_failures_total",
			Help: "Total number of background maintenance sweep failures",
		},
		[]string{"sweep"},
	)

	// HTTP ingress metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyserver_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyserver_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware wraps HTTP handlers with request count/latency metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionEstablished records a completed X3DH session establishment.
func RecordSessionEstablished(role string) {
	SessionsEstablishedTotal.WithLabelValues(role).Inc()
}

// RecordSessionEstablishFailure records a failed X3DH session establishment.
func RecordSessionEstablishFailure(reason string) {
	SessionEstablishFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordRatchetStep records a double ratchet DH step.
func RecordRatchetStep(trigger string) {
	RatchetStepsTotal.WithLabelValues(trigger).Inc()
}

// UpdateSkippedMessageKeys reports the current skipped-key count for a session.
func UpdateSkippedMessageKeys(sessionID string, count int) {
	SkippedMessageKeysGauge.WithLabelValues(sessionID).Set(float64(count))
}

// RecordKeyStoreEviction records a keystore eviction.
func RecordKeyStoreEviction(reason string) {
	KeyStoreEvictionsTotal.WithLabelValues(reason).Inc()
}

// UpdatePreKeysRemaining reports the live one-time pre-key count for a device.
func UpdatePreKeysRemaining(userID, deviceID string, count int) {
	PreKeysRemaining.WithLabelValues(userID, deviceID).Set(float64(count))
}

// RecordPreKeysReplenished records a one-time pre-key top-up batch.
func RecordPreKeysReplenished() {
	PreKeysReplenishedTotal.Inc()
}

// RecordBundleMarkedStale records a bundle crossing the freshness TTL.
func RecordBundleMarkedStale() {
	BundlesMarkedStaleTotal.Inc()
}

// UpdateGroupMembers reports a group's current member count.
func UpdateGroupMembers(groupID string, count int) {
	GroupMembersGauge.WithLabelValues(groupID).Set(float64(count))
}

// RecordGroupEpochAdvance records a group epoch advance and why it happened.
func RecordGroupEpochAdvance(reason string) {
	GroupEpochAdvancesTotal.WithLabelValues(reason).Inc()
}

// RecordGroupSizeRejection records a member addition rejected for exceeding
// the group size cap.
func RecordGroupSizeRejection() {
	GroupSizeRejectionsTotal.Inc()
}

// RecordKeyLogAppend records a transparency log append.
func RecordKeyLogAppend(keyType, changeType string) {
	KeyLogAppendsTotal.WithLabelValues(keyType, changeType).Inc()
}

// RecordKeyLogVerifyFailure records a detected chain-verification failure.
func RecordKeyLogVerifyFailure() {
	KeyLogVerifyFailuresTotal.Inc()
}

// RecordKeyLogTruncation records a truncation pass.
func RecordKeyLogTruncation() {
	KeyLogTruncationsTotal.Inc()
}

// RecordTrustRelationship records a trust relationship established by method.
func RecordTrustRelationship(method string) {
	TrustRelationshipsTotal.WithLabelValues(method).Inc()
}

// RecordEnvelopeValidated records an envelope validation outcome.
func RecordEnvelopeValidated(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	EnvelopesValidatedTotal.WithLabelValues(result).Inc()
}

// RecordEnvelopeRejection records the specific cause of an envelope rejection.
func RecordEnvelopeRejection(kind string) {
	EnvelopeRejectionsTotal.WithLabelValues(kind).Inc()
}

// UpdateReplayCacheSize reports the replay cache's current key count.
func UpdateReplayCacheSize(size int) {
	ReplayCacheSizeGauge.Set(float64(size))
}

// RecordMaintenanceSweep records one sweep's duration, item count, and
// whether it failed.
func RecordMaintenanceSweep(name string, duration time.Duration, items int, err error) {
	MaintenanceSweepDuration.WithLabelValues(name).Observe(duration.Seconds())
	MaintenanceSweepItemsTotal.WithLabelValues(name).Add(float64(items))
	if err != nil {
		MaintenanceSweepFailuresTotal.WithLabelValues(name).Inc()
	}
}
