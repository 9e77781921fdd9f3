// Package metrics provides the Prometheus implementation of the
// coordinator's recorder.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pkiwatch"

// States lists every source state label the gauge reports.
var States = []string{"idle", "retrieving", "merging", "failed_retryable", "failed_fatal", "stopped"}

// Prometheus records watcher activity on a registry.
type Prometheus struct {
	sourceState      *prometheus.GaugeVec
	merges           *prometheus.CounterVec
	decodeFailures   *prometheus.CounterVec
	retrieveFailures *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	validations      *prometheus.CounterVec
	retrieveDuration *prometheus.HistogramVec
	identities       prometheus.Gauge
	expiry           *prometheus.GaugeVec
}

// New registers the watcher's collectors on reg.
func New(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		sourceState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_state",
			Help:      "Current state of each source (1 for the active state, 0 otherwise)",
		}, []string{"source", "state"}),

		merges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Total number of deltas merged into the aggregate",
		}, []string{"source"}),

		decodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Total number of deltas discarded because their PEM did not decode",
		}, []string{"source"}),

		retrieveFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieve_failures_total",
			Help:      "Total number of failed retrievals",
		}, []string{"source", "class"}), // class: retryable, fatal

		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_identities_total",
			Help:      "Total number of candidate identities dropped during resolution",
		}, []string{"source"}),

		validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of identity validations",
		}, []string{"result"}), // result: success or the failed check

		retrieveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieve_duration_seconds",
			Help:      "Duration of source retrievals",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		identities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities",
			Help:      "Number of identities in the current snapshot",
		}),

		expiry: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identity_expiry_timestamp_seconds",
			Help:      "Unix timestamp when each identity's leaf certificate expires",
		}, []string{"server_name"}),
	}
}

// SourceState marks state as the active state of source.
func (m *Prometheus) SourceState(source, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sourceState.WithLabelValues(source, s).Set(v)
	}
}

// Merge records a merged delta.
func (m *Prometheus) Merge(source string) {
	m.merges.WithLabelValues(source).Inc()
}

// DecodeFailure records a discarded delta.
func (m *Prometheus) DecodeFailure(source string) {
	m.decodeFailures.WithLabelValues(source).Inc()
}

// RetrieveFailure records a failed retrieval.
func (m *Prometheus) RetrieveFailure(source string, fatal bool) {
	class := "retryable"
	if fatal {
		class = "fatal"
	}
	m.retrieveFailures.WithLabelValues(source, class).Inc()
}

// Dropped records candidates that did not become identities.
func (m *Prometheus) Dropped(source string, n int) {
	if n > 0 {
		m.dropped.WithLabelValues(source).Add(float64(n))
	}
}

// Validation records a validation outcome. An empty check means success.
func (m *Prometheus) Validation(check string) {
	if check == "" {
		check = "success"
	}
	m.validations.WithLabelValues(check).Inc()
}

// RetrieveDuration observes how long a retrieval took.
func (m *Prometheus) RetrieveDuration(source string, d time.Duration) {
	m.retrieveDuration.WithLabelValues(source).Observe(d.Seconds())
}

// Identities sets the identity count and per-identity expiry.
func (m *Prometheus) Identities(expiry map[string]time.Time) {
	m.identities.Set(float64(len(expiry)))
	m.expiry.Reset()
	for name, notAfter := range expiry {
		m.expiry.WithLabelValues(name).Set(float64(notAfter.Unix()))
	}
}
