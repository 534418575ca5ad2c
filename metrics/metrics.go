// Package metrics holds the coordinator's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "frostd"

// Submission kinds.
const (
	KindCommitment = "commitment"
	KindPartial    = "partial_signature"
)

// Metrics is the set of coordinator collectors.
type Metrics struct {
	sessionsCreated    prometheus.Counter
	submissions        *prometheus.CounterVec
	nonceReuse         prometheus.Counter
	aggregations       *prometheus.CounterVec
	raceLost           prometheus.Counter
	expired            *prometheus.CounterVec
	purged             *prometheus.CounterVec
	completionDuration prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Signing sessions created.",
		}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "submissions_total",
			Help:      "Participant submissions by kind and outcome code.",
		}, []string{"kind", "result"}),
		nonceReuse: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "reuse_detected_total",
			Help:      "Nonce commitments rejected as reused.",
		}),
		aggregations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "aggregations_total",
			Help:      "Aggregation attempts by result.",
		}, []string{"result"}),
		raceLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "aggregation_race_lost_total",
			Help:      "Transitions to aggregating lost to a concurrent caller.",
		}),
		expired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "expired_total",
			Help:      "Sessions moved to expired, by the path that noticed.",
		}, []string{"source"}),
		purged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "purged_total",
			Help:      "Rows removed by retention sweeps.",
		}, []string{"kind"}),
		completionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "completion_seconds",
			Help:      "Time from session creation to completed signature.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// Submission counts one submission. result is "ok" or an error code.
func (m *Metrics) Submission(kind, result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) NonceReuse() {
	if m == nil {
		return
	}
	m.nonceReuse.Inc()
}

func (m *Metrics) Aggregation(result string) {
	if m == nil {
		return
	}
	m.aggregations.WithLabelValues(result).Inc()
}

func (m *Metrics) RaceLost() {
	if m == nil {
		return
	}
	m.raceLost.Inc()
}

// Expired counts n sessions expired by source ("lazy" or "sweep").
func (m *Metrics) Expired(source string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.WithLabelValues(source).Add(float64(n))
}

// Purged counts n rows of kind ("sessions" or "nonces") removed.
func (m *Metrics) Purged(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Completed(d time.Duration) {
	if m == nil {
		return
	}
	m.completionDuration.Observe(d.Seconds())
}
