package tracker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the tracker's prometheus collectors.  A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	claims       *prometheus.CounterVec
	releases     *prometheus.CounterVec
	archives     *prometheus.CounterVec
	claimedParts prometheus.Gauge
	refresh      prometheus.Histogram
}

// NewMetrics registers the tracker collectors on promRegistry.  It returns
// nil when promRegistry is nil.
func NewMetrics(promRegistry prometheus.Registerer) *Metrics {
	if promRegistry == nil {
		return nil
	}
	promautoFactory := promauto.With(promRegistry)
	return &Metrics{
		claims: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_tracker_claims_total",
			Help: "claim attempts by result",
		}, []string{"result"}),
		releases: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_tracker_releases_total",
			Help: "release attempts by result",
		}, []string{"result"}),
		archives: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_tracker_archives_total",
			Help: "archive runs by result",
		}, []string{"result"}),
		claimedParts: promautoFactory.NewGauge(prometheus.GaugeOpts{
			Name: "portal_tracker_claimed_parts",
			Help: "parts claimed in the latest snapshot",
		}),
		refresh: promautoFactory.NewHistogram(prometheus.HistogramOpts{
			Name:    "portal_tracker_refresh_seconds",
			Help:    "time spent re-reading the grid after a change",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) claim(result string) {
	if m != nil {
		m.claims.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) release(result string) {
	if m != nil {
		m.releases.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) archive(result string) {
	if m != nil {
		m.archives.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) snapshot(claimed int, took time.Duration) {
	if m != nil {
		m.claimedParts.Set(float64(claimed))
		m.refresh.Observe(took.Seconds())
	}
}
