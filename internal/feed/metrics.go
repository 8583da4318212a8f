package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type feedMetrics struct {
	published   *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
}

func newFeedMetrics(promRegistry prometheus.Registerer, transport string) *feedMetrics {
	if promRegistry == nil {
		return nil
	}
	promautoFactory := promauto.With(promRegistry)
	labels := prometheus.Labels{"transport": transport}
	return &feedMetrics{
		published: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name:        "portal_feed_published_total",
			Help:        "changes published per table",
			ConstLabels: labels,
		}, []string{"table"}),
		delivered: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name:        "portal_feed_delivered_total",
			Help:        "changes delivered to subscribers per table",
			ConstLabels: labels,
		}, []string{"table"}),
		dropped: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name:        "portal_feed_dropped_total",
			Help:        "changes dropped because a subscriber queue was full",
			ConstLabels: labels,
		}, []string{"table"}),
		subscribers: promautoFactory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "portal_feed_subscribers",
			Help:        "current subscriptions per table",
			ConstLabels: labels,
		}, []string{"table"}),
	}
}

func (m *feedMetrics) incPublished(table string) {
	if m != nil {
		m.published.WithLabelValues(table).Inc()
	}
}

func (m *feedMetrics) observeDelivery(table string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.delivered.WithLabelValues(table).Inc()
	} else {
		m.dropped.WithLabelValues(table).Inc()
	}
}

func (m *feedMetrics) addSubscribers(table string, delta float64) {
	if m != nil {
		m.subscribers.WithLabelValues(table).Add(delta)
	}
}
