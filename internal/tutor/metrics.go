package tutor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeHandled   = "handled"
	outcomeUnhandled = "unhandled"
	outcomeFailed    = "failed"

	// unmatchedRoute labels events no route handles.
	unmatchedRoute = "unhandled"
)

type metrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	dialogs  *prometheus.CounterVec
}

// newMetrics registers the tutor collectors with reg. A nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guide",
			Name:      "events_total",
			Help:      "Events processed by the tutor, by route and outcome.",
		}, []string{"route", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guide",
			Name:      "event_duration_seconds",
			Help:      "Time spent processing one event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		dialogs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guide",
			Name:      "dialogs_total",
			Help:      "Dialog messages emitted, by message id.",
		}, []string{"id"}),
	}
}

func (m *metrics) observe(route, outcome string, d time.Duration) {
	m.events.WithLabelValues(route, outcome).Inc()
	m.duration.WithLabelValues(route).Observe(d.Seconds())
}
