// Package meshmetrics provides Prometheus metrics for the mesh core's hosts.
package meshmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshline"

// Metrics holds every counter and gauge the mesh core exposes.
type Metrics struct {
	OpensSent     prometheus.Counter
	OpensReceived prometheus.Counter
	OpenFailures  *prometheus.CounterVec

	LinesActive prometheus.Gauge
	LinesTotal  prometheus.Counter
	LineResets  prometheus.Counter

	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	FrameErrors    *prometheus.CounterVec

	ChannelsOpened prometheus.Counter
	ChannelsClosed *prometheus.CounterVec
	ChannelsActive prometheus.Gauge

	LinkClosures *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default Metrics, registered against the
// Prometheus default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg,
// for tests that want an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OpensSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opens_sent_total",
			Help:      "Total open packets sent",
		}),
		OpensReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opens_received_total",
			Help:      "Total open packets received",
		}),
		OpenFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_failures_total",
			Help:      "Total open packet failures by error kind",
		}, []string{"kind"}),

		LinesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lines_active",
			Help:      "Number of currently lined sessions",
		}),
		LinesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Total sessions that completed a handshake",
		}),
		LineResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "line_resets_total",
			Help:      "Total line resets (rekeys) observed",
		}),

		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received",
		}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Total fatal frame layer errors by cause",
		}, []string{"cause"}),

		ChannelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "Total channels opened",
		}),
		ChannelsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_closed_total",
			Help:      "Total channels closed by terminal state",
		}, []string{"state"}),
		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of currently open channels",
		}),

		LinkClosures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_closures_total",
			Help:      "Total link closures by reason",
		}, []string{"reason"}),
	}
}
