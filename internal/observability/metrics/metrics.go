// Package metrics exposes Prometheus metrics for the consumer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config contains configuration for the metrics endpoint.
type Config struct {
	// Enabled indicates whether metrics are collected and served.
	Enabled bool

	// Namespace is the metric namespace, defaulting to widget_consumer.
	Namespace string

	// HTTPEndpoint is the listen address for the /metrics server.
	HTTPEndpoint string
}

// Metrics holds the consumer's instruments.
type Metrics struct {
	MessagesReceived     prometheus.Counter
	MessagesAcknowledged prometheus.Counter
	MessagesReleased     prometheus.Counter
	MessagesDeadLettered *prometheus.CounterVec
	StaleHandles         prometheus.Counter
	VisibilityExtensions prometheus.Counter
	EmptyPolls           prometheus.Counter
	HandlerDuration      prometheus.Histogram
	InFlight             prometheus.Gauge

	config Config
	server *http.Server
}

// New creates the consumer metrics and, when an endpoint is configured,
// starts the /metrics HTTP server.
func New(config Config) *Metrics {
	if !config.Enabled {
		return &Metrics{config: config}
	}

	if config.Namespace == "" {
		config.Namespace = "widget_consumer"
	}

	m := &Metrics{
		config: config,
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "messages_received_total",
			Help:      "The total number of messages received from the queue",
		}),
		MessagesAcknowledged: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "messages_acknowledged_total",
			Help:      "The total number of messages processed and deleted",
		}),
		MessagesReleased: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "messages_released_total",
			Help:      "The total number of messages released for redelivery",
		}),
		MessagesDeadLettered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "messages_dead_lettered_total",
			Help:      "The total number of messages moved to the dead-letter path",
		}, []string{"reason"}),
		StaleHandles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "stale_handles_total",
			Help:      "The total number of deliveries dropped because their receipt handle expired",
		}),
		VisibilityExtensions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "visibility_extensions_total",
			Help:      "The total number of visibility timeout extensions",
		}),
		EmptyPolls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "empty_polls_total",
			Help:      "The total number of receive calls that returned no messages",
		}),
		HandlerDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "handler_duration_seconds",
			Help:      "The duration of per-message handling in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "messages_in_flight",
			Help:      "The number of messages currently being processed",
		}),
	}

	if config.HTTPEndpoint != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		m.server = &http.Server{Addr: config.HTTPEndpoint, Handler: mux}

		go func() {
			logrus.WithField("endpoint", config.HTTPEndpoint).Info("Starting metrics HTTP server")
			if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Error("Metrics HTTP server error")
			}
		}()
	}

	return m
}

// ObserveReceived records the size of one received batch.
func (m *Metrics) ObserveReceived(count int) {
	if m == nil || !m.config.Enabled {
		return
	}
	if count == 0 {
		m.EmptyPolls.Inc()
		return
	}
	m.MessagesReceived.Add(float64(count))
}

// ObserveAcknowledged records a successfully processed message.
func (m *Metrics) ObserveAcknowledged() {
	if m != nil && m.config.Enabled {
		m.MessagesAcknowledged.Inc()
	}
}

// ObserveReleased records a message released for redelivery.
func (m *Metrics) ObserveReleased() {
	if m != nil && m.config.Enabled {
		m.MessagesReleased.Inc()
	}
}

// ObserveDeadLettered records a message moved to the dead-letter path.
func (m *Metrics) ObserveDeadLettered(reason string) {
	if m != nil && m.config.Enabled {
		m.MessagesDeadLettered.WithLabelValues(reason).Inc()
	}
}

// ObserveStaleHandle records a delivery dropped on an expired handle.
func (m *Metrics) ObserveStaleHandle() {
	if m != nil && m.config.Enabled {
		m.StaleHandles.Inc()
	}
}

// ObserveVisibilityExtension records one watchdog extension.
func (m *Metrics) ObserveVisibilityExtension() {
	if m != nil && m.config.Enabled {
		m.VisibilityExtensions.Inc()
	}
}

// ObserveHandlerDuration records how long one message took to handle.
func (m *Metrics) ObserveHandlerDuration(d time.Duration) {
	if m != nil && m.config.Enabled {
		m.HandlerDuration.Observe(d.Seconds())
	}
}

// AddInFlight adjusts the in-flight gauge.
func (m *Metrics) AddInFlight(delta int) {
	if m != nil && m.config.Enabled {
		m.InFlight.Add(float64(delta))
	}
}

// Shutdown stops the metrics HTTP server.
func (m *Metrics) Shutdown() error {
	if m != nil && m.server != nil {
		logrus.Info("Shutting down metrics HTTP server")
		return m.server.Close()
	}
	return nil
}
