// Package metrics exposes queue activity to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/houseofcat/securedcomm/pkg/queue"
)

const (
	Namespace = "securedcomm"

	// Result label values for enqueue counters
	ResultSuccess = "success"
	ResultError   = "error"
)

// Collector records queue activity. It implements queue.Observer.
type Collector struct {
	enqueued        *prometheus.CounterVec   // by queue, result
	enqueueDuration *prometheus.HistogramVec // by queue
	deliveries      *prometheus.CounterVec   // by queue, outcome
	activeConsumers *prometheus.GaugeVec     // by queue
}

var _ queue.Observer = (*Collector)(nil)

// New creates a Collector and registers its metrics with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "enqueued_total",
				Help:      "Total number of enqueue calls by queue and result",
			},
			[]string{"queue", "result"},
		),
		enqueueDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "enqueue_duration_seconds",
				Help:      "Time to encode and publish one payload",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"queue"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "deliveries_total",
				Help:      "Total number of deliveries by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		activeConsumers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "active_consumers",
				Help:      "Number of consumers currently listening",
			},
			[]string{"queue"},
		),
	}

	err := errors.Join(
		reg.Register(c.enqueued),
		reg.Register(c.enqueueDuration),
		reg.Register(c.deliveries),
		reg.Register(c.activeConsumers),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Collector) Enqueued(queueName string, duration time.Duration, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}

	c.enqueued.WithLabelValues(queueName, result).Inc()
	c.enqueueDuration.WithLabelValues(queueName).Observe(duration.Seconds())
}

func (c *Collector) Delivered(queueName string, outcome queue.Outcome) {
	c.deliveries.WithLabelValues(queueName, string(outcome)).Inc()
}

func (c *Collector) ConsumerStarted(queueName string) {
	c.activeConsumers.WithLabelValues(queueName).Inc()
}

func (c *Collector) ConsumerStopped(queueName string) {
	c.activeConsumers.WithLabelValues(queueName).Dec()
}
