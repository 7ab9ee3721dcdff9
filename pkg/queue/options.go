package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Options holds the collaborators shared by every backend.
type Options struct {
	Logger   *zap.SugaredLogger
	Observer Observer
	Sink     DeadLetterSink
}

// Option configures a backend.
type Option func(*Options)

// WithLogger sets the logger. Backends log nothing by default.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithObserver sets the activity observer, typically metrics.Collector.
func WithObserver(observer Observer) Option {
	return func(o *Options) {
		if observer != nil {
			o.Observer = observer
		}
	}
}

// WithDeadLetterSink records undecodable deliveries in sink.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(o *Options) {
		o.Sink = sink
	}
}

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) Options {
	options := Options{
		Logger:   zap.NewNop().Sugar(),
		Observer: NopObserver{},
	}

	for _, opt := range opts {
		opt(&options)
	}

	return options
}

// DeadLetter hands a rejected delivery to the configured sink, if any.
func (o Options) DeadLetter(ctx context.Context, queueName, consumerTag string, body []byte, reason error) {
	if o.Sink == nil {
		return
	}

	letter := DeadLetter{
		Queue:       queueName,
		ConsumerTag: consumerTag,
		Body:        body,
		Reason:      reason.Error(),
		ReceivedAt:  time.Now().UTC(),
	}

	if err := o.Sink.Store(ctx, letter); err != nil {
		o.Logger.Errorw("failed to store dead letter",
			"queue", queueName,
			"consumerTag", consumerTag,
			"error", err)
	}
}
