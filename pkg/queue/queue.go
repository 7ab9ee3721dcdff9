// Package queue defines the secure queue contract shared by every backend.
//
// A Queue moves opaque payloads through a durable broker. Payloads are encoded by an
// envelope.Codec before publish and decoded before a Handler ever sees them, so the
// encryption mode of a queue is invisible to callers.
package queue

import (
	"context"
	"time"
)

// Handler receives one decoded payload. Handlers for a single consumer registration are
// invoked sequentially on a goroutine owned by the backend.
type Handler func(payload []byte)

// Queue is the uniform enqueue/dequeue contract.
//
// Initialize must succeed before any other operation. Data-plane calls on an
// uninitialized queue return ErrNotInitialized.
type Queue interface {
	// Initialize connects to the broker and declares the topology the queue needs.
	Initialize(ctx context.Context) error

	// Enqueue encodes payload and publishes it persistently.
	Enqueue(ctx context.Context, payload []byte) error

	// Dequeue registers handler as a push consumer and returns its consumer tag.
	Dequeue(ctx context.Context, handler Handler) (string, error)

	// DequeueWithTimeout delivers at most one message to handler, waiting no longer than wait.
	// Backends that can't bound a wait return ErrUnsupportedOperation.
	DequeueWithTimeout(ctx context.Context, handler Handler, wait time.Duration) error

	// CancelListening stops the consumer registered under consumerTag. No handler
	// invocation for that tag starts after it returns.
	CancelListening(ctx context.Context, consumerTag string) error

	// Close cancels every consumer and releases broker resources.
	Close() error
}

// Outcome classifies what happened to a single delivery.
type Outcome string

const (
	// OutcomeHandled means the delivery was decoded, acknowledged and given to a handler.
	OutcomeHandled Outcome = "handled"

	// OutcomeRejected means the delivery could not be decoded and was dead-lettered.
	OutcomeRejected Outcome = "rejected"

	// OutcomeRequeued means the delivery arrived after its consumer was cancelled.
	OutcomeRequeued Outcome = "requeued"

	// OutcomeAckFailed means the broker refused the acknowledgement.
	OutcomeAckFailed Outcome = "ack_failed"
)

// Observer is notified of queue activity. Implementations must be safe for concurrent use.
type Observer interface {
	Enqueued(queueName string, duration time.Duration, err error)
	Delivered(queueName string, outcome Outcome)
	ConsumerStarted(queueName string)
	ConsumerStopped(queueName string)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) Enqueued(string, time.Duration, error) {}
func (NopObserver) Delivered(string, Outcome)            {}
func (NopObserver) ConsumerStarted(string)               {}
func (NopObserver) ConsumerStopped(string)               {}

// DeadLetter is a delivery that could not be decoded.
type DeadLetter struct {
	Queue       string
	ConsumerTag string
	Body        []byte
	Reason      string
	ReceivedAt  time.Time
}

// DeadLetterSink keeps undecodable deliveries for later inspection.
type DeadLetterSink interface {
	Store(ctx context.Context, letter DeadLetter) error
}
