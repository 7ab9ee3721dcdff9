// Package memory is an in-process secure queue. It backs tests and single binary
// deployments and, unlike the push-only brokers, supports DequeueWithTimeout.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	wqueue "github.com/Workiva/go-datastructures/queue"

	"github.com/houseofcat/securedcomm/pkg/encryption"
	"github.com/houseofcat/securedcomm/pkg/envelope"
	"github.com/houseofcat/securedcomm/pkg/queue"
)

const defaultPollInterval = 50 * time.Millisecond

// Queue is a secure queue over a Broker.
type Queue struct {
	config       queue.Config
	codec        *envelope.Codec
	options      queue.Options
	lifecycle    queue.Lifecycle
	consumers    *queue.Registry
	broker       *Broker
	store        *wqueue.Queue
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the configuration and builds an uninitialized Queue on broker.
func New(config *queue.Config, provider encryption.Provider, broker *Broker, opts ...queue.Option) (*Queue, error) {

	codec, err := queue.Prepare(config, provider)
	if err != nil {
		return nil, queue.Wrap("new", "", err)
	}

	if broker == nil {
		return nil, queue.Wrap("new", config.QueueName, fmt.Errorf("%w: broker is nil", queue.ErrConfiguration))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		config:       *config,
		codec:        codec,
		options:      queue.NewOptions(opts...),
		consumers:    queue.NewRegistry(),
		broker:       broker,
		pollInterval: defaultPollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Initialize declares the queue on the broker.
func (q *Queue) Initialize(ctx context.Context) error {

	if err := q.lifecycle.Begin(); err != nil {
		return queue.Wrap("initialize", q.config.QueueName, err)
	}

	err := ctx.Err()
	if err == nil {
		q.store = q.broker.declare(q.config.ExchangeName, q.config.QueueName)
	}

	if !q.lifecycle.Complete(err) && err == nil {
		err = queue.ErrClosed
	}

	return queue.Wrap("initialize", q.config.QueueName, err)
}

// Enqueue encodes payload and appends it to the queue.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (err error) {

	if err = q.lifecycle.Ready(); err != nil {
		return queue.Wrap("enqueue", q.config.QueueName, err)
	}

	start := time.Now()
	defer func() {
		q.options.Observer.Enqueued(q.config.QueueName, time.Since(start), err)
	}()

	wire, err := q.codec.Encode(ctx, payload)
	if err != nil {
		return queue.Wrap("enqueue", q.config.QueueName, err)
	}

	if err = q.store.Put(wire); err != nil {
		return queue.Wrap("enqueue", q.config.QueueName, queue.TransportError(err))
	}

	return nil
}

// Dequeue starts a consumer goroutine that takes one message at a time.
func (q *Queue) Dequeue(ctx context.Context, handler queue.Handler) (string, error) {

	if err := q.lifecycle.Ready(); err != nil {
		return "", queue.Wrap("dequeue", q.config.QueueName, err)
	}

	consumer, err := q.consumers.Register(q.config.QueueName, handler)
	if err != nil {
		return "", queue.Wrap("dequeue", q.config.QueueName, err)
	}

	q.options.Observer.ConsumerStarted(q.config.QueueName)

	go q.consume(consumer)

	return consumer.Tag, nil
}

func (q *Queue) consume(consumer *queue.Consumer) {
	defer consumer.Finish()
	defer q.options.Observer.ConsumerStopped(q.config.QueueName)

	for {
		select {
		case <-consumer.Stopped():
			return
		default:
		}

		items, err := q.store.Poll(1, q.pollInterval)
		if errors.Is(err, wqueue.ErrTimeout) {
			continue
		}
		if err != nil {
			q.options.Logger.Debugw("consumer stopped", "queue", q.config.QueueName, "error", err)
			return
		}

		wire := items[0].([]byte)

		payload, err := q.decode(consumer.Tag, wire)
		if err != nil {
			continue
		}

		if !consumer.Claim() {
			_ = q.store.Put(wire)
			q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeRequeued)
			return
		}

		consumer.Deliver(payload)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeHandled)
	}
}

func (q *Queue) decode(consumerTag string, wire []byte) ([]byte, error) {

	payload, err := q.codec.Decode(q.ctx, wire)
	if err != nil {
		q.options.Logger.Warnw("dropping message that failed to decode",
			"queue", q.config.QueueName,
			"consumerTag", consumerTag,
			"error", err)

		q.options.DeadLetter(q.ctx, q.config.QueueName, consumerTag, wire, err)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeRejected)
		return nil, err
	}

	return payload, nil
}

// DequeueWithTimeout hands at most one message to handler, waiting up to wait for it.
func (q *Queue) DequeueWithTimeout(ctx context.Context, handler queue.Handler, wait time.Duration) error {

	if err := q.lifecycle.Ready(); err != nil {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, err)
	}

	if handler == nil {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, fmt.Errorf("%w: handler is nil", queue.ErrArgument))
	}

	if wait <= 0 {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, fmt.Errorf("%w: wait must be positive, got %s", queue.ErrArgument, wait))
	}

	// a zero Poll timeout blocks forever
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		wait = time.Until(deadline)
		if wait <= 0 {
			return queue.Wrap("dequeue with timeout", q.config.QueueName, context.DeadlineExceeded)
		}
	}

	items, err := q.store.Poll(1, wait)
	if errors.Is(err, wqueue.ErrTimeout) {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, queue.ErrDequeueTimeout)
	}
	if err != nil {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, queue.TransportError(err))
	}

	payload, err := q.decode("", items[0].([]byte))
	if err != nil {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, err)
	}

	handler(payload)
	q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeHandled)

	return nil
}

// CancelListening stops the consumer. A message it took after cancellation goes back to
// the tail of the queue.
func (q *Queue) CancelListening(ctx context.Context, consumerTag string) error {

	if err := q.lifecycle.Ready(); err != nil {
		return queue.Wrap("cancel", q.config.QueueName, err)
	}

	if _, err := q.consumers.Remove(consumerTag); err != nil {
		return queue.Wrap("cancel", q.config.QueueName, err)
	}

	return nil
}

// Close stops every consumer. Messages stay on the broker for other queues.
func (q *Queue) Close() error {

	q.lifecycle.Close()
	q.cancel()
	q.consumers.RemoveAll()

	return nil
}
