// Package kafkaqueue is a secure queue over a Kafka topic.
//
// The topic is the queue name and the consumer group is <exchange>.<queue>, so every
// consumer of one queue shares its partitions. The exchange name is the message key.
// Committing the offset is the acknowledgement and commits are synchronous, one message
// at a time.
package kafkaqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/houseofcat/securedcomm/pkg/encryption"
	"github.com/houseofcat/securedcomm/pkg/envelope"
	"github.com/houseofcat/securedcomm/pkg/queue"
)

const (
	exchangeHeader = "securedcomm-exchange"
	errorBackoff   = time.Second
)

// Queue is a secure queue backed by a Kafka topic.
type Queue struct {
	config    queue.Config
	settings  Settings
	codec     *envelope.Codec
	options   queue.Options
	lifecycle queue.Lifecycle
	consumers *queue.Registry

	ping      func(ctx context.Context, brokers []string) error
	newWriter func(brokers []string, topic string) writer
	newReader func(brokers []string, topic, groupID string, maxBytes int) reader

	writer writer

	pollLock   sync.Mutex
	pollReader reader

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the configuration and builds an uninitialized Queue.
func New(config *queue.Config, provider encryption.Provider, settings *Settings, opts ...queue.Option) (*Queue, error) {

	codec, err := queue.Prepare(config, provider)
	if err != nil {
		return nil, queue.Wrap("new", "", err)
	}

	if settings == nil {
		settings = &Settings{}
	}

	resolved := *settings
	if len(resolved.Brokers) == 0 {
		resolved.Brokers, err = brokersFromURI(config.URI)
		if err != nil {
			return nil, queue.Wrap("new", config.QueueName, fmt.Errorf("%w: %w", queue.ErrConfiguration, err))
		}
	}

	if resolved.GroupID == "" {
		resolved.GroupID = fmt.Sprintf("%s.%s", config.ExchangeName, config.QueueName)
	}

	if resolved.MaxBytes <= 0 {
		resolved.MaxBytes = defaultMaxBytes
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		config:    *config,
		settings:  resolved,
		codec:     codec,
		options:   queue.NewOptions(opts...),
		consumers: queue.NewRegistry(),
		ping:      ping,
		newWriter: newWriter,
		newReader: newReader,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Initialize checks a broker is reachable and creates the writer.
func (q *Queue) Initialize(ctx context.Context) error {

	if err := q.lifecycle.Begin(); err != nil {
		return queue.Wrap("initialize", q.config.QueueName, err)
	}

	err := q.ping(ctx, q.settings.Brokers)
	if err != nil {
		err = queue.TransportError(fmt.Errorf("dial brokers: %w", err))
	} else {
		q.writer = q.newWriter(q.settings.Brokers, q.config.QueueName)

		q.options.Logger.Infow("queue initialized",
			"topic", q.config.QueueName,
			"group", q.settings.GroupID,
			"brokers", q.settings.Brokers)
	}

	if !q.lifecycle.Complete(err) && err == nil {
		if closeErr := q.writer.Close(); closeErr != nil {
			q.options.Logger.Debugw("failed to close writer after close during initialize", "error", closeErr)
		}
		err = queue.ErrClosed
	}

	return queue.Wrap("initialize", q.config.QueueName, err)
}

// Enqueue encodes payload and writes it keyed by exchange name.
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

	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(q.config.ExchangeName),
		Value: wire,
		Headers: []kafka.Header{
			{Key: exchangeHeader, Value: []byte(q.config.ExchangeName)},
		},
	})
	if err != nil {
		return queue.Wrap("enqueue", q.config.QueueName, queue.TransportError(err))
	}

	return nil
}

// Dequeue joins the consumer group with a dedicated reader.
func (q *Queue) Dequeue(ctx context.Context, handler queue.Handler) (string, error) {

	if err := q.lifecycle.Ready(); err != nil {
		return "", queue.Wrap("dequeue", q.config.QueueName, err)
	}

	consumer, err := q.consumers.Register(q.config.QueueName, handler)
	if err != nil {
		return "", queue.Wrap("dequeue", q.config.QueueName, err)
	}

	r := q.newReader(q.settings.Brokers, q.config.QueueName, q.settings.GroupID, q.settings.MaxBytes)

	q.options.Observer.ConsumerStarted(q.config.QueueName)

	go q.consume(consumer, r)

	return consumer.Tag, nil
}

// consume serves one consumer. A message fetched after cancellation is not committed,
// so the group hands it out again once the reader leaves.
func (q *Queue) consume(consumer *queue.Consumer, r reader) {
	defer consumer.Finish()
	defer q.options.Observer.ConsumerStopped(q.config.QueueName)

	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()

	go func() {
		select {
		case <-consumer.Stopped():
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		if err := r.Close(); err != nil {
			q.options.Logger.Debugw("failed to close reader", "queue", q.config.QueueName, "error", err)
		}
	}()

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			q.options.Logger.Errorw("failed to fetch message", "queue", q.config.QueueName, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		payload, err := q.open(r, consumer.Tag, msg)
		if err != nil {
			continue
		}

		if !consumer.Claim() {
			q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeRequeued)
			return
		}

		if err := q.commit(r, msg); err != nil {
			consumer.Release()
			continue
		}

		consumer.Deliver(payload)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeHandled)
	}
}

// open decodes a message. A message that fails to decode is committed past, since
// Kafka can't reject it, and handed to the dead-letter sink.
func (q *Queue) open(r reader, consumerTag string, msg kafka.Message) ([]byte, error) {

	payload, err := q.codec.Decode(q.ctx, msg.Value)
	if err != nil {
		q.options.Logger.Warnw("skipping message that failed to decode",
			"queue", q.config.QueueName,
			"consumerTag", consumerTag,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err)

		q.options.DeadLetter(q.ctx, q.config.QueueName, consumerTag, msg.Value, err)
		if commitErr := r.CommitMessages(q.ctx, msg); commitErr != nil {
			q.options.Logger.Errorw("failed to commit rejected message", "queue", q.config.QueueName, "error", commitErr)
		}

		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeRejected)
		return nil, err
	}

	return payload, nil
}

func (q *Queue) commit(r reader, msg kafka.Message) error {

	if err := r.CommitMessages(q.ctx, msg); err != nil {
		q.options.Logger.Errorw("failed to commit message",
			"queue", q.config.QueueName,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeAckFailed)
		return queue.TransportError(err)
	}

	return nil
}

// DequeueWithTimeout fetches at most one message within wait on a reader kept for polling.
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

	q.pollLock.Lock()
	defer q.pollLock.Unlock()

	if q.pollReader == nil {
		q.pollReader = q.newReader(q.settings.Brokers, q.config.QueueName, q.settings.GroupID, q.settings.MaxBytes)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msg, err := q.pollReader.FetchMessage(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			return queue.Wrap("dequeue with timeout", q.config.QueueName, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return queue.Wrap("dequeue with timeout", q.config.QueueName, queue.ErrDequeueTimeout)
		}
		return queue.Wrap("dequeue with timeout", q.config.QueueName, queue.TransportError(err))
	}

	payload, err := q.open(q.pollReader, "", msg)
	if err != nil {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, err)
	}

	if err = q.commit(q.pollReader, msg); err != nil {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, err)
	}

	handler(payload)
	q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeHandled)

	return nil
}

// CancelListening stops the consumer and closes its reader, leaving the group.
func (q *Queue) CancelListening(ctx context.Context, consumerTag string) error {

	if err := q.lifecycle.Ready(); err != nil {
		return queue.Wrap("cancel", q.config.QueueName, err)
	}

	if _, err := q.consumers.Remove(consumerTag); err != nil {
		return queue.Wrap("cancel", q.config.QueueName, err)
	}

	return nil
}

// Close stops every consumer and closes the writer and the polling reader.
func (q *Queue) Close() error {

	live := q.lifecycle.Close()
	q.cancel()
	q.consumers.RemoveAll()

	if !live {
		return nil
	}

	var errs []error
	if err := q.writer.Close(); err != nil {
		errs = append(errs, err)
	}

	q.pollLock.Lock()
	if q.pollReader != nil {
		if err := q.pollReader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	q.pollLock.Unlock()

	if len(errs) > 0 {
		return queue.Wrap("close", q.config.QueueName, queue.TransportError(errors.Join(errs...)))
	}

	return nil
}
