// Package rabbitmq is the broker-backed secure queue over AMQP 0-9-1.
//
// Each Queue owns one connection and one channel. Deliveries are decoded first, then
// claimed from the consumer, acknowledged and handed to the handler, one at a time per
// consumer with a prefetch of one. Deliveries that can't be decoded are rejected without
// requeue so the broker can dead-letter them.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"

	"github.com/houseofcat/securedcomm/pkg/encryption"
	"github.com/houseofcat/securedcomm/pkg/envelope"
	"github.com/houseofcat/securedcomm/pkg/queue"
)

const prefetchCount = 1

// Queue is a secure queue backed by a RabbitMQ direct exchange.
type Queue struct {
	config     queue.Config
	settings   Settings
	codec      *envelope.Codec
	options    queue.Options
	lifecycle  queue.Lifecycle
	consumers  *queue.Registry
	topology   *Topology
	properties amqp.Publishing
	dial       dialFunc

	ctx    context.Context
	cancel context.CancelFunc

	cancelLock sync.Mutex

	lock       sync.Mutex
	connection connection
	channel    channel
	broken     atomic.Pointer[amqp.Error]
}

// New validates the configuration and builds an uninitialized Queue.
func New(config *queue.Config, provider encryption.Provider, settings *Settings, opts ...queue.Option) (*Queue, error) {

	codec, err := queue.Prepare(config, provider)
	if err != nil {
		return nil, queue.Wrap("new", queueName(config), err)
	}

	if settings == nil {
		settings = &Settings{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		config:    *config,
		settings:  *settings,
		codec:     codec,
		options:   queue.NewOptions(opts...),
		consumers: queue.NewRegistry(),
		topology:  NewTopology(config.ExchangeName, config.QueueName, settings.DeadLetterExchange),
		dial:      dialAMQP,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func queueName(config *queue.Config) string {
	if config == nil {
		return ""
	}
	return config.QueueName
}

// Initialize dials the broker, opens the channel, declares the topology and sets the
// prefetch to one. Partially created resources are closed when a step fails.
func (q *Queue) Initialize(ctx context.Context) error {

	if err := q.lifecycle.Begin(); err != nil {
		return queue.Wrap("initialize", q.config.QueueName, err)
	}

	err := q.connect(ctx)
	if !q.lifecycle.Complete(err) && err == nil {
		q.lock.Lock()
		q.teardown(q.channel, q.connection)
		q.lock.Unlock()

		err = queue.ErrClosed
	}

	return queue.Wrap("initialize", q.config.QueueName, err)
}

func (q *Queue) connect(ctx context.Context) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	uri, amqpConfig, err := q.settings.amqpConfig(q.config.URI)
	if err != nil {
		return fmt.Errorf("%w: tls: %w", queue.ErrConfiguration, err)
	}

	conn, err := q.dial(uri, amqpConfig)
	if err != nil {
		return queue.TransportError(fmt.Errorf("dial: %w", err))
	}

	ch, err := conn.Channel()
	if err != nil {
		q.teardown(nil, conn)
		return queue.TransportError(fmt.Errorf("open channel: %w", err))
	}

	if err = q.topology.Declare(ch); err != nil {
		q.teardown(ch, conn)
		return queue.TransportError(err)
	}

	q.properties = amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
	}

	if err = ch.Qos(prefetchCount, 0, false); err != nil {
		q.teardown(ch, conn)
		return queue.TransportError(fmt.Errorf("qos: %w", err))
	}

	q.lock.Lock()
	q.connection = conn
	q.channel = ch
	q.lock.Unlock()

	go q.watch(ch.NotifyClose(make(chan *amqp.Error, 1)))

	q.options.Logger.Infow("queue initialized",
		"exchange", q.config.ExchangeName,
		"queue", q.config.QueueName,
		"encrypted", q.config.Encrypted,
		"wrapped", q.config.Wrapped)

	return nil
}

func (q *Queue) teardown(ch channel, conn connection) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			q.options.Logger.Debugw("failed to close channel after initialize error", "error", err)
		}
	}

	if err := conn.Close(); err != nil {
		q.options.Logger.Debugw("failed to close connection after initialize error", "error", err)
	}
}

// watch records why the broker closed the channel. The library closes closures after
// delivering at most one value.
func (q *Queue) watch(closures <-chan *amqp.Error) {
	for amqpErr := range closures {
		if amqpErr == nil {
			continue
		}

		q.broken.Store(amqpErr)
		q.options.Logger.Errorw("channel closed by broker",
			"queue", q.config.QueueName,
			"code", amqpErr.Code,
			"reason", amqpErr.Reason)
	}
}

func (q *Queue) ready() error {

	if err := q.lifecycle.Ready(); err != nil {
		return err
	}

	if amqpErr := q.broken.Load(); amqpErr != nil {
		return queue.TransportError(amqpErr)
	}

	return nil
}

// Enqueue encodes payload and publishes it persistently with the queue name as routing
// key. The publish is not mandatory, so a message the broker can't route is dropped.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (err error) {

	if err = q.ready(); err != nil {
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

	msg := q.properties
	msg.Timestamp = time.Now().UTC()
	msg.Body = wire

	q.lock.Lock()
	err = q.channel.Publish(q.config.ExchangeName, q.config.QueueName, false, false, msg)
	q.lock.Unlock()
	if err != nil {
		return queue.Wrap("enqueue", q.config.QueueName, queue.TransportError(err))
	}

	return nil
}

// Dequeue registers handler as a manual-ack consumer and returns its consumer tag.
func (q *Queue) Dequeue(ctx context.Context, handler queue.Handler) (string, error) {

	if err := q.ready(); err != nil {
		return "", queue.Wrap("dequeue", q.config.QueueName, err)
	}

	consumer, err := q.consumers.Register(q.config.QueueName, handler)
	if err != nil {
		return "", queue.Wrap("dequeue", q.config.QueueName, err)
	}

	q.lock.Lock()
	deliveries, err := q.channel.Consume(q.config.QueueName, consumer.Tag, false, false, false, false, nil)
	q.lock.Unlock()
	if err != nil {
		_, _ = q.consumers.Remove(consumer.Tag)
		return "", queue.Wrap("dequeue", q.config.QueueName, queue.TransportError(err))
	}

	q.options.Observer.ConsumerStarted(q.config.QueueName)
	q.options.Logger.Debugw("consumer started", "queue", q.config.QueueName, "consumerTag", consumer.Tag)

	go q.consume(consumer, deliveries)

	return consumer.Tag, nil
}

// consume serves one consumer until the library closes its delivery channel.
func (q *Queue) consume(consumer *queue.Consumer, deliveries <-chan amqp.Delivery) {
	defer consumer.Finish()
	defer q.options.Observer.ConsumerStopped(q.config.QueueName)

	for delivery := range deliveries {
		q.handle(consumer, delivery)
	}

	q.options.Logger.Debugw("consumer stopped", "queue", q.config.QueueName, "consumerTag", consumer.Tag)
}

func (q *Queue) handle(consumer *queue.Consumer, delivery amqp.Delivery) {

	payload, err := q.codec.Decode(q.ctx, delivery.Body)
	if err != nil {
		q.options.Logger.Warnw("rejecting delivery that failed to decode",
			"queue", q.config.QueueName,
			"consumerTag", consumer.Tag,
			"deliveryTag", delivery.DeliveryTag,
			"error", err)

		q.reject(delivery.DeliveryTag, false)
		q.options.DeadLetter(q.ctx, q.config.QueueName, consumer.Tag, delivery.Body, err)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeRejected)
		return
	}

	if !consumer.Claim() {
		q.reject(delivery.DeliveryTag, true)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeRequeued)
		return
	}

	q.lock.Lock()
	err = q.channel.Ack(delivery.DeliveryTag, false)
	q.lock.Unlock()
	if err != nil {
		consumer.Release()
		q.options.Logger.Errorw("failed to ack delivery",
			"queue", q.config.QueueName,
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeAckFailed)
		return
	}

	consumer.Deliver(payload)
	q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeHandled)
}

func (q *Queue) reject(deliveryTag uint64, requeue bool) {
	q.lock.Lock()
	err := q.channel.Nack(deliveryTag, false, requeue)
	q.lock.Unlock()

	if err != nil {
		q.options.Logger.Errorw("failed to nack delivery",
			"queue", q.config.QueueName,
			"deliveryTag", deliveryTag,
			"requeue", requeue,
			"error", err)
	}
}

// DequeueWithTimeout is not supported: the broker pushes deliveries and there is no
// bounded wait to offer.
func (q *Queue) DequeueWithTimeout(ctx context.Context, handler queue.Handler, wait time.Duration) error {
	return queue.Wrap("dequeue with timeout", q.config.QueueName,
		queue.Unsupported("rabbitmq consumers are push-only, use Dequeue"))
}

// CancelListening cancels the consumer at the broker. Deliveries already buffered for it
// are requeued instead of being handed to the handler. When the broker refuses the
// cancel the consumer stays registered and keeps serving deliveries.
func (q *Queue) CancelListening(ctx context.Context, consumerTag string) error {

	if err := q.lifecycle.Ready(); err != nil {
		return queue.Wrap("cancel", q.config.QueueName, err)
	}

	if consumerTag == "" {
		return queue.Wrap("cancel", q.config.QueueName, fmt.Errorf("%w: consumer tag is empty", queue.ErrArgument))
	}

	q.cancelLock.Lock()
	defer q.cancelLock.Unlock()

	if _, ok := q.consumers.Get(consumerTag); !ok {
		return queue.Wrap("cancel", q.config.QueueName, fmt.Errorf("%w: %s", queue.ErrUnknownConsumer, consumerTag))
	}

	q.lock.Lock()
	err := q.channel.Cancel(consumerTag, false)
	q.lock.Unlock()
	if err != nil {
		return queue.Wrap("cancel", q.config.QueueName, queue.TransportError(err))
	}

	if _, err = q.consumers.Remove(consumerTag); err != nil {
		return queue.Wrap("cancel", q.config.QueueName, err)
	}

	q.options.Logger.Debugw("consumer cancelled", "queue", q.config.QueueName, "consumerTag", consumerTag)

	return nil
}

// Close cancels every consumer and closes the channel and connection.
func (q *Queue) Close() error {

	live := q.lifecycle.Close()
	q.cancel()

	if !live {
		return nil
	}

	q.consumers.RemoveAll()

	q.lock.Lock()
	defer q.lock.Unlock()

	var errs []error
	if err := q.channel.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := q.connection.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return queue.Wrap("close", q.config.QueueName, queue.TransportError(errors.Join(errs...)))
	}

	return nil
}
