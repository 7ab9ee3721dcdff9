// Package redisqueue is a secure queue over Redis lists.
//
// Producers push to the list <exchange>:<queue>. Each consumer moves one message at a
// time into its own processing list with BLMOVE and removes it from there as the
// acknowledgement. A consumer keeps a lease key alive while it runs and moves its
// processing list back when it stops. Processing lists whose lease has expired belong
// to consumers that died, and are moved back by the next queue that initializes or
// starts a consumer.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/houseofcat/securedcomm/pkg/encryption"
	"github.com/houseofcat/securedcomm/pkg/envelope"
	"github.com/houseofcat/securedcomm/pkg/queue"
)

const (
	defaultBlockTimeout = time.Second
	defaultLeaseTTL     = 30 * time.Second
	pingTimeout         = 5 * time.Second
	restoreTimeout      = 5 * time.Second
	closeTimeout        = 10 * time.Second
	errorBackoff        = time.Second
	scanCount           = 100
)

// Settings tune the Redis client. Addr, Password and DB override what the URI carries.
type Settings struct {
	Addr         string        `json:"Addr" yaml:"Addr" env:"SECUREDCOMM_REDIS_ADDR"`
	Password     string        `json:"Password" yaml:"Password" env:"SECUREDCOMM_REDIS_PASSWORD"`
	DB           int           `json:"DB" yaml:"DB" env:"SECUREDCOMM_REDIS_DB"`
	BlockTimeout time.Duration `json:"BlockTimeout" yaml:"BlockTimeout" env:"SECUREDCOMM_REDIS_BLOCK_TIMEOUT"`
	LeaseTTL     time.Duration `json:"LeaseTTL" yaml:"LeaseTTL" env:"SECUREDCOMM_REDIS_LEASE_TTL"`
}

// redisClient is the part of *redis.Client the queue uses.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

// Queue is a secure queue backed by a Redis list.
type Queue struct {
	config    queue.Config
	settings  Settings
	codec     *envelope.Codec
	options   queue.Options
	lifecycle queue.Lifecycle
	consumers *queue.Registry
	client    redisClient
	key       string

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

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		config:    *config,
		settings:  *settings,
		codec:     codec,
		options:   queue.NewOptions(opts...),
		consumers: queue.NewRegistry(),
		key:       fmt.Sprintf("%s:%s", config.ExchangeName, config.QueueName),
		ctx:       ctx,
		cancel:    cancel,
	}

	if q.settings.BlockTimeout <= 0 {
		q.settings.BlockTimeout = defaultBlockTimeout
	}

	// a lease must outlive at least a couple of blocking takes
	if q.settings.LeaseTTL <= 0 {
		q.settings.LeaseTTL = defaultLeaseTTL
	}
	if q.settings.LeaseTTL < 2*q.settings.BlockTimeout {
		q.settings.LeaseTTL = 2 * q.settings.BlockTimeout
	}

	return q, nil
}

func (q *Queue) redisOptions() (*redis.Options, error) {

	options, err := redis.ParseURL(q.config.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrConfiguration, err)
	}

	if q.settings.Addr != "" {
		options.Addr = q.settings.Addr
	}

	if q.settings.Password != "" {
		options.Password = q.settings.Password
	}

	if q.settings.DB != 0 {
		options.DB = q.settings.DB
	}

	return options, nil
}

// Initialize connects to Redis and verifies the connection.
func (q *Queue) Initialize(ctx context.Context) error {

	if err := q.lifecycle.Begin(); err != nil {
		return queue.Wrap("initialize", q.config.QueueName, err)
	}

	err := q.connect(ctx)
	if !q.lifecycle.Complete(err) && err == nil {
		if closeErr := q.client.Close(); closeErr != nil {
			q.options.Logger.Debugw("failed to close client after close during initialize", "error", closeErr)
		}
		err = queue.ErrClosed
	}

	if err == nil {
		q.recoverOrphans(ctx)
	}

	return queue.Wrap("initialize", q.config.QueueName, err)
}

func (q *Queue) connect(ctx context.Context) error {

	created := false
	if q.client == nil {
		options, err := q.redisOptions()
		if err != nil {
			return err
		}
		q.client = redis.NewClient(options)
		created = true
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := q.client.Ping(pingCtx).Err(); err != nil {
		if created {
			_ = q.client.Close()
			q.client = nil
		}
		return queue.TransportError(fmt.Errorf("failed to connect to redis: %w", err))
	}

	q.options.Logger.Infow("queue initialized", "queue", q.config.QueueName, "key", q.key)

	return nil
}

// Enqueue encodes payload and pushes it onto the list.
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

	if err = q.client.LPush(ctx, q.key, wire).Err(); err != nil {
		return queue.Wrap("enqueue", q.config.QueueName, queue.TransportError(err))
	}

	return nil
}

func (q *Queue) processingKey(consumerTag string) string {
	return fmt.Sprintf("%s:processing:%s", q.key, consumerTag)
}

func (q *Queue) leaseKey(consumerTag string) string {
	return fmt.Sprintf("%s:lease:%s", q.key, consumerTag)
}

// take moves the oldest message into the processing list, waiting up to timeout.
func (q *Queue) take(ctx context.Context, processing string, timeout time.Duration) ([]byte, error) {
	value, err := q.client.BLMove(ctx, q.key, processing, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		return nil, err
	}

	return []byte(value), nil
}

func (q *Queue) ack(processing string, wire []byte) error {
	return q.client.LRem(q.ctx, processing, 1, wire).Err()
}

func (q *Queue) renew(ctx context.Context, lease string, ttl time.Duration) {
	if err := q.client.Set(ctx, lease, 1, ttl).Err(); err != nil && ctx.Err() == nil {
		q.options.Logger.Warnw("failed to renew consumer lease", "queue", q.config.QueueName, "lease", lease, "error", err)
	}
}

// restore moves everything left in a processing list back to the front of the queue,
// oldest first. It also runs after the queue context is cancelled, because a BLMOVE
// abandoned by the client may still have been carried out by the server.
func (q *Queue) restore(processing string) int {

	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	moved := 0
	for {
		err := q.client.LMove(ctx, processing, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved
		}
		if err != nil {
			q.options.Logger.Errorw("failed to restore in-flight message",
				"queue", q.config.QueueName,
				"processing", processing,
				"error", err)
			return moved
		}
		moved++
	}
}

// release hands back whatever a consumer still holds and drops its lease.
func (q *Queue) release(consumerTag string) {

	if moved := q.restore(q.processingKey(consumerTag)); moved > 0 {
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeRequeued)
		q.options.Logger.Debugw("requeued in-flight messages", "queue", q.config.QueueName, "consumerTag", consumerTag, "count", moved)
	}

	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	if err := q.client.Del(ctx, q.leaseKey(consumerTag)).Err(); err != nil {
		q.options.Logger.Debugw("failed to drop consumer lease", "queue", q.config.QueueName, "consumerTag", consumerTag, "error", err)
	}
}

// recoverOrphans requeues the processing lists of consumers whose lease has expired.
func (q *Queue) recoverOrphans(ctx context.Context) {

	prefix := q.processingKey("")

	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, prefix+"*", scanCount).Result()
		if err != nil {
			q.options.Logger.Warnw("failed to scan for orphaned messages", "queue", q.config.QueueName, "error", err)
			return
		}

		for _, processing := range keys {
			consumerTag := strings.TrimPrefix(processing, prefix)

			live, err := q.client.Exists(ctx, q.leaseKey(consumerTag)).Result()
			if err != nil {
				q.options.Logger.Warnw("failed to check consumer lease", "queue", q.config.QueueName, "consumerTag", consumerTag, "error", err)
				continue
			}
			if live > 0 {
				continue
			}

			if moved := q.restore(processing); moved > 0 {
				q.options.Logger.Infow("recovered orphaned messages",
					"queue", q.config.QueueName,
					"consumerTag", consumerTag,
					"count", moved)
			}
		}

		if next == 0 {
			return
		}
		cursor = next
	}
}

// Dequeue starts a consumer goroutine that takes one message at a time.
func (q *Queue) Dequeue(ctx context.Context, handler queue.Handler) (string, error) {

	if err := q.lifecycle.Ready(); err != nil {
		return "", queue.Wrap("dequeue", q.config.QueueName, err)
	}

	q.recoverOrphans(ctx)

	consumer, err := q.consumers.Register(q.config.QueueName, handler)
	if err != nil {
		return "", queue.Wrap("dequeue", q.config.QueueName, err)
	}

	q.renew(ctx, q.leaseKey(consumer.Tag), q.settings.LeaseTTL)
	q.options.Observer.ConsumerStarted(q.config.QueueName)

	go q.consume(consumer)

	return consumer.Tag, nil
}

func (q *Queue) consume(consumer *queue.Consumer) {
	defer consumer.Finish()
	defer q.options.Observer.ConsumerStopped(q.config.QueueName)
	defer q.release(consumer.Tag)

	processing := q.processingKey(consumer.Tag)
	lease := q.leaseKey(consumer.Tag)

	for {
		select {
		case <-consumer.Stopped():
			return
		case <-q.ctx.Done():
			return
		default:
		}

		q.renew(q.ctx, lease, q.settings.LeaseTTL)

		wire, err := q.take(q.ctx, processing, q.settings.BlockTimeout)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if q.ctx.Err() != nil {
				return
			}

			q.options.Logger.Errorw("failed to take message", "queue", q.config.QueueName, "error", err)

			select {
			case <-consumer.Stopped():
				return
			case <-q.ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		payload, err := q.open(consumer.Tag, processing, wire)
		if err != nil {
			continue
		}

		// the deferred release puts the message back
		if !consumer.Claim() {
			return
		}

		if err := q.settle(processing, wire); err != nil {
			consumer.Release()
			continue
		}

		consumer.Deliver(payload)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeHandled)
	}
}

// open decodes a taken message. A message that fails to decode is removed and handed
// to the dead-letter sink.
func (q *Queue) open(consumerTag, processing string, wire []byte) ([]byte, error) {

	payload, err := q.codec.Decode(q.ctx, wire)
	if err != nil {
		q.options.Logger.Warnw("rejecting message that failed to decode",
			"queue", q.config.QueueName,
			"consumerTag", consumerTag,
			"error", err)

		if ackErr := q.ack(processing, wire); ackErr != nil {
			q.options.Logger.Errorw("failed to remove rejected message", "queue", q.config.QueueName, "error", ackErr)
		}

		q.options.DeadLetter(q.ctx, q.config.QueueName, consumerTag, wire, err)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeRejected)
		return nil, err
	}

	return payload, nil
}

// settle removes a decoded message from the processing list.
func (q *Queue) settle(processing string, wire []byte) error {

	if err := q.ack(processing, wire); err != nil {
		q.options.Logger.Errorw("failed to ack message", "queue", q.config.QueueName, "error", err)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeAckFailed)
		return queue.TransportError(err)
	}

	return nil
}

// DequeueWithTimeout blocks for at most wait and hands at most one message to handler.
// Redis blocks in whole seconds, so waits under a second become one second.
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

	pollTag := queue.NewConsumerTag("poll")
	processing := q.processingKey(pollTag)

	q.renew(ctx, q.leaseKey(pollTag), wait+q.settings.LeaseTTL)
	defer q.release(pollTag)

	wire, err := q.take(ctx, processing, wait)
	if errors.Is(err, redis.Nil) {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, queue.ErrDequeueTimeout)
	}
	if err != nil {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, queue.TransportError(err))
	}

	payload, err := q.open("", processing, wire)
	if err != nil {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, err)
	}

	if err = q.settle(processing, wire); err != nil {
		return queue.Wrap("dequeue with timeout", q.config.QueueName, err)
	}

	handler(payload)
	q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeHandled)

	return nil
}

// CancelListening stops the consumer. A message it holds when it stops goes back to the
// front of the list.
func (q *Queue) CancelListening(ctx context.Context, consumerTag string) error {

	if err := q.lifecycle.Ready(); err != nil {
		return queue.Wrap("cancel", q.config.QueueName, err)
	}

	if _, err := q.consumers.Remove(consumerTag); err != nil {
		return queue.Wrap("cancel", q.config.QueueName, err)
	}

	return nil
}

// Close stops every consumer, waits for them to hand back what they hold and closes
// the client.
func (q *Queue) Close() error {

	live := q.lifecycle.Close()
	q.cancel()
	consumers := q.consumers.RemoveAll()

	if !live {
		return nil
	}

	expired := time.After(closeTimeout)
	for _, consumer := range consumers {
		select {
		case <-consumer.Done():
		case <-expired:
			q.options.Logger.Warnw("consumer did not stop before close", "queue", q.config.QueueName, "consumerTag", consumer.Tag)
		}
	}

	if err := q.client.Close(); err != nil {
		return queue.Wrap("close", q.config.QueueName, queue.TransportError(err))
	}

	return nil
}
