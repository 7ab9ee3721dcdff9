// Package sqsqueue is a secure queue over Amazon SQS.
//
// Wire bytes travel base64 encoded in the message body, with the exchange name as a
// message attribute. Deleting a message is the acknowledgement. Long polling gives
// DequeueWithTimeout a real bounded wait.
package sqsqueue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/houseofcat/securedcomm/pkg/encryption"
	"github.com/houseofcat/securedcomm/pkg/envelope"
	"github.com/houseofcat/securedcomm/pkg/queue"
)

const (
	exchangeAttribute = "securedcomm-exchange"
	errorBackoff      = time.Second
)

// Queue is a secure queue backed by one SQS queue.
type Queue struct {
	config    queue.Config
	settings  Settings
	codec     *envelope.Codec
	options   queue.Options
	lifecycle queue.Lifecycle
	consumers *queue.Registry
	client    sqsClient
	queueURL  string

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

	return &Queue{
		config:    *config,
		settings:  settings.withDefaults(config.URI),
		codec:     codec,
		options:   queue.NewOptions(opts...),
		consumers: queue.NewRegistry(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Initialize builds the AWS client and resolves the queue URL, creating the queue when
// CreateQueue is set and it doesn't exist.
func (q *Queue) Initialize(ctx context.Context) error {

	if err := q.lifecycle.Begin(); err != nil {
		return queue.Wrap("initialize", q.config.QueueName, err)
	}

	err := q.connect(ctx)
	if !q.lifecycle.Complete(err) && err == nil {
		err = queue.ErrClosed
	}

	return queue.Wrap("initialize", q.config.QueueName, err)
}

func (q *Queue) connect(ctx context.Context) error {

	if q.client == nil {
		client, err := newClient(ctx, q.settings)
		if err != nil {
			return queue.TransportError(err)
		}
		q.client = client
	}

	result, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(q.config.QueueName),
	})

	var notFound *types.QueueDoesNotExist
	if errors.As(err, &notFound) && q.settings.CreateQueue {
		created, createErr := q.client.CreateQueue(ctx, &sqs.CreateQueueInput{
			QueueName: aws.String(q.config.QueueName),
		})
		if createErr != nil {
			return queue.TransportError(fmt.Errorf("create queue: %w", createErr))
		}

		q.queueURL = aws.ToString(created.QueueUrl)
	} else if err != nil {
		return queue.TransportError(fmt.Errorf("resolve queue url: %w", err))
	} else {
		q.queueURL = aws.ToString(result.QueueUrl)
	}

	q.options.Logger.Infow("queue initialized",
		"queue", q.config.QueueName,
		"queueURL", q.queueURL,
		"encrypted", q.config.Encrypted)

	return nil
}

// Enqueue encodes payload and sends it to the queue.
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

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(base64.StdEncoding.EncodeToString(wire)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			exchangeAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(q.config.ExchangeName),
			},
		},
	})
	if err != nil {
		return queue.Wrap("enqueue", q.config.QueueName, queue.TransportError(err))
	}

	return nil
}

// Dequeue starts a long polling consumer that takes one message at a time.
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

	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()

	go func() {
		select {
		case <-consumer.Stopped():
			cancel()
		case <-ctx.Done():
		}
	}()

	for ctx.Err() == nil {
		resp, err := q.receive(ctx, q.settings.WaitTimeSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			q.options.Logger.Errorw("failed to receive from SQS", "queue", q.config.QueueName, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, msg := range resp.Messages {
			payload, err := q.open(consumer.Tag, msg)
			if err != nil {
				continue
			}

			if !consumer.Claim() {
				q.release(msg)
				q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeRequeued)
				continue
			}

			if err := q.settle(msg); err != nil {
				consumer.Release()
				continue
			}

			consumer.Deliver(payload)
			q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeHandled)
		}
	}
}

func (q *Queue) receive(ctx context.Context, waitTimeSeconds int32) (*sqs.ReceiveMessageOutput, error) {
	return q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       waitTimeSeconds,
		VisibilityTimeout:     q.settings.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
	})
}

// open decodes a message. A message that can't be decoded is deleted only when a
// dead-letter sink took a copy; otherwise it is left for the redrive policy.
func (q *Queue) open(consumerTag string, msg types.Message) ([]byte, error) {

	body := aws.ToString(msg.Body)

	payload, err := q.decode(body)
	if err != nil {
		q.options.Logger.Warnw("rejecting message that failed to decode",
			"queue", q.config.QueueName,
			"consumerTag", consumerTag,
			"messageID", aws.ToString(msg.MessageId),
			"error", err)

		if q.options.Sink != nil {
			q.options.DeadLetter(q.ctx, q.config.QueueName, consumerTag, []byte(body), err)
			_ = q.delete(msg)
		}

		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeRejected)
		return nil, err
	}

	return payload, nil
}

// settle deletes a decoded message before its payload is handed over.
func (q *Queue) settle(msg types.Message) error {

	if err := q.delete(msg); err != nil {
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeAckFailed)
		return queue.TransportError(err)
	}

	return nil
}

func (q *Queue) decode(body string) ([]byte, error) {

	wire, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: body is not base64: %w", envelope.ErrMalformed, err)
	}

	return q.codec.Decode(q.ctx, wire)
}

func (q *Queue) delete(msg types.Message) error {

	_, err := q.client.DeleteMessage(q.ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		q.options.Logger.Errorw("failed to delete message",
			"queue", q.config.QueueName,
			"messageID", aws.ToString(msg.MessageId),
			"error", err)
	}

	return err
}

// release makes a message visible again straight away.
func (q *Queue) release(msg types.Message) {

	_, err := q.client.ChangeMessageVisibility(context.Background(), &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	if err != nil {
		q.options.Logger.Errorw("failed to release message",
			"queue", q.config.QueueName,
			"messageID", aws.ToString(msg.MessageId),
			"error", err)
	}
}

// DequeueWithTimeout long polls for at most wait and hands at most one message to handler.
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

	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for {
		remaining := time.Until(deadline(pollCtx))
		if remaining <= 0 {
			return queue.Wrap("dequeue with timeout", q.config.QueueName, queue.ErrDequeueTimeout)
		}

		resp, err := q.receive(pollCtx, waitSeconds(remaining))
		if err != nil {
			if ctx.Err() != nil {
				return queue.Wrap("dequeue with timeout", q.config.QueueName, ctx.Err())
			}
			if pollCtx.Err() != nil {
				return queue.Wrap("dequeue with timeout", q.config.QueueName, queue.ErrDequeueTimeout)
			}
			return queue.Wrap("dequeue with timeout", q.config.QueueName, queue.TransportError(err))
		}

		if len(resp.Messages) == 0 {
			continue
		}

		payload, err := q.open("", resp.Messages[0])
		if err != nil {
			return queue.Wrap("dequeue with timeout", q.config.QueueName, err)
		}

		if err = q.settle(resp.Messages[0]); err != nil {
			return queue.Wrap("dequeue with timeout", q.config.QueueName, err)
		}

		handler(payload)
		q.options.Observer.Delivered(q.config.QueueName, queue.OutcomeHandled)

		return nil
	}
}

func deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

// waitSeconds rounds up to whole seconds, capped at the SQS long polling maximum.
func waitSeconds(remaining time.Duration) int32 {
	seconds := int32(math.Ceil(remaining.Seconds()))
	if seconds > maxWaitTimeSeconds {
		return maxWaitTimeSeconds
	}
	return seconds
}

// CancelListening stops the consumer and aborts its long poll.
func (q *Queue) CancelListening(ctx context.Context, consumerTag string) error {

	if err := q.lifecycle.Ready(); err != nil {
		return queue.Wrap("cancel", q.config.QueueName, err)
	}

	if _, err := q.consumers.Remove(consumerTag); err != nil {
		return queue.Wrap("cancel", q.config.QueueName, err)
	}

	return nil
}

// Close stops every consumer. The SQS client holds no connection to release.
func (q *Queue) Close() error {

	q.lifecycle.Close()
	q.cancel()
	q.consumers.RemoveAll()

	return nil
}
