// Package service builds a ready to use secure queue from a Seasoning.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/houseofcat/securedcomm/pkg/config"
	"github.com/houseofcat/securedcomm/pkg/deadletter"
	"github.com/houseofcat/securedcomm/pkg/encryption"
	"github.com/houseofcat/securedcomm/pkg/metrics"
	"github.com/houseofcat/securedcomm/pkg/queue"
	"github.com/houseofcat/securedcomm/pkg/queue/kafkaqueue"
	"github.com/houseofcat/securedcomm/pkg/queue/memory"
	"github.com/houseofcat/securedcomm/pkg/queue/rabbitmq"
	"github.com/houseofcat/securedcomm/pkg/queue/redisqueue"
	"github.com/houseofcat/securedcomm/pkg/queue/sqsqueue"
)

// Argon2id defaults used when the config leaves them zero.
const (
	defaultTimeConsideration = 1
	defaultMemoryMultiplier  = 64
	defaultThreads           = 2
)

// Service owns one queue and the collaborators built for it.
type Service struct {
	Config  *config.Seasoning
	Backend string
	Metrics *metrics.Collector

	queue  queue.Queue
	logger *zap.SugaredLogger
	sink   *deadletter.PostgresSink
}

type settings struct {
	logger     *zap.SugaredLogger
	registerer prometheus.Registerer
	broker     *memory.Broker
}

// Option configures New.
type Option func(*settings)

// WithLogger sets the logger handed to the queue.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithRegisterer registers queue metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) {
		s.registerer = reg
	}
}

// WithMemoryBroker shares broker between memory backed services.
func WithMemoryBroker(broker *memory.Broker) Option {
	return func(s *settings) {
		s.broker = broker
	}
}

// New builds the provider, dead-letter sink, metrics and the queue named by seasoning.
// The queue is not initialized.
func New(ctx context.Context, seasoning *config.Seasoning, opts ...Option) (*Service, error) {

	if seasoning == nil {
		return nil, fmt.Errorf("%w: seasoning is nil", queue.ErrConfiguration)
	}

	s := &settings{logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}

	if err := config.ApplyEnvironment(seasoning); err != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrConfiguration, err)
	}

	backend, err := seasoning.ResolveBackend()
	if err != nil {
		return nil, err
	}

	provider, err := NewProvider(seasoning.EncryptionConfig)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		Config:  seasoning,
		Backend: backend,
		logger:  s.logger,
	}

	queueOptions := []queue.Option{queue.WithLogger(s.logger)}

	if seasoning.DeadLetterConfig.URL != "" {
		svc.sink, err = deadletter.NewPostgresSink(ctx, seasoning.DeadLetterConfig)
		if err != nil {
			return nil, err
		}

		if err := svc.sink.EnsureSchema(ctx); err != nil {
			svc.sink.Close()
			return nil, err
		}

		queueOptions = append(queueOptions, queue.WithDeadLetterSink(svc.sink))
	} else {
		queueOptions = append(queueOptions, queue.WithDeadLetterSink(deadletter.LogSink{Logger: s.logger}))
	}

	if s.registerer != nil {
		svc.Metrics, err = metrics.New(s.registerer)
		if err != nil {
			svc.closeSink()
			return nil, err
		}

		queueOptions = append(queueOptions, queue.WithObserver(svc.Metrics))
	}

	svc.queue, err = build(backend, seasoning, provider, s.broker, queueOptions)
	if err != nil {
		svc.closeSink()
		return nil, err
	}

	return svc, nil
}

func build(backend string, seasoning *config.Seasoning, provider encryption.Provider, broker *memory.Broker, opts []queue.Option) (queue.Queue, error) {

	switch backend {
	case config.BackendRabbitMQ:
		return rabbitmq.New(seasoning.QueueConfig, provider, seasoning.RabbitConfig, opts...)
	case config.BackendSQS:
		return sqsqueue.New(seasoning.QueueConfig, provider, seasoning.SQSConfig, opts...)
	case config.BackendRedis:
		return redisqueue.New(seasoning.QueueConfig, provider, seasoning.RedisConfig, opts...)
	case config.BackendKafka:
		return kafkaqueue.New(seasoning.QueueConfig, provider, seasoning.KafkaConfig, opts...)
	case config.BackendMemory:
		if broker == nil {
			broker = memory.NewBroker()
		}
		return memory.New(seasoning.QueueConfig, provider, broker, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", queue.ErrConfiguration, backend)
	}
}

// NewProvider builds the AES provider from a hex key, or from a passphrase and salt.
func NewProvider(encryptionConfig *config.EncryptionConfig) (*encryption.AESProvider, error) {

	if encryptionConfig == nil {
		return nil, fmt.Errorf("%w: encryption config is missing", queue.ErrConfiguration)
	}

	if encryptionConfig.Type != "" && encryptionConfig.Type != "aes" {
		return nil, fmt.Errorf("%w: unsupported encryption type %q", queue.ErrConfiguration, encryptionConfig.Type)
	}

	if encryptionConfig.Key != "" {
		key, err := hex.DecodeString(encryptionConfig.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: encryption key is not hex: %w", queue.ErrConfiguration, err)
		}

		provider, err := encryption.NewAESProvider(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", queue.ErrConfiguration, err)
		}

		return provider, nil
	}

	if encryptionConfig.Passphrase == "" || encryptionConfig.Salt == "" {
		return nil, fmt.Errorf("%w: an encryption key or a passphrase and salt are required", queue.ErrConfiguration)
	}

	timeConsideration := encryptionConfig.TimeConsideration
	if timeConsideration == 0 {
		timeConsideration = defaultTimeConsideration
	}

	multiplier := encryptionConfig.MemoryMultiplier
	if multiplier == 0 {
		multiplier = defaultMemoryMultiplier
	}

	threads := encryptionConfig.Threads
	if threads == 0 {
		threads = defaultThreads
	}

	provider, err := encryption.NewAESProviderFromPassphrase(
		encryptionConfig.Passphrase,
		encryptionConfig.Salt,
		timeConsideration,
		multiplier,
		threads)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrConfiguration, err)
	}

	return provider, nil
}

// Queue returns the underlying queue.
func (svc *Service) Queue() queue.Queue {
	return svc.queue
}

// Start initializes the queue.
func (svc *Service) Start(ctx context.Context) error {

	if err := svc.queue.Initialize(ctx); err != nil {
		return err
	}

	svc.logger.Infow("secure queue started",
		"backend", svc.Backend,
		"exchange", svc.Config.QueueConfig.ExchangeName,
		"queue", svc.Config.QueueConfig.QueueName,
		"encrypted", svc.Config.QueueConfig.Encrypted)

	return nil
}

// Publish enqueues input. Bytes and strings are sent as is, anything else as JSON.
func (svc *Service) Publish(ctx context.Context, input interface{}) error {

	var data []byte
	switch value := input.(type) {
	case nil:
		return fmt.Errorf("%w: can't publish a nil body", queue.ErrArgument)
	case []byte:
		data = value
	case string:
		data = []byte(value)
	default:
		var json = jsoniter.ConfigFastest
		var err error
		data, err = json.Marshal(input)
		if err != nil {
			return fmt.Errorf("%w: %w", queue.ErrArgument, err)
		}
	}

	return svc.queue.Enqueue(ctx, data)
}

// Close closes the queue and the dead-letter database.
func (svc *Service) Close() error {
	err := svc.queue.Close()
	svc.closeSink()
	return err
}

func (svc *Service) closeSink() {
	if svc.sink != nil {
		svc.sink.Close()
	}
}

// IsConfiguration reports whether err came from a bad Seasoning.
func IsConfiguration(err error) bool {
	return errors.Is(err, queue.ErrConfiguration)
}
