// Package config loads the securedcomm Seasoning from JSON or YAML files and the environment.
package config

import (
	"fmt"
	"net/url"

	"github.com/houseofcat/securedcomm/pkg/deadletter"
	"github.com/houseofcat/securedcomm/pkg/envelope"
	"github.com/houseofcat/securedcomm/pkg/queue"
	"github.com/houseofcat/securedcomm/pkg/queue/kafkaqueue"
	"github.com/houseofcat/securedcomm/pkg/queue/rabbitmq"
	"github.com/houseofcat/securedcomm/pkg/queue/redisqueue"
	"github.com/houseofcat/securedcomm/pkg/queue/sqsqueue"
)

// Backend names.
const (
	BackendRabbitMQ = "rabbitmq"
	BackendSQS      = "sqs"
	BackendRedis    = "redis"
	BackendKafka    = "kafka"
	BackendMemory   = "memory"
)

// Seasoning is the full configuration of one securedcomm queue.
type Seasoning struct {
	// Backend picks the queue implementation. Empty means infer it from the URI scheme.
	Backend string `json:"Backend,omitempty" yaml:"Backend,omitempty" env:"SECUREDCOMM_BACKEND"`

	QueueConfig      *queue.Config        `json:"QueueConfig" yaml:"QueueConfig"`
	EncryptionConfig *EncryptionConfig    `json:"EncryptionConfig" yaml:"EncryptionConfig"`
	RabbitConfig     *rabbitmq.Settings   `json:"RabbitConfig,omitempty" yaml:"RabbitConfig,omitempty"`
	SQSConfig        *sqsqueue.Settings   `json:"SQSConfig,omitempty" yaml:"SQSConfig,omitempty"`
	RedisConfig      *redisqueue.Settings `json:"RedisConfig,omitempty" yaml:"RedisConfig,omitempty"`
	KafkaConfig      *kafkaqueue.Settings `json:"KafkaConfig,omitempty" yaml:"KafkaConfig,omitempty"`
	DeadLetterConfig *deadletter.Settings `json:"DeadLetterConfig,omitempty" yaml:"DeadLetterConfig,omitempty"`
	MetricsConfig    *MetricsConfig       `json:"MetricsConfig,omitempty" yaml:"MetricsConfig,omitempty"`
}

// EncryptionConfig selects the key for the AES provider, either a hex encoded 32 byte
// key or an Argon2id passphrase and salt.
type EncryptionConfig struct {
	Type              string `json:"Type,omitempty" yaml:"Type,omitempty" env:"SECUREDCOMM_ENCRYPTION_TYPE"`
	Key               string `json:"Key,omitempty" yaml:"Key,omitempty" env:"SECUREDCOMM_ENCRYPTION_KEY"`
	Passphrase        string `json:"Passphrase,omitempty" yaml:"Passphrase,omitempty" env:"SECUREDCOMM_ENCRYPTION_PASSPHRASE"`
	Salt              string `json:"Salt,omitempty" yaml:"Salt,omitempty" env:"SECUREDCOMM_ENCRYPTION_SALT"`
	TimeConsideration uint32 `json:"TimeConsideration,omitempty" yaml:"TimeConsideration,omitempty" env:"SECUREDCOMM_ENCRYPTION_TIME"`
	MemoryMultiplier  uint32 `json:"MemoryMultiplier,omitempty" yaml:"MemoryMultiplier,omitempty" env:"SECUREDCOMM_ENCRYPTION_MEMORY"`
	Threads           uint8  `json:"Threads,omitempty" yaml:"Threads,omitempty" env:"SECUREDCOMM_ENCRYPTION_THREADS"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled" env:"SECUREDCOMM_METRICS_ENABLED"`
	Addr    string `json:"Addr,omitempty" yaml:"Addr,omitempty" env:"SECUREDCOMM_METRICS_ADDR"`
}

// ResolveBackend returns Backend, or the backend implied by the queue URI scheme.
func (s *Seasoning) ResolveBackend() (string, error) {

	if s.Backend != "" {
		switch s.Backend {
		case BackendRabbitMQ, BackendSQS, BackendRedis, BackendKafka, BackendMemory:
			return s.Backend, nil
		default:
			return "", fmt.Errorf("%w: unknown backend %q", queue.ErrConfiguration, s.Backend)
		}
	}

	if s.QueueConfig == nil || s.QueueConfig.URI == "" {
		return "", fmt.Errorf("%w: no backend and no URI", queue.ErrConfiguration)
	}

	parsed, err := url.Parse(s.QueueConfig.URI)
	if err != nil {
		return "", fmt.Errorf("%w: %w", queue.ErrConfiguration, err)
	}

	switch parsed.Scheme {
	case "amqp", "amqps":
		return BackendRabbitMQ, nil
	case "sqs", "https":
		return BackendSQS, nil
	case "redis", "rediss":
		return BackendRedis, nil
	case "kafka":
		return BackendKafka, nil
	case "memory":
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("%w: can't infer backend from scheme %q", queue.ErrConfiguration, parsed.Scheme)
	}
}

// fill allocates every nested section so environment overrides have somewhere to land.
func (s *Seasoning) fill() {

	if s.QueueConfig == nil {
		s.QueueConfig = &queue.Config{}
	}
	if s.QueueConfig.Compression == nil {
		s.QueueConfig.Compression = &envelope.CompressionConfig{}
	}
	if s.EncryptionConfig == nil {
		s.EncryptionConfig = &EncryptionConfig{}
	}
	if s.RabbitConfig == nil {
		s.RabbitConfig = &rabbitmq.Settings{}
	}
	if s.RabbitConfig.TLS == nil {
		s.RabbitConfig.TLS = &rabbitmq.TLSConfig{}
	}
	if s.SQSConfig == nil {
		s.SQSConfig = &sqsqueue.Settings{}
	}
	if s.RedisConfig == nil {
		s.RedisConfig = &redisqueue.Settings{}
	}
	if s.KafkaConfig == nil {
		s.KafkaConfig = &kafkaqueue.Settings{}
	}
	if s.DeadLetterConfig == nil {
		s.DeadLetterConfig = &deadletter.Settings{}
	}
	if s.MetricsConfig == nil {
		s.MetricsConfig = &MetricsConfig{}
	}
	if s.MetricsConfig.Addr == "" {
		s.MetricsConfig.Addr = ":9090"
	}
}
