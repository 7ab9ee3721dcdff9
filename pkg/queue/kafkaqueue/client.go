package kafkaqueue

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultMaxBytes     int = 10e6 // 10MB
	defaultBatchTimeout     = 10 * time.Millisecond
)

// Settings tune the Kafka reader and writer.
type Settings struct {
	Brokers  []string `json:"Brokers" yaml:"Brokers" env:"SECUREDCOMM_KAFKA_BROKERS" envSeparator:","`
	GroupID  string   `json:"GroupID" yaml:"GroupID" env:"SECUREDCOMM_KAFKA_GROUP"`
	MaxBytes int      `json:"MaxBytes" yaml:"MaxBytes" env:"SECUREDCOMM_KAFKA_MAX_BYTES"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// brokersFromURI reads kafka://host1:9092,host2:9092.
func brokersFromURI(uri string) ([]string, error) {

	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}

	if parsed.Scheme != "kafka" || parsed.Host == "" {
		return nil, fmt.Errorf("%q is not a kafka:// uri", uri)
	}

	return strings.Split(parsed.Host, ","), nil
}

func newWriter(brokers []string, topic string) writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // Use key-based partitioning
		BatchTimeout: defaultBatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
}

func newReader(brokers []string, topic, groupID string, maxBytes int) reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: maxBytes,
	})
}

// ping dials the first reachable broker.
func ping(ctx context.Context, brokers []string) error {

	var lastErr error
	for _, broker := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}

		return conn.Close()
	}

	return lastErr
}
