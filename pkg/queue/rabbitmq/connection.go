package rabbitmq

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/streadway/amqp"
)

const (
	defaultHeartbeat         = 10 * time.Second
	defaultConnectionTimeout = 30 * time.Second
)

// TLSConfig enables mutual TLS to the broker.
type TLSConfig struct {
	EnableTLS         bool   `json:"EnableTLS" yaml:"EnableTLS" env:"SECUREDCOMM_RABBIT_TLS_ENABLED"`
	PEMCertLocation   string `json:"PEMCertLocation" yaml:"PEMCertLocation" env:"SECUREDCOMM_RABBIT_TLS_CA"`
	LocalCertLocation string `json:"LocalCertLocation" yaml:"LocalCertLocation" env:"SECUREDCOMM_RABBIT_TLS_CERT"`
	CertServerName    string `json:"CertServerName" yaml:"CertServerName" env:"SECUREDCOMM_RABBIT_TLS_SERVER"`
}

// Settings tune the broker connection. The zero value is usable.
type Settings struct {
	Heartbeat          time.Duration `json:"Heartbeat" yaml:"Heartbeat" env:"SECUREDCOMM_RABBIT_HEARTBEAT"`
	ConnectionTimeout  time.Duration `json:"ConnectionTimeout" yaml:"ConnectionTimeout" env:"SECUREDCOMM_RABBIT_CONNECTION_TIMEOUT"`
	ConnectionName     string        `json:"ConnectionName" yaml:"ConnectionName" env:"SECUREDCOMM_RABBIT_CONNECTION_NAME"`
	DeadLetterExchange string        `json:"DeadLetterExchange" yaml:"DeadLetterExchange" env:"SECUREDCOMM_RABBIT_DLX"`
	TLS                *TLSConfig    `json:"TLSConfig,omitempty" yaml:"TLSConfig,omitempty"`
}

// connection is the part of *amqp.Connection the queue uses.
type connection interface {
	Channel() (channel, error)
	Close() error
}

// channel is the part of *amqp.Channel the queue uses. It is not safe for concurrent use.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type dialFunc func(uri string, config amqp.Config) (connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {

	if c.Connection.IsClosed() {
		return nil, fmt.Errorf("can't open a channel - connection is already closed")
	}

	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func dialAMQP(uri string, config amqp.Config) (connection, error) {

	conn, err := amqp.DialConfig(uri, config)
	if err != nil {
		return nil, err
	}

	return amqpConnection{Connection: conn}, nil
}

// amqpConfig builds the dial configuration and, with TLS enabled, the amqps URI to dial.
func (s *Settings) amqpConfig(uri string) (string, amqp.Config, error) {

	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	timeout := s.ConnectionTimeout
	if timeout <= 0 {
		timeout = defaultConnectionTimeout
	}

	config := amqp.Config{
		Heartbeat: heartbeat,
		Dial:      amqp.DefaultDial(timeout),
	}

	if s.ConnectionName != "" {
		config.Properties = amqp.Table{
			"connection_name": s.ConnectionName,
		}
	}

	if s.TLS == nil || !s.TLS.EnableTLS {
		return uri, config, nil
	}

	tlsConfig, err := CreateTLSConfig(s.TLS.PEMCertLocation, s.TLS.LocalCertLocation)
	if err != nil {
		return "", amqp.Config{}, err
	}
	config.TLSClientConfig = tlsConfig

	if s.TLS.CertServerName != "" {
		uri = "amqps://" + s.TLS.CertServerName
	}

	return uri, config, nil
}

// CreateTLSConfig creates a x509 TLS Config for use in TLS-based communication.
func CreateTLSConfig(pemLocation string, localLocation string) (*tls.Config, error) {
	cfg := new(tls.Config)
	cfg.RootCAs = x509.NewCertPool()

	ca, err := os.ReadFile(pemLocation)
	if err != nil {
		return nil, err
	}

	if !cfg.RootCAs.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("no certificates found in %s", pemLocation)
	}

	cert, err := tls.LoadX509KeyPair(
		localLocation,
		localLocation)
	if err != nil {
		return nil, err
	}

	cfg.Certificates = append(cfg.Certificates, cert)
	return cfg, nil
}
