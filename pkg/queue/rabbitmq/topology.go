package rabbitmq

import (
	"fmt"

	"github.com/streadway/amqp"
)

// Exchange allows for you to create Exchange topology.
type Exchange struct {
	Name       string
	Type       string // "direct", "fanout", "topic", "headers"
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       amqp.Table
}

// QueueDeclaration allows for you to create Queue topology.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp.Table
}

// QueueBinding allows for you to create Bindings between a Queue and Exchange.
type QueueBinding struct {
	QueueName    string
	ExchangeName string
	RoutingKey   string
	NoWait       bool
	Args         amqp.Table
}

// Topology is everything one secure queue declares on the broker.
type Topology struct {
	Exchange Exchange
	Queue    QueueDeclaration
	Binding  QueueBinding
}

// NewTopology builds a durable direct exchange and a durable, shared queue bound to it
// with the queue name as routing key.
func NewTopology(exchangeName, queueName, deadLetterExchange string) *Topology {

	topology := &Topology{
		Exchange: Exchange{
			Name:    exchangeName,
			Type:    amqp.ExchangeDirect,
			Durable: true,
		},
		Queue: QueueDeclaration{
			Name:    queueName,
			Durable: true,
		},
		Binding: QueueBinding{
			QueueName:    queueName,
			ExchangeName: exchangeName,
			RoutingKey:   queueName,
		},
	}

	if deadLetterExchange != "" {
		topology.Queue.Args = amqp.Table{
			"x-dead-letter-exchange": deadLetterExchange,
		}
	}

	return topology
}

// Declare builds the topology in order and stops on the first error.
func (t *Topology) Declare(ch channel) error {

	err := ch.ExchangeDeclare(
		t.Exchange.Name,
		t.Exchange.Type,
		t.Exchange.Durable,
		t.Exchange.AutoDelete,
		t.Exchange.Internal,
		t.Exchange.NoWait,
		t.Exchange.Args)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange.Name, err)
	}

	_, err = ch.QueueDeclare(
		t.Queue.Name,
		t.Queue.Durable,
		t.Queue.AutoDelete,
		t.Queue.Exclusive,
		t.Queue.NoWait,
		t.Queue.Args)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue.Name, err)
	}

	err = ch.QueueBind(
		t.Binding.QueueName,
		t.Binding.RoutingKey,
		t.Binding.ExchangeName,
		t.Binding.NoWait,
		t.Binding.Args)
	if err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", t.Binding.QueueName, t.Binding.ExchangeName, err)
	}

	return nil
}
