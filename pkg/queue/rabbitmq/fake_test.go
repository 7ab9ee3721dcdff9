package rabbitmq

import (
	"errors"
	"sort"
	"sync"

	"github.com/streadway/amqp"
)

var errFakeBroker = errors.New("fake broker failure")

type fakeUnacked struct {
	queue   string
	body    []byte
	channel *fakeChannel
}

type fakeConsumer struct {
	queue      string
	deliveries chan amqp.Delivery
}

// fakeBroker is an in-process stand-in for RabbitMQ: direct routing, durable queues,
// per channel prefetch and manual acks.
type fakeBroker struct {
	lock sync.Mutex

	failOn string

	exchanges  map[string]string
	queueArgs  map[string]amqp.Table
	bindings   map[string]string
	ready      map[string][][]byte
	unacked    map[uint64]*fakeUnacked
	deadLetter [][]byte
	nextTag    uint64

	published   []amqp.Publishing
	acks        int
	requeues    int
	channels    []*fakeChannel
	connections []*fakeConnection
	maxInFlight int
	closedConns int
	closedChans int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		queueArgs: make(map[string]amqp.Table),
		bindings:  make(map[string]string),
		ready:     make(map[string][][]byte),
		unacked:   make(map[uint64]*fakeUnacked),
	}
}

func (b *fakeBroker) dial(uri string, config amqp.Config) (connection, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.failOn == "dial" {
		return nil, errFakeBroker
	}

	conn := &fakeConnection{broker: b}
	b.connections = append(b.connections, conn)

	return conn, nil
}

func (b *fakeBroker) fail(step string) error {
	if b.failOn == step {
		return errFakeBroker
	}
	return nil
}

// pump pushes ready messages to consumers that are under their prefetch limit.
// Callers hold the lock.
func (b *fakeBroker) pump() {
	for _, ch := range b.channels {
		if ch.closed {
			continue
		}

		tags := make([]string, 0, len(ch.consumers))
		for tag := range ch.consumers {
			tags = append(tags, tag)
		}
		sort.Strings(tags)

		for _, tag := range tags {
			consumer := ch.consumers[tag]
			for len(b.ready[consumer.queue]) > 0 && (ch.prefetch == 0 || b.inFlight(ch) < ch.prefetch) {
				body := b.ready[consumer.queue][0]
				b.ready[consumer.queue] = b.ready[consumer.queue][1:]

				b.nextTag++
				b.unacked[b.nextTag] = &fakeUnacked{queue: consumer.queue, body: body, channel: ch}
				if inFlight := b.inFlight(ch); inFlight > b.maxInFlight {
					b.maxInFlight = inFlight
				}

				consumer.deliveries <- amqp.Delivery{
					ConsumerTag: tag,
					DeliveryTag: b.nextTag,
					Body:        body,
				}
			}
		}
	}
}

func (b *fakeBroker) inFlight(ch *fakeChannel) int {
	count := 0
	for _, unacked := range b.unacked {
		if unacked.channel == ch {
			count++
		}
	}
	return count
}

func (b *fakeBroker) depth(queueName string) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.ready[queueName])
}

func (b *fakeBroker) stats() (acks, requeues, deadLettered int) {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.acks, b.requeues, len(b.deadLetter)
}

func (b *fakeBroker) publishedBodies() [][]byte {
	b.lock.Lock()
	defer b.lock.Unlock()

	bodies := make([][]byte, 0, len(b.published))
	for _, msg := range b.published {
		bodies = append(bodies, msg.Body)
	}
	return bodies
}

type fakeConnection struct {
	broker *fakeBroker
	closed bool
}

func (c *fakeConnection) Channel() (channel, error) {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	if err := c.broker.fail("channel"); err != nil {
		return nil, err
	}

	ch := &fakeChannel{
		broker:    c.broker,
		consumers: make(map[string]*fakeConsumer),
	}
	c.broker.channels = append(c.broker.channels, ch)

	return ch, nil
}

func (c *fakeConnection) Close() error {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	if !c.closed {
		c.closed = true
		c.broker.closedConns++
	}
	return nil
}

type fakeChannel struct {
	broker    *fakeBroker
	prefetch  int
	consumers map[string]*fakeConsumer
	notify    []chan *amqp.Error
	closed    bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	if err := c.broker.fail("exchange"); err != nil {
		return err
	}

	c.broker.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	if err := c.broker.fail("queue"); err != nil {
		return amqp.Queue{}, err
	}

	if !durable || autoDelete || exclusive {
		return amqp.Queue{}, errors.New("queue must be durable and shared")
	}

	c.broker.queueArgs[name] = args
	return amqp.Queue{Name: name, Messages: len(c.broker.ready[name])}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	if err := c.broker.fail("bind"); err != nil {
		return err
	}

	if _, ok := c.broker.exchanges[exchange]; !ok {
		return errors.New("no exchange " + exchange)
	}

	c.broker.bindings[exchange+"/"+key] = name
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	if err := c.broker.fail("qos"); err != nil {
		return err
	}

	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	if err := c.broker.fail("publish"); err != nil {
		return err
	}

	c.broker.published = append(c.broker.published, msg)

	queueName, ok := c.broker.bindings[exchange+"/"+key]
	if !ok {
		return nil
	}

	c.broker.ready[queueName] = append(c.broker.ready[queueName], msg.Body)
	c.broker.pump()

	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	if err := c.broker.fail("consume"); err != nil {
		return nil, err
	}

	deliveries := make(chan amqp.Delivery, 64)
	c.consumers[consumer] = &fakeConsumer{queue: queue, deliveries: deliveries}
	c.broker.pump()

	return deliveries, nil
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	if err := c.broker.fail("ack"); err != nil {
		return err
	}

	if _, ok := c.broker.unacked[tag]; !ok {
		return errors.New("unknown delivery tag")
	}

	delete(c.broker.unacked, tag)
	c.broker.acks++
	c.broker.pump()

	return nil
}

func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	unacked, ok := c.broker.unacked[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(c.broker.unacked, tag)

	if requeue {
		c.broker.requeues++
		c.broker.ready[unacked.queue] = append([][]byte{unacked.body}, c.broker.ready[unacked.queue]...)
	} else {
		c.broker.deadLetter = append(c.broker.deadLetter, unacked.body)
	}

	c.broker.pump()

	return nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	if err := c.broker.fail("cancel"); err != nil {
		return err
	}

	fc, ok := c.consumers[consumer]
	if !ok {
		return errors.New("unknown consumer " + consumer)
	}

	delete(c.consumers, consumer)
	close(fc.deliveries)

	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeChannel) Close() error {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	c.shutdown(nil)
	return nil
}

// kill simulates the broker closing the channel with an error.
func (c *fakeChannel) kill(reason string) {
	c.broker.lock.Lock()
	defer c.broker.lock.Unlock()

	c.shutdown(&amqp.Error{Code: amqp.ChannelError, Reason: reason})
}

func (c *fakeChannel) shutdown(amqpErr *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	c.broker.closedChans++

	for tag, consumer := range c.consumers {
		delete(c.consumers, tag)
		close(consumer.deliveries)
	}

	for tag, unacked := range c.broker.unacked {
		if unacked.channel == c {
			delete(c.broker.unacked, tag)
			c.broker.ready[unacked.queue] = append(c.broker.ready[unacked.queue], unacked.body)
		}
	}

	for _, receiver := range c.notify {
		if amqpErr != nil {
			receiver <- amqpErr
		}
		close(receiver)
	}
	c.notify = nil
}
