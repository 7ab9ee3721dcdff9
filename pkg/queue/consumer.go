package queue

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"
)

// NewConsumerTag returns a tag unique to this process and the broker.
func NewConsumerTag(queueName string) string {
	return fmt.Sprintf("%s-%s", queueName, uuid.NewString())
}

// Consumer is one handler registration created by Dequeue.
type Consumer struct {
	Tag   string
	Queue string

	handler   Handler
	lock      sync.Mutex
	cancelled bool
	stop      chan struct{}
	done      chan struct{}
}

// Claim re-checks cancellation once a delivery is decoded and before the backend acks
// it. A true result holds off Cancel until Deliver or Release is called, so an acked
// payload always reaches the handler. A false result means the delivery must be requeued.
func (c *Consumer) Claim() bool {
	c.lock.Lock()
	if c.cancelled {
		c.lock.Unlock()
		return false
	}

	return true
}

// Release gives up a successful Claim without invoking the handler.
func (c *Consumer) Release() {
	c.lock.Unlock()
}

// Deliver ends a successful Claim and invokes the handler. Cancel may return while the
// handler is still running.
func (c *Consumer) Deliver(payload []byte) {
	c.lock.Unlock()
	c.handler(payload)
}

// Cancel marks the registration cancelled and signals Stopped. It waits for an
// outstanding Claim to be delivered or released. Safe to call more than once.
func (c *Consumer) Cancel() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.cancelled {
		return
	}

	c.cancelled = true
	close(c.stop)
}

// Cancelled reports whether Cancel was called.
func (c *Consumer) Cancelled() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.cancelled
}

// Stopped is closed by Cancel.
func (c *Consumer) Stopped() <-chan struct{} {
	return c.stop
}

// Finish is called by the backend goroutine serving this consumer when it exits.
func (c *Consumer) Finish() {
	close(c.done)
}

// Done is closed once the serving goroutine has exited.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Registry holds the live consumers of one queue keyed by tag.
type Registry struct {
	consumers cmap.ConcurrentMap
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		consumers: cmap.New(),
	}
}

// Register creates a consumer with a fresh tag.
func (r *Registry) Register(queueName string, handler Handler) (*Consumer, error) {

	if handler == nil {
		return nil, fmt.Errorf("%w: handler is nil", ErrArgument)
	}

	consumer := &Consumer{
		Tag:     NewConsumerTag(queueName),
		Queue:   queueName,
		handler: handler,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	r.consumers.Set(consumer.Tag, consumer)

	return consumer, nil
}

// Get looks up a live consumer.
func (r *Registry) Get(tag string) (*Consumer, bool) {
	value, ok := r.consumers.Get(tag)
	if !ok {
		return nil, false
	}

	return value.(*Consumer), true
}

// Remove takes the consumer out of the registry and cancels it.
func (r *Registry) Remove(tag string) (*Consumer, error) {

	if tag == "" {
		return nil, fmt.Errorf("%w: consumer tag is empty", ErrArgument)
	}

	value, ok := r.consumers.Pop(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConsumer, tag)
	}

	consumer := value.(*Consumer)
	consumer.Cancel()

	return consumer, nil
}

// RemoveAll cancels and returns every live consumer.
func (r *Registry) RemoveAll() []*Consumer {

	consumers := make([]*Consumer, 0, r.consumers.Count())
	for _, tag := range r.consumers.Keys() {
		if consumer, err := r.Remove(tag); err == nil {
			consumers = append(consumers, consumer)
		}
	}

	return consumers
}

// Len is the number of live consumers.
func (r *Registry) Len() int {
	return r.consumers.Count()
}
