package memory

import (
	wqueue "github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map"
)

const defaultQueueHint = 64

// Broker holds named in-process queues. Every Queue built on the same Broker with the
// same exchange and queue name shares storage, like clients of one real broker.
type Broker struct {
	queues cmap.ConcurrentMap
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		queues: cmap.New(),
	}
}

func storeKey(exchangeName, queueName string) string {
	return exchangeName + "/" + queueName
}

// declare returns the store for a queue, creating it on first use.
func (b *Broker) declare(exchangeName, queueName string) *wqueue.Queue {
	key := storeKey(exchangeName, queueName)

	b.queues.SetIfAbsent(key, wqueue.New(defaultQueueHint))

	store, _ := b.queues.Get(key)
	return store.(*wqueue.Queue)
}

// Depth is the number of messages waiting in a queue.
func (b *Broker) Depth(exchangeName, queueName string) int {
	store, ok := b.queues.Get(storeKey(exchangeName, queueName))
	if !ok {
		return 0
	}

	return int(store.(*wqueue.Queue).Len())
}

// Close disposes every queue. Consumers still polling stop, pending messages are dropped.
func (b *Broker) Close() {
	for _, key := range b.queues.Keys() {
		if store, ok := b.queues.Pop(key); ok {
			store.(*wqueue.Queue).Dispose()
		}
	}
}
