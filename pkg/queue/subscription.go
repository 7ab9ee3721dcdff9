package queue

import (
	"context"
	"sync"
)

// Subscription exposes a consumer registration as a channel. The registered handler
// blocks until the application receives, so a backend's prefetch limit still applies.
type Subscription struct {
	queue    Queue
	tag      string
	messages chan []byte
	closed   chan struct{}
	once     sync.Once
	lock     sync.RWMutex
	err      error
}

// Subscribe registers a consumer on q that feeds Messages. The subscription is cancelled
// when ctx is done or Cancel is called.
func Subscribe(ctx context.Context, q Queue) (*Subscription, error) {

	sub := &Subscription{
		queue:    q,
		messages: make(chan []byte),
		closed:   make(chan struct{}),
	}

	tag, err := q.Dequeue(ctx, sub.deliver)
	if err != nil {
		return nil, err
	}
	sub.tag = tag

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Cancel(context.Background())
		case <-sub.closed:
		}
	}()

	return sub, nil
}

func (s *Subscription) deliver(payload []byte) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	select {
	case <-s.closed:
	case s.messages <- payload:
	}
}

// Messages yields decoded payloads until the subscription is cancelled.
func (s *Subscription) Messages() <-chan []byte {
	return s.messages
}

// Tag is the consumer tag of the underlying registration.
func (s *Subscription) Tag() string {
	return s.tag
}

// Cancel stops the consumer and closes Messages. Later calls return the first result.
func (s *Subscription) Cancel(ctx context.Context) error {
	s.once.Do(func() {
		close(s.closed)
		s.err = s.queue.CancelListening(ctx, s.tag)

		s.lock.Lock()
		close(s.messages)
		s.lock.Unlock()
	})

	return s.err
}
