package queue_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houseofcat/securedcomm/pkg/encryption"
	"github.com/houseofcat/securedcomm/pkg/envelope"
	"github.com/houseofcat/securedcomm/pkg/queue"
	"github.com/houseofcat/securedcomm/pkg/queue/memory"
)

func testProvider(t *testing.T) *encryption.AESProvider {
	t.Helper()

	provider, err := encryption.NewAESProvider(bytes.Repeat([]byte{0x33}, 32))
	require.NoError(t, err)

	return provider
}

func TestConfigValidate(t *testing.T) {
	valid := queue.Config{URI: "amqp://localhost", ExchangeName: "ex", QueueName: "q"}
	assert.NoError(t, valid.Validate())

	for _, broken := range []queue.Config{
		{ExchangeName: "ex", QueueName: "q"},
		{URI: "amqp://localhost", QueueName: "q"},
		{URI: "amqp://localhost", ExchangeName: "ex"},
	} {
		assert.ErrorIs(t, broken.Validate(), queue.ErrConfiguration)
	}

	var missing *queue.Config
	assert.ErrorIs(t, missing.Validate(), queue.ErrConfiguration)
}

func TestPrepareBuildsCodec(t *testing.T) {
	config := &queue.Config{
		URI:          "amqp://localhost",
		ExchangeName: "ex",
		QueueName:    "q",
		Encrypted:    true,
		Wrapped:      true,
		Signed:       true,
		Compression:  &envelope.CompressionConfig{Enabled: true, Type: envelope.ZstdCompressionType},
	}

	codec, err := queue.Prepare(config, testProvider(t))
	require.NoError(t, err)
	assert.True(t, codec.Options().Signed)

	_, err = queue.Prepare(config, nil)
	assert.ErrorIs(t, err, queue.ErrConfiguration)

	config.Wrapped = false
	_, err = queue.Prepare(config, testProvider(t))
	assert.ErrorIs(t, err, queue.ErrConfiguration)
	assert.ErrorIs(t, err, envelope.ErrInvalidOptions)
}

func TestOpError(t *testing.T) {
	cause := errors.New("connection reset")
	err := queue.Wrap("enqueue", "orders", queue.TransportError(cause))

	assert.ErrorIs(t, err, queue.ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "securedcomm enqueue on orders: securedcomm: transport failure: connection reset", err.Error())

	var opErr *queue.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "enqueue", opErr.Op)

	// wrapping twice keeps the innermost operation
	assert.Same(t, err, queue.Wrap("publish", "orders", err))
	assert.Nil(t, queue.Wrap("enqueue", "orders", nil))
	assert.Nil(t, queue.TransportError(nil))

	assert.ErrorIs(t, queue.ErrUnknownConsumer, queue.ErrArgument)
	assert.ErrorIs(t, queue.Unsupported("push only"), queue.ErrUnsupportedOperation)
	assert.True(t, strings.Contains(queue.Unsupported("push only").Error(), "push only"))
}

func TestLifecycle(t *testing.T) {
	var lifecycle queue.Lifecycle

	assert.ErrorIs(t, lifecycle.Ready(), queue.ErrNotInitialized)

	require.NoError(t, lifecycle.Begin())
	assert.ErrorIs(t, lifecycle.Begin(), queue.ErrAlreadyInitialized)
	assert.False(t, lifecycle.Complete(errors.New("dial failed")))
	assert.ErrorIs(t, lifecycle.Ready(), queue.ErrNotInitialized)

	require.NoError(t, lifecycle.Begin())
	assert.True(t, lifecycle.Complete(nil))
	assert.NoError(t, lifecycle.Ready())
	assert.ErrorIs(t, lifecycle.Begin(), queue.ErrAlreadyInitialized)

	assert.True(t, lifecycle.Close())
	assert.False(t, lifecycle.Close())
	assert.ErrorIs(t, lifecycle.Ready(), queue.ErrClosed)
	assert.ErrorIs(t, lifecycle.Begin(), queue.ErrClosed)
}

func TestLifecycleCloseDuringInitialize(t *testing.T) {
	var lifecycle queue.Lifecycle

	require.NoError(t, lifecycle.Begin())
	assert.False(t, lifecycle.Close())

	// the initializer learns it lost the race and must tear down what it opened
	assert.False(t, lifecycle.Complete(nil))
	assert.ErrorIs(t, lifecycle.Ready(), queue.ErrClosed)
}

func TestLifecycleSingleWinner(t *testing.T) {
	var lifecycle queue.Lifecycle
	var wins sync.WaitGroup
	var lock sync.Mutex
	winners := 0

	for i := 0; i < 50; i++ {
		wins.Add(1)
		go func() {
			defer wins.Done()
			if lifecycle.Begin() == nil {
				lock.Lock()
				winners++
				lock.Unlock()
			}
		}()
	}
	wins.Wait()

	assert.Equal(t, 1, winners)
}

func TestRegistry(t *testing.T) {
	registry := queue.NewRegistry()

	_, err := registry.Register("orders", nil)
	assert.ErrorIs(t, err, queue.ErrArgument)

	calls := 0
	consumer, err := registry.Register("orders", func([]byte) { calls++ })
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(consumer.Tag, "orders-"))
	assert.Equal(t, 1, registry.Len())

	other, err := registry.Register("orders", func([]byte) {})
	require.NoError(t, err)
	assert.NotEqual(t, consumer.Tag, other.Tag)

	found, ok := registry.Get(consumer.Tag)
	require.True(t, ok)
	assert.Same(t, consumer, found)

	require.True(t, consumer.Claim())
	consumer.Deliver([]byte("one"))
	assert.Equal(t, 1, calls)

	require.True(t, consumer.Claim())
	consumer.Release()
	assert.Equal(t, 1, calls)

	_, err = registry.Remove("")
	assert.ErrorIs(t, err, queue.ErrArgument)

	_, err = registry.Remove("orders-unknown")
	assert.ErrorIs(t, err, queue.ErrUnknownConsumer)

	removed, err := registry.Remove(consumer.Tag)
	require.NoError(t, err)
	assert.True(t, removed.Cancelled())
	assert.False(t, consumer.Claim())
	assert.Equal(t, 1, calls)

	select {
	case <-consumer.Stopped():
	default:
		t.Fatal("cancelled consumer should be stopped")
	}

	// cancelling twice is harmless
	consumer.Cancel()

	assert.Len(t, registry.RemoveAll(), 1)
	assert.Equal(t, 0, registry.Len())
	assert.True(t, other.Cancelled())
}

func TestConsumerCancelWaitsForClaim(t *testing.T) {
	defer leaktest.Check(t)()

	registry := queue.NewRegistry()

	var handled []string
	consumer, err := registry.Register("orders", func(payload []byte) {
		handled = append(handled, string(payload))
	})
	require.NoError(t, err)

	require.True(t, consumer.Claim())

	removed := make(chan struct{})
	go func() {
		defer close(removed)
		_, _ = registry.Remove(consumer.Tag)
	}()

	select {
	case <-removed:
		t.Fatal("remove should wait for the claimed delivery")
	case <-time.After(50 * time.Millisecond):
	}

	consumer.Deliver([]byte("acked"))
	<-removed

	assert.Equal(t, []string{"acked"}, handled)
	assert.True(t, consumer.Cancelled())
	assert.False(t, consumer.Claim())
}

func TestNewOptions(t *testing.T) {
	options := queue.NewOptions()
	assert.NotNil(t, options.Logger)
	assert.IsType(t, queue.NopObserver{}, options.Observer)
	assert.Nil(t, options.Sink)

	// nil values keep the defaults
	options = queue.NewOptions(queue.WithLogger(nil), queue.WithObserver(nil))
	assert.NotNil(t, options.Logger)
	assert.NotNil(t, options.Observer)

	sink := &failingSink{}
	options = queue.NewOptions(queue.WithDeadLetterSink(sink))
	options.DeadLetter(context.Background(), "orders", "orders-1", []byte("body"), errors.New("bad"))
	assert.Equal(t, 1, sink.calls)
}

type failingSink struct {
	calls int
}

func (s *failingSink) Store(context.Context, queue.DeadLetter) error {
	s.calls++
	return fmt.Errorf("postgres unavailable")
}

func TestSubscribe(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := memory.NewBroker()
	defer broker.Close()

	q, err := memory.New(&queue.Config{
		URI:          "memory://",
		ExchangeName: "securedcomm.direct",
		QueueName:    "securedcomm.events",
		Encrypted:    true,
		Wrapped:      true,
	}, testProvider(t), broker)
	require.NoError(t, err)
	require.NoError(t, q.Initialize(ctx))
	defer q.Close()

	sub, err := queue.Subscribe(ctx, q)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.Tag())

	require.NoError(t, q.Enqueue(ctx, []byte("one")))
	require.NoError(t, q.Enqueue(ctx, []byte("two")))

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-sub.Messages():
			assert.Equal(t, []byte(want), got)
		case <-time.After(2 * time.Second):
			t.Fatalf("never received %q", want)
		}
	}

	// cancelling the context cancels the subscription
	cancel()

	select {
	case _, open := <-sub.Messages():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("messages were never closed")
	}

	assert.NoError(t, sub.Cancel(context.Background()))
}
