package memory_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houseofcat/securedcomm/pkg/encryption"
	"github.com/houseofcat/securedcomm/pkg/queue"
	"github.com/houseofcat/securedcomm/pkg/queue/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig(encrypted bool) *queue.Config {
	return &queue.Config{
		URI:          "memory://",
		ExchangeName: "securedcomm.direct",
		QueueName:    "securedcomm.orders",
		Encrypted:    encrypted,
	}
}

func newQueue(t *testing.T, broker *memory.Broker, config *queue.Config, opts ...queue.Option) *memory.Queue {
	t.Helper()

	provider, err := encryption.NewAESProvider(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)

	q, err := memory.New(config, provider, broker, opts...)
	require.NoError(t, err)
	require.NoError(t, q.Initialize(context.Background()))

	return q
}

type collector struct {
	lock     sync.Mutex
	payloads [][]byte
}

func (c *collector) handle(payload []byte) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.payloads = append(c.payloads, payload)
}

func (c *collector) count() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.payloads)
}

func TestNewRequiresBroker(t *testing.T) {
	provider, err := encryption.NewAESProvider(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)

	_, err = memory.New(testConfig(false), provider, nil)
	assert.ErrorIs(t, err, queue.ErrConfiguration)

	_, err = memory.New(&queue.Config{}, provider, memory.NewBroker())
	assert.ErrorIs(t, err, queue.ErrConfiguration)
}

func TestEnqueueDequeue(t *testing.T) {
	defer leaktest.Check(t)()

	ctx := context.Background()
	broker := memory.NewBroker()
	defer broker.Close()

	q := newQueue(t, broker, testConfig(true))
	defer q.Close()

	received := &collector{}
	tag, err := q.Dequeue(ctx, received.handle)
	require.NoError(t, err)
	assert.Contains(t, tag, "securedcomm.orders-")

	for _, payload := range []string{"hello", "secret", ""} {
		require.NoError(t, q.Enqueue(ctx, []byte(payload)))
	}

	require.Eventually(t, func() bool { return received.count() == 3 }, waitFor, tick)

	received.lock.Lock()
	assert.Equal(t, []byte("hello"), received.payloads[0])
	assert.Equal(t, []byte("secret"), received.payloads[1])
	assert.Empty(t, received.payloads[2])
	received.lock.Unlock()

	require.NoError(t, q.CancelListening(ctx, tag))
}

func TestQueuesShareBrokerStorage(t *testing.T) {
	defer leaktest.Check(t)()

	ctx := context.Background()
	broker := memory.NewBroker()
	defer broker.Close()

	publisher := newQueue(t, broker, testConfig(true))
	defer publisher.Close()

	receiver := newQueue(t, broker, testConfig(true))
	defer receiver.Close()

	require.NoError(t, publisher.Enqueue(ctx, []byte("secret")))
	assert.Equal(t, 1, broker.Depth("securedcomm.direct", "securedcomm.orders"))

	var got []byte
	err := receiver.DequeueWithTimeout(ctx, func(payload []byte) { got = payload }, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
	assert.Equal(t, 0, broker.Depth("securedcomm.direct", "securedcomm.orders"))
}

func TestDequeueWithTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	ctx := context.Background()
	broker := memory.NewBroker()
	defer broker.Close()

	q := newQueue(t, broker, testConfig(false))
	defer q.Close()

	start := time.Now()
	err := q.DequeueWithTimeout(ctx, func([]byte) { t.Fatal("nothing was enqueued") }, 50*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrDequeueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	err = q.DequeueWithTimeout(ctx, func([]byte) {}, 0)
	assert.ErrorIs(t, err, queue.ErrArgument)

	err = q.DequeueWithTimeout(ctx, nil, time.Second)
	assert.ErrorIs(t, err, queue.ErrArgument)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	err = q.DequeueWithTimeout(expired, func([]byte) {}, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOperationsBeforeInitialize(t *testing.T) {
	provider, err := encryption.NewAESProvider(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)

	q, err := memory.New(testConfig(false), provider, memory.NewBroker())
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, q.Enqueue(ctx, []byte("hello")), queue.ErrNotInitialized)

	_, err = q.Dequeue(ctx, func([]byte) {})
	assert.ErrorIs(t, err, queue.ErrNotInitialized)

	assert.ErrorIs(t, q.CancelListening(ctx, "tag"), queue.ErrNotInitialized)
	assert.ErrorIs(t, q.DequeueWithTimeout(ctx, func([]byte) {}, time.Second), queue.ErrNotInitialized)
}

func TestCancelListeningStopsDeliveries(t *testing.T) {
	defer leaktest.Check(t)()

	ctx := context.Background()
	broker := memory.NewBroker()
	defer broker.Close()

	q := newQueue(t, broker, testConfig(false))
	defer q.Close()

	assert.ErrorIs(t, q.CancelListening(ctx, ""), queue.ErrArgument)
	assert.ErrorIs(t, q.CancelListening(ctx, "unknown"), queue.ErrUnknownConsumer)

	received := &collector{}
	tag, err := q.Dequeue(ctx, received.handle)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, []byte("before")))
	require.Eventually(t, func() bool { return received.count() == 1 }, waitFor, tick)

	require.NoError(t, q.CancelListening(ctx, tag))
	require.NoError(t, q.Enqueue(ctx, []byte("after")))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, received.count())
	assert.Equal(t, 1, broker.Depth("securedcomm.direct", "securedcomm.orders"))
}

func TestUndecodableMessageIsDeadLettered(t *testing.T) {
	defer leaktest.Check(t)()

	ctx := context.Background()
	broker := memory.NewBroker()
	defer broker.Close()

	sink := &recordingSink{}

	plain := newQueue(t, broker, testConfig(false))
	defer plain.Close()

	encrypted := newQueue(t, broker, testConfig(true), queue.WithDeadLetterSink(sink))
	defer encrypted.Close()

	require.NoError(t, plain.Enqueue(ctx, []byte("plaintext")))

	err := encrypted.DequeueWithTimeout(ctx, func([]byte) { t.Fatal("undecodable message was delivered") }, time.Second)
	assert.ErrorIs(t, err, queue.ErrCrypto)

	sink.lock.Lock()
	defer sink.lock.Unlock()
	require.Len(t, sink.letters, 1)
	assert.Equal(t, []byte("plaintext"), sink.letters[0].Body)
}

func TestBrokerCloseStopsConsumers(t *testing.T) {
	defer leaktest.Check(t)()

	ctx := context.Background()
	broker := memory.NewBroker()

	q := newQueue(t, broker, testConfig(false))
	_, err := q.Dequeue(ctx, func([]byte) {})
	require.NoError(t, err)

	broker.Close()

	assert.ErrorIs(t, q.Enqueue(ctx, []byte("late")), queue.ErrTransport)
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(ctx, []byte("later")), queue.ErrClosed)
}

type recordingSink struct {
	lock    sync.Mutex
	letters []queue.DeadLetter
}

func (s *recordingSink) Store(_ context.Context, letter queue.DeadLetter) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.letters = append(s.letters, letter)
	return nil
}

// gatedProvider parks Decrypt until release is closed.
type gatedProvider struct {
	encryption.Provider

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedProvider(t *testing.T) *gatedProvider {
	t.Helper()

	provider, err := encryption.NewAESProvider(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)

	return &gatedProvider{
		Provider: provider,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (g *gatedProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release

	return g.Provider.Decrypt(ctx, encryptedData)
}

func TestCancelDuringDecodeRequeues(t *testing.T) {
	defer leaktest.Check(t)()

	ctx := context.Background()
	broker := memory.NewBroker()
	defer broker.Close()

	gated := newGatedProvider(t)
	q, err := memory.New(testConfig(true), gated, broker)
	require.NoError(t, err)
	require.NoError(t, q.Initialize(ctx))
	defer q.Close()

	received := &collector{}
	tag, err := q.Dequeue(ctx, received.handle)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, []byte("secret")))

	select {
	case <-gated.entered:
	case <-time.After(waitFor):
		t.Fatal("consumer never started decoding")
	}

	require.NoError(t, q.CancelListening(ctx, tag))
	close(gated.release)

	require.Eventually(t, func() bool {
		return broker.Depth("securedcomm.direct", "securedcomm.orders") == 1
	}, waitFor, tick)
	assert.Zero(t, received.count())

	// the requeued message is still readable
	other := newQueue(t, broker, testConfig(true))
	defer other.Close()

	var got []byte
	require.NoError(t, other.DequeueWithTimeout(ctx, func(payload []byte) { got = payload }, time.Second))
	assert.Equal(t, []byte("secret"), got)
}
