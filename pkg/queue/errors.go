package queue

import (
	"errors"
	"fmt"

	"github.com/houseofcat/securedcomm/pkg/envelope"
)

var (
	// ErrConfiguration is returned at construction when the queue configuration is incomplete.
	ErrConfiguration = errors.New("securedcomm: invalid queue configuration")

	// ErrNotInitialized is returned by data-plane operations before Initialize succeeds.
	ErrNotInitialized = errors.New("securedcomm: queue is not initialized")

	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("securedcomm: queue is already initialized")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("securedcomm: queue is closed")

	// ErrArgument is returned when a caller supplied argument is unusable.
	ErrArgument = errors.New("securedcomm: invalid argument")

	// ErrUnknownConsumer is returned when cancelling a consumer tag this queue never issued.
	ErrUnknownConsumer = fmt.Errorf("%w: unknown consumer tag", ErrArgument)

	// ErrUnsupportedOperation is returned when a backend can't provide an operation.
	ErrUnsupportedOperation = errors.New("securedcomm: operation not supported")

	// ErrDequeueTimeout is returned by DequeueWithTimeout when nothing arrived in time.
	ErrDequeueTimeout = errors.New("securedcomm: no message before timeout")

	// ErrTransport is returned when the broker or the link to it fails.
	ErrTransport = errors.New("securedcomm: transport failure")

	// ErrCrypto is the envelope crypto failure, re-exported so callers only need this package.
	ErrCrypto = envelope.ErrCrypto
)

// OpError records the operation and queue an error occurred on.
type OpError struct {
	Op    string // Operation that failed
	Queue string // Queue name
	Err   error  // Underlying error
}

func (e *OpError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("securedcomm %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("securedcomm %s on %s: %v", e.Op, e.Queue, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap annotates err with the operation and queue name. Nil stays nil.
func Wrap(op, queueName string, err error) error {
	if err == nil {
		return nil
	}

	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}

	return &OpError{Op: op, Queue: queueName, Err: err}
}

// TransportError classifies a broker client failure as ErrTransport.
func TransportError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrTransport) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// Unsupported builds an ErrUnsupportedOperation naming the limitation.
func Unsupported(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedOperation, reason)
}
