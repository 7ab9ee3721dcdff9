package queue

import "sync/atomic"

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateInitialized
	stateClosed
)

// Lifecycle tracks Uninitialized -> Initialized -> Closed. There is no way back.
type Lifecycle struct {
	state atomic.Int32
}

// Begin claims the right to initialize. Only one caller wins.
func (l *Lifecycle) Begin() error {
	if l.state.CompareAndSwap(stateUninitialized, stateInitializing) {
		return nil
	}

	switch l.state.Load() {
	case stateClosed:
		return ErrClosed
	default:
		return ErrAlreadyInitialized
	}
}

// Complete ends an initialization started with Begin. A failed attempt may be retried.
// It returns false when Close ran in the meantime, in which case whatever the caller
// opened is its own to tear down.
func (l *Lifecycle) Complete(err error) bool {
	if err != nil {
		l.state.CompareAndSwap(stateInitializing, stateUninitialized)
		return false
	}

	return l.state.CompareAndSwap(stateInitializing, stateInitialized)
}

// Ready returns nil only while the queue is initialized and open.
func (l *Lifecycle) Ready() error {
	switch l.state.Load() {
	case stateInitialized:
		return nil
	case stateClosed:
		return ErrClosed
	default:
		return ErrNotInitialized
	}
}

// Close moves to Closed and reports whether resources were live.
func (l *Lifecycle) Close() bool {
	return l.state.Swap(stateClosed) == stateInitialized
}
