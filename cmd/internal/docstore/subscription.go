package docstore

import "sync"

// Sub is a live feed of values from the store. It follows the scoped
// acquisition discipline from the store contract: whoever opens a
// subscription owns it and must Unsubscribe on every exit path.
//
// Exactly one backend pump goroutine writes to the channel and closes it;
// Unsubscribe only signals that pump, so sends never race with close.
type Sub[T any] struct {
	updates chan T
	done    chan struct{}
	once    sync.Once
	cleanup func()

	mu  sync.Mutex
	err error
}

// Subscription is a live query feed. Each emission is the full current
// result set, not a delta.
type Subscription = Sub[[]Snapshot]

// DocSubscription is a live single-document feed.
type DocSubscription = Sub[Snapshot]

func newSub[T any](buffer int, cleanup func()) *Sub[T] {
	return &Sub[T]{
		updates: make(chan T, buffer),
		done:    make(chan struct{}),
		cleanup: cleanup,
	}
}

// Updates returns the emission channel. It is closed after Unsubscribe or a
// terminal stream error; check Err afterwards.
func (s *Sub[T]) Updates() <-chan T { return s.updates }

// Err reports the terminal stream error, if any, once Updates is closed.
func (s *Sub[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe releases the subscription. Idempotent.
func (s *Sub[T]) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if s.cleanup != nil {
			s.cleanup()
		}
	})
}

// deliver hands one emission to the consumer. It returns false when the
// subscription was torn down, which tells the pump to stop.
func (s *Sub[T]) deliver(v T) bool {
	select {
	case <-s.done:
		return false
	case s.updates <- v:
		return true
	}
}

// finish records a terminal error (nil for clean teardown) and closes the
// emission channel. Must be called exactly once, by the pump.
func (s *Sub[T]) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.updates)
}

// stopped reports whether Unsubscribe has been called.
func (s *Sub[T]) stopped() <-chan struct{} { return s.done }
