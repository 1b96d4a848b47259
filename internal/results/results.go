// Package results provides the bounded handoff between a frame producer and a
// slower presentation consumer.
//
// Push never blocks. When the channel is full the oldest pending item is
// evicted so the consumer always sees the most recent results.
package results

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of pending results kept per stream.
const DefaultCapacity = 10

var (
	// ErrEmpty is returned by Pop when nothing arrived before the timeout.
	// Consumers treat it as "no new data yet".
	ErrEmpty = errors.New("no result available")

	// ErrClosed is returned by Pop once the channel is closed and drained.
	ErrClosed = errors.New("result channel closed")
)

// Stats is a snapshot of channel counters.
type Stats struct {
	Pushed    uint64
	Dropped   uint64
	Delivered uint64
	Pending   int
}

// Option configures a Channel.
type Option[T any] func(*Channel[T])

// WithOnDrop registers a callback invoked with every evicted item.
// It runs with the channel lock held and must not call back into the channel.
func WithOnDrop[T any](fn func(T)) Option[T] {
	return func(c *Channel[T]) { c.onDrop = fn }
}

// Channel is a fixed-capacity FIFO with drop-oldest overflow.
// It is safe for one or more producers and consumers.
type Channel[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int
	size   int
	closed bool
	notify chan struct{}
	onDrop func(T)

	pushed    atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// New creates a channel holding at most capacity items.
// A non-positive capacity uses DefaultCapacity.
func New[T any](capacity int, opts ...Option[T]) *Channel[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Channel[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cap returns the channel capacity.
func (c *Channel[T]) Cap() int { return len(c.buf) }

// Len returns the number of pending items.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Push appends v. If the channel is full the oldest item is discarded.
// Pushes after Close are ignored.
func (c *Channel[T]) Push(v T) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.size == len(c.buf) {
		old := c.buf[c.head]
		var zero T
		c.buf[c.head] = zero
		c.head = (c.head + 1) % len(c.buf)
		c.size--
		c.dropped.Add(1)
		if c.onDrop != nil {
			c.onDrop(old)
		}
	}
	c.buf[(c.head+c.size)%len(c.buf)] = v
	c.size++
	c.pushed.Add(1)
	c.wake()
	c.mu.Unlock()
}

// wake signals one waiting consumer. Callers hold c.mu, so notify is still open.
func (c *Channel[T]) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel[T]) popLocked() (T, bool) {
	var zero T
	if c.size == 0 {
		return zero, false
	}
	v := c.buf[c.head]
	c.buf[c.head] = zero
	c.head = (c.head + 1) % len(c.buf)
	c.size--
	c.delivered.Add(1)
	return v, true
}

// Pop waits up to timeout for an item. It returns ErrEmpty on timeout,
// ErrClosed once the channel is closed and drained, or the context error.
func (c *Channel[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		v, ok := c.popLocked()
		closed := c.closed
		if ok && c.size > 0 && !closed {
			// Keep other consumers moving.
			c.wake()
		}
		c.mu.Unlock()

		if ok {
			return v, nil
		}
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-c.notify:
		case <-timer.C:
			return zero, ErrEmpty
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Drain removes and returns every pending item in production order.
func (c *Channel[T]) Drain() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, 0, c.size)
	for {
		v, ok := c.popLocked()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Close stops accepting items and wakes waiting consumers.
// Pending items can still be popped.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.notify)
	c.mu.Unlock()
}

// Stats returns the current counters.
func (c *Channel[T]) Stats() Stats {
	return Stats{
		Pushed:    c.pushed.Load(),
		Dropped:   c.dropped.Load(),
		Delivered: c.delivered.Load(),
		Pending:   c.Len(),
	}
}
