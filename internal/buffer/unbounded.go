// Package buffer provides an unbounded channel-like buffer. Senders never block, which breaks the
// cycle between the stream's receive path and the resolver task that both produce events for each
// other.
package buffer

import "sync"

// Unbounded is a channel with an unbounded backlog. Writes never block, reads are performed by
// receiving from Get then invoking Load to release the next element.
type Unbounded[T any] struct {
	c       chan T
	closed  bool
	closing bool
	mu      sync.Mutex
	backlog []T
}

// NewUnbounded returns a new instance of Unbounded.
func NewUnbounded[T any]() *Unbounded[T] {
	return &Unbounded[T]{c: make(chan T, 1)}
}

// Put adds t to the unbounded buffer. Returns false if the buffer is closing or closed.
func (b *Unbounded[T]) Put(t T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	if len(b.backlog) == 0 {
		select {
		case b.c <- t:
			return true
		default:
		}
	}
	b.backlog = append(b.backlog, t)
	return true
}

// Load sends the earliest buffered element onto the read channel returned by Get, if there is one.
// Each successful read from Get must be followed by a call to Load.
func (b *Unbounded[T]) Load() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.backlog) > 0 {
		select {
		case b.c <- b.backlog[0]:
			var zero T
			b.backlog[0] = zero
			b.backlog = b.backlog[1:]
		default:
		}
	} else if b.closing && !b.closed {
		close(b.c)
		b.closed = true
	}
}

// Get returns the channel that buffered elements are delivered on. Upon reading a value, Load must
// be called to fetch the next element, if any. The channel is closed once Close has been called and
// the backlog fully drained.
func (b *Unbounded[T]) Get() <-chan T {
	return b.c
}

// Close closes the buffer. Subsequent Puts are no-ops, but the backlog remains readable.
func (b *Unbounded[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return
	}
	b.closing = true
	if len(b.backlog) == 0 {
		close(b.c)
		b.closed = true
	}
}
