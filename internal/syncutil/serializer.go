// Package syncutil provides the serialization primitive behind the resolver task: all resource
// store mutations, closure recomputations and sink notifications are funneled through a single
// CallbackSerializer so no consumer ever observes the graph mid-traversal.
package syncutil

import (
	"context"

	"github.com/ariadne-xds/ariadne/internal/buffer"
)

// CallbackSerializer schedules callbacks to run sequentially, in FIFO order, on a single
// goroutine. It is safe for concurrent use.
type CallbackSerializer struct {
	done      chan struct{}
	callbacks *buffer.Unbounded[func(ctx context.Context)]
}

// NewCallbackSerializer returns a new CallbackSerializer. The provided context is passed to every
// scheduled callback; cancel it to shut the serializer down. No callbacks are executed after the
// context is canceled.
func NewCallbackSerializer(ctx context.Context) *CallbackSerializer {
	s := &CallbackSerializer{
		done:      make(chan struct{}),
		callbacks: buffer.NewUnbounded[func(ctx context.Context)](),
	}
	go s.run(ctx)
	return s
}

// Schedule adds the callback to the queue, to run after all previously scheduled callbacks have
// completed. Returns false if the serializer has been shut down and the callback will never run.
func (s *CallbackSerializer) Schedule(f func(ctx context.Context)) bool {
	return s.callbacks.Put(f)
}

func (s *CallbackSerializer) run(ctx context.Context) {
	defer close(s.done)
	// Puts never block, so closing simply makes subsequent Schedules report failure. Pending
	// callbacks are dropped.
	defer s.callbacks.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case cb, ok := <-s.callbacks.Get():
			if !ok {
				return
			}
			s.callbacks.Load()
			if ctx.Err() != nil {
				return
			}
			cb(ctx)
		}
	}
}

// Done returns a channel closed once the serializer has fully shut down, i.e. the callback running
// when the context was canceled (if any) has returned.
func (s *CallbackSerializer) Done() <-chan struct{} {
	return s.done
}
