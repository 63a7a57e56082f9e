package duplex

import (
	"context"
	"sync"

	"github.com/duplexio/duplex/internal/queue"
)

// NewController creates a connected pair of in-memory channels. Values
// added on local's sink arrive on foreign's stream, and values added on
// foreign's sink arrive on local's stream, each carried by its own
// unbounded FIFO queue. Both halves satisfy the full channel contract by
// construction, since each is built atop [Guarantee].
func NewController[T any]() (local, foreign Channel[T]) {
	aToB := queue.New[Event[T]]()
	bToA := queue.New[Event[T]]()

	local = Guarantee[T](&queueStream[T]{q: bToA}, &queueSink[T]{q: aToB}, true)
	foreign = Guarantee[T](&queueStream[T]{q: aToB}, &queueSink[T]{q: bToA}, true)
	return local, foreign
}

// queueStream is the single-subscription read side of a queue.Queue. It is
// only ever listened to once, by the [Guarantee] wrapper that owns it.
type queueStream[T any] struct {
	q *queue.Queue[Event[T]]
}

func (qs *queueStream[T]) Listen() (<-chan Event[T], Subscription, error) {
	out := make(chan Event[T])
	cancelCh := make(chan struct{})
	go qs.run(out, cancelCh)
	return out, &streamSubscription{cancel: cancelCh}, nil
}

func (qs *queueStream[T]) run(out chan Event[T], cancelCh <-chan struct{}) {
	defer close(out)
	for {
		ev, ok := qs.q.Pop()
		if !ok {
			return
		}
		select {
		case out <- ev:
		case <-cancelCh:
			return
		}
	}
}

// queueSink is the write side of a queue.Queue.
type queueSink[T any] struct {
	q *queue.Queue[Event[T]]

	mu     sync.Mutex
	closed bool
	doneCh chan error
}

func (qs *queueSink[T]) Add(v T) error {
	qs.mu.Lock()
	if qs.closed {
		qs.mu.Unlock()
		return ErrClosed
	}
	qs.mu.Unlock()
	qs.q.Push(Event[T]{Value: v})
	return nil
}

func (qs *queueSink[T]) AddError(err error) error {
	qs.mu.Lock()
	if qs.closed {
		qs.mu.Unlock()
		return ErrClosed
	}
	qs.mu.Unlock()
	qs.q.Push(Event[T]{Err: err})
	return nil
}

func (qs *queueSink[T]) AddStream(ctx context.Context, src Stream[T]) error {
	events, sub, err := src.Listen()
	if err != nil {
		return err
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				return qs.AddError(ev.Err)
			}
			if err := qs.Add(ev.Value); err != nil {
				return err
			}
		}
	}
}

func (qs *queueSink[T]) Close() <-chan error {
	qs.mu.Lock()
	if qs.doneCh == nil {
		qs.doneCh = make(chan error, 1)
	}
	ch := qs.doneCh
	if qs.closed {
		qs.mu.Unlock()
		return ch
	}
	qs.closed = true
	qs.mu.Unlock()

	qs.q.Close()
	ch <- nil
	return ch
}
