package duplex

import (
	"context"
	"sync"
)

// sliceStream is a finite stream over a fixed slice of values. It never
// reports an error; it simply closes once the slice is exhausted.
type sliceStream[T any] struct {
	items []T
	mu    struct{ listened bool }
}

// FromSlice returns a Stream that emits each element of items in order and
// then terminates without error.
func FromSlice[T any](items []T) Stream[T] {
	return &sliceStream[T]{items: items}
}

func (s *sliceStream[T]) Listen() (<-chan Event[T], Subscription, error) {
	if s.mu.listened {
		return nil, nil, ErrAlreadyListening
	}
	s.mu.listened = true

	out := make(chan Event[T])
	cancelCh := make(chan struct{})
	go func() {
		defer close(out)
		for _, v := range s.items {
			select {
			case out <- Event[T]{Value: v}:
			case <-cancelCh:
				return
			}
		}
	}()
	return out, &streamSubscription{cancel: cancelCh}, nil
}

// ToSlice collects every value from src into a slice, blocking until src
// reaches its terminal event. It returns the terminal error, if any,
// alongside whatever values were collected before it arrived.
func ToSlice[T any](src Stream[T]) ([]T, error) {
	events, sub, err := src.Listen()
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	var out []T
	for ev := range events {
		if ev.Err != nil {
			return out, ev.Err
		}
		out = append(out, ev.Value)
	}
	return out, nil
}

// Drain consumes and discards every value from src, returning a channel
// that receives the stream's terminal error (nil if it finished cleanly)
// once src is exhausted.
func Drain[T any](src Stream[T]) <-chan error {
	done := make(chan error, 1)
	go func() {
		events, sub, err := src.Listen()
		if err != nil {
			done <- err
			return
		}
		defer sub.Cancel()

		var terminalErr error
		for ev := range events {
			if ev.Err != nil {
				terminalErr = ev.Err
			}
		}
		done <- terminalErr
	}()
	return done
}

// Forward copies every value and the terminal error, if any, from src into
// dst, then closes dst. It is a thin wrapper around Sink.AddStream useful
// when the caller does not otherwise need a context.
func Forward[T any](src Stream[T], dst Sink[T]) error {
	if err := dst.AddStream(context.Background(), src); err != nil {
		return err
	}
	return <-dst.Close()
}

// MergeStreams listens to every stream in sources and returns a single
// stream that emits every event any of them produces, in arrival order
// across sources. It terminates once all sources have terminated.
func MergeStreams[T any](sources ...Stream[T]) (Stream[T], error) {
	subs := make([]Subscription, 0, len(sources))
	ins := make([]<-chan Event[T], 0, len(sources))

	for _, src := range sources {
		events, sub, err := src.Listen()
		if err != nil {
			for _, s := range subs {
				s.Cancel()
			}
			return nil, err
		}
		ins = append(ins, events)
		subs = append(subs, sub)
	}

	return &mergedStream[T]{merged: mergeEvents(ins...), subs: subs}, nil
}

// mergeEvents fans multiple event channels into one, closing it once every
// input has closed.
func mergeEvents[T any](ins ...<-chan Event[T]) <-chan Event[T] {
	out := make(chan Event[T])
	var wg sync.WaitGroup
	wg.Add(len(ins))

	for _, in := range ins {
		go func(in <-chan Event[T]) {
			defer wg.Done()
			for ev := range in {
				out <- ev
			}
		}(in)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

type mergedStream[T any] struct {
	merged   <-chan Event[T]
	subs     []Subscription
	mu       sync.Mutex
	listened bool
}

func (m *mergedStream[T]) Listen() (<-chan Event[T], Subscription, error) {
	m.mu.Lock()
	if m.listened {
		m.mu.Unlock()
		return nil, nil, ErrAlreadyListening
	}
	m.listened = true
	m.mu.Unlock()

	return m.merged, &mergedSubscription{subs: m.subs}, nil
}

type mergedSubscription struct {
	subs []Subscription
	once sync.Once
}

func (m *mergedSubscription) Cancel() {
	m.once.Do(func() {
		for _, s := range m.subs {
			s.Cancel()
		}
	})
}

// BroadcastStream listens to src once and returns n independent streams,
// each receiving every event src produces. Each returned stream must be
// listened to for the broadcast to make progress: broadcastEvents blocks on
// the slowest receiver.
func BroadcastStream[T any](src Stream[T], n int) ([]Stream[T], error) {
	events, sub, err := src.Listen()
	if err != nil {
		return nil, err
	}

	outs := broadcastEvents(events, n)
	streams := make([]Stream[T], n)
	for i, out := range outs {
		streams[i] = &broadcastStream[T]{events: out, sub: sub}
	}
	return streams, nil
}

// broadcastEvents duplicates every event from in to n output channels,
// closing each once in closes.
func broadcastEvents[T any](in <-chan Event[T], n int) []<-chan Event[T] {
	outs := make([]chan Event[T], n)
	outsRO := make([]<-chan Event[T], n)
	for i := range outs {
		outs[i] = make(chan Event[T])
		outsRO[i] = outs[i]
	}

	go func() {
		defer func() {
			for _, out := range outs {
				close(out)
			}
		}()
		for ev := range in {
			for _, out := range outs {
				out <- ev
			}
		}
	}()

	return outsRO
}

type broadcastStream[T any] struct {
	events   <-chan Event[T]
	sub      Subscription
	mu       sync.Mutex
	listened bool
}

func (b *broadcastStream[T]) Listen() (<-chan Event[T], Subscription, error) {
	b.mu.Lock()
	if b.listened {
		b.mu.Unlock()
		return nil, nil, ErrAlreadyListening
	}
	b.listened = true
	b.mu.Unlock()

	return b.events, b.sub, nil
}
