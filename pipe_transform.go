package duplex

import (
	"context"
	"sync"

	"github.com/duplexio/duplex/pipe"
)

// PipeStream runs every value from src through p, a processing pipeline
// built with the pipe package (NewProcessPipe, NewTransformPipe, with
// middleware such as retry applied via p.ApplyMiddleware before it is
// passed here). Errors observed on src never reach p: the first one is
// delivered as the last event on the returned stream, after p's output
// channel closes, and any later ones are discarded. The returned stream
// ends once p's output channel closes; if p fails to start, Listen returns
// that error.
func PipeStream[In, Out any](ctx context.Context, src Stream[In], p pipe.Pipe[In, Out]) Stream[Out] {
	return &pipeTransformStream[In, Out]{ctx: ctx, src: src, pipe: p}
}

type pipeTransformStream[In, Out any] struct {
	ctx  context.Context
	src  Stream[In]
	pipe pipe.Pipe[In, Out]

	mu       sync.Mutex
	listened bool
}

func (s *pipeTransformStream[In, Out]) Listen() (<-chan Event[Out], Subscription, error) {
	s.mu.Lock()
	if s.listened {
		s.mu.Unlock()
		return nil, nil, ErrAlreadyListening
	}
	s.listened = true
	s.mu.Unlock()

	events, sub, err := s.src.Listen()
	if err != nil {
		return nil, nil, err
	}

	in := make(chan In)
	errs := make(chan error, 1)
	cancelCh := make(chan struct{})

	go func() {
		defer close(in)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Err != nil {
					select {
					case errs <- ev.Err:
					default:
					}
					continue
				}
				select {
				case in <- ev.Value:
				case <-cancelCh:
					return
				}
			case <-cancelCh:
				return
			}
		}
	}()

	out, err := s.pipe.Pipe(s.ctx, in)
	if err != nil {
		sub.Cancel()
		close(cancelCh)
		return nil, nil, err
	}

	results := make(chan Event[Out])
	go func() {
		defer close(results)
		for v := range out {
			results <- Event[Out]{Value: v}
		}
		select {
		case err := <-errs:
			results <- Event[Out]{Err: err}
		default:
		}
	}()

	return results, &pipeTransformSubscription{underlying: sub, cancel: cancelCh}, nil
}

type pipeTransformSubscription struct {
	underlying Subscription
	cancel     chan struct{}
	once       sync.Once
}

func (s *pipeTransformSubscription) Cancel() {
	s.once.Do(func() {
		close(s.cancel)
		s.underlying.Cancel()
	})
}
