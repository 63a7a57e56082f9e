// Package codec provides transformer factories that adapt a raw byte
// channel into a typed channel via a symmetric document codec.
package codec

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/duplexio/duplex"
)

var defaultJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON wraps raw as a typed Channel[T]: incoming bytes are decoded
// document-by-document into T, one message per document, and outgoing
// values are encoded to bytes. fallback, if non-nil, is tried when the
// standard encoder cannot represent a value; with a nil fallback, encode
// errors from the standard encoder propagate as-is.
//
// Decode errors surface as stream errors. Encode errors are raised
// synchronously from Add, since an unrepresentable value is a programming
// error, not a transport failure.
func JSON[T any](raw duplex.Channel[[]byte], fallback func(any) ([]byte, error)) duplex.Channel[T] {
	return duplex.NewChannel[T](
		&jsonStream[T]{inner: raw.Stream()},
		&jsonSink[T]{inner: raw.Sink(), fallback: fallback},
	)
}

type jsonStream[T any] struct {
	inner duplex.Stream[[]byte]
}

func (s *jsonStream[T]) Listen() (<-chan duplex.Event[T], duplex.Subscription, error) {
	events, sub, err := s.inner.Listen()
	if err != nil {
		return nil, nil, err
	}

	out := make(chan duplex.Event[T])
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Err != nil {
				out <- duplex.Event[T]{Err: ev.Err}
				continue
			}
			var v T
			if err := defaultJSON.Unmarshal(ev.Value, &v); err != nil {
				out <- duplex.Event[T]{Err: err}
				continue
			}
			out <- duplex.Event[T]{Value: v}
		}
	}()
	return out, sub, nil
}

type jsonSink[T any] struct {
	inner    duplex.Sink[[]byte]
	fallback func(any) ([]byte, error)
}

func (s *jsonSink[T]) Add(v T) error {
	b, err := defaultJSON.Marshal(v)
	if err != nil {
		if s.fallback == nil {
			return err
		}
		b, err = s.fallback(v)
		if err != nil {
			return err
		}
	}
	return s.inner.Add(b)
}

func (s *jsonSink[T]) AddError(err error) error { return s.inner.AddError(err) }

func (s *jsonSink[T]) AddStream(ctx context.Context, src duplex.Stream[T]) error {
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
				return s.AddError(ev.Err)
			}
			if err := s.Add(ev.Value); err != nil {
				return err
			}
		}
	}
}

func (s *jsonSink[T]) Close() <-chan error { return s.inner.Close() }
