package duplex

import "context"

// Event is one item delivered by a [Stream]. A zero-value Err means Value is
// a regular item. A non-nil Err carries an error instead of a value; whether
// more events follow it depends on the source (decode errors from a codec and
// errors forwarded by an allow-errors sink are followed by further events).
// The stream ends when the event channel returned by Listen is closed.
type Event[T any] struct {
	Value T
	Err   error
}

// Subscription is the handle returned by [Stream.Listen]. Cancel detaches the
// subscriber; it does not affect the sink half of the owning channel, and a
// terminal event that arrives after cancellation is still observed
// internally (so lifecycle coupling with the sink keeps working) even though
// it is no longer delivered anywhere.
type Subscription interface {
	Cancel()
}

// Stream is a finite, single-subscription, ordered sequence of T values,
// optionally terminated by an error. A second call to Listen fails.
type Stream[T any] interface {
	Listen() (<-chan Event[T], Subscription, error)
}

// Sink is the outgoing half of a channel: an ordered write endpoint.
//
// Add and AddError queue data and errors to be delivered to the remote side.
// AddStream pumps an entire stream's values through the sink, exclusive of
// any other mutator while it runs. Close shuts the sink down and returns a
// channel that receives exactly one value — nil, or the error the sink
// finished with — when the outgoing side is done.
type Sink[T any] interface {
	Add(v T) error
	AddError(err error) error
	AddStream(ctx context.Context, src Stream[T]) error
	Close() <-chan error
}

// Channel pairs a single-subscription incoming Stream with an outgoing Sink,
// forming one endpoint of a logical, bidirectional connection.
type Channel[T any] interface {
	Stream() Stream[T]
	Sink() Sink[T]
}

// Transformer maps a Channel to another Channel of the same type while
// preserving the channel contract. It is the unit of composition for
// [Transform].
type Transformer[T any] interface {
	Bind(Channel[T]) Channel[T]
}

// TransformerFunc adapts a plain function to a [Transformer].
type TransformerFunc[T any] func(Channel[T]) Channel[T]

// Bind implements Transformer.
func (f TransformerFunc[T]) Bind(c Channel[T]) Channel[T] { return f(c) }

// Transform applies t to c and returns the resulting channel.
func Transform[T any](c Channel[T], t Transformer[T]) Channel[T] {
	return t.Bind(c)
}

type simpleChannel[T any] struct {
	stream Stream[T]
	sink   Sink[T]
}

func (c *simpleChannel[T]) Stream() Stream[T] { return c.stream }
func (c *simpleChannel[T]) Sink() Sink[T]      { return c.sink }

// NewChannel pairs an existing stream and sink into a Channel without
// altering their behavior. It performs no lifecycle enforcement of its own —
// use [Guarantee] when the pair needs to satisfy the full channel contract.
func NewChannel[T any](stream Stream[T], sink Sink[T]) Channel[T] {
	return &simpleChannel[T]{stream: stream, sink: sink}
}

// ChangeStream returns a channel whose Stream() is f(c.Stream()) and whose
// Sink() is unchanged. f must preserve the channel contract.
func ChangeStream[T any](c Channel[T], f func(Stream[T]) Stream[T]) Channel[T] {
	return &simpleChannel[T]{stream: f(c.Stream()), sink: c.Sink()}
}

// ChangeSink returns a channel whose Sink() is f(c.Sink()) and whose
// Stream() is unchanged. f must preserve the channel contract.
func ChangeSink[T any](c Channel[T], f func(Sink[T]) Sink[T]) Channel[T] {
	return &simpleChannel[T]{stream: c.Stream(), sink: f(c.Sink())}
}

// Pipe subscribes each channel's stream into the other's sink. Values flow
// a.Stream() -> b.Sink() and b.Stream() -> a.Sink() concurrently. A terminal
// event on either stream closes the opposite sink. Pipe returns once both
// pumps have finished.
func Pipe[T any](a, b Channel[T]) error {
	done := make(chan error, 2)
	go func() { done <- pumpInto(a.Stream(), b.Sink()) }()
	go func() { done <- pumpInto(b.Stream(), a.Sink()) }()
	err1 := <-done
	err2 := <-done
	if err1 != nil {
		return err1
	}
	return err2
}

func pumpInto[T any](s Stream[T], sink Sink[T]) error {
	events, sub, err := s.Listen()
	if err != nil {
		return err
	}
	defer sub.Cancel()

	var terminalErr error
	for ev := range events {
		if ev.Err != nil {
			terminalErr = ev.Err
			break
		}
		if err := sink.Add(ev.Value); err != nil {
			return err
		}
	}
	if terminalErr != nil {
		_ = sink.AddError(terminalErr)
	}
	<-sink.Close()
	return nil
}
