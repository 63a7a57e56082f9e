package duplex

import (
	"context"
	"sync"
)

// Guarantee adapts an arbitrary incoming stream and outgoing sink into a
// Channel that satisfies the full channel contract (single-subscription
// stream, stream/sink lifecycle coupling, post-terminal silent drop) even
// when stream and sink individually do not.
//
// allowSinkErrors selects the sink's error-handling mode: when true, errors
// added via the sink are forwarded to sink; when false (fail-on-error),
// AddError instead closes the sink, resolves Close's done value with that
// error, and forces the wrapped stream to terminal.
func Guarantee[T any](stream Stream[T], sink Sink[T], allowSinkErrors bool) Channel[T] {
	g := &guaranteeSink[T]{underlying: sink, allowErrors: allowSinkErrors}
	g.stream = newBufferedStream(stream, g)
	return &simpleChannel[T]{stream: g.stream, sink: g}
}

// lifecycleCoupler lets a bufferedStream notify its owning sink once the
// local terminal has fired, without the stream needing to know about the
// sink's full interface.
type lifecycleCoupler interface {
	onStreamTerminal()
}

// bufferedStream enforces invariant 1 (single subscription) and invariant 5
// (cancellation detaches the subscriber without affecting ingestion) around
// an arbitrary, possibly-broadcast underlying stream.
type bufferedStream[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []Event[T]
	sent     int // number of buf entries already handed to the subscriber
	finished bool
	listened bool
	notified sync.Once
	coupler  lifecycleCoupler
}

func newBufferedStream[T any](src Stream[T], coupler lifecycleCoupler) *bufferedStream[T] {
	bs := &bufferedStream[T]{coupler: coupler}
	bs.cond = sync.NewCond(&bs.mu)

	events, _, err := src.Listen()
	if err != nil {
		bs.forceTerminal(err)
		return bs
	}
	go bs.ingest(events)
	return bs
}

func (bs *bufferedStream[T]) ingest(events <-chan Event[T]) {
	for ev := range events {
		bs.mu.Lock()
		if bs.finished {
			bs.mu.Unlock()
			continue
		}
		bs.buf = append(bs.buf, ev)
		bs.cond.Broadcast()
		bs.mu.Unlock()
	}
	bs.mu.Lock()
	alreadyFinished := bs.finished
	bs.finished = true
	bs.cond.Broadcast()
	bs.mu.Unlock()
	if !alreadyFinished {
		bs.fireTerminal()
	}
}

// forceTerminal moves the stream to its terminal state immediately,
// independent of the underlying source. Used by the fail-on-error sink path
// and by the Disconnector to cut a channel on demand. Any buffered values
// not yet handed to the subscriber are discarded so the terminal event
// precedes them, per invariant 2.
func (bs *bufferedStream[T]) forceTerminal(err error) {
	bs.mu.Lock()
	if bs.finished {
		bs.mu.Unlock()
		return
	}
	bs.buf = bs.buf[:bs.sent]
	if err != nil {
		bs.buf = append(bs.buf, Event[T]{Err: err})
	}
	bs.finished = true
	bs.cond.Broadcast()
	bs.mu.Unlock()
	bs.fireTerminal()
}

func (bs *bufferedStream[T]) fireTerminal() {
	bs.notified.Do(func() {
		if bs.coupler != nil {
			bs.coupler.onStreamTerminal()
		}
	})
}

// Listen implements Stream. A second call fails per invariant 1.
func (bs *bufferedStream[T]) Listen() (<-chan Event[T], Subscription, error) {
	bs.mu.Lock()
	if bs.listened {
		bs.mu.Unlock()
		return nil, nil, ErrAlreadyListening
	}
	bs.listened = true
	bs.mu.Unlock()

	out := make(chan Event[T])
	cancelCh := make(chan struct{})
	go bs.dispatch(out, cancelCh)
	return out, &streamSubscription{cancel: cancelCh}, nil
}

func (bs *bufferedStream[T]) dispatch(out chan Event[T], cancelCh <-chan struct{}) {
	idx := 0
	for {
		bs.mu.Lock()
		for idx >= len(bs.buf) && !bs.finished {
			bs.cond.Wait()
		}
		if idx >= len(bs.buf) && bs.finished {
			bs.mu.Unlock()
			close(out)
			return
		}
		ev := bs.buf[idx]
		idx++
		bs.mu.Unlock()

		select {
		case out <- ev:
			bs.mu.Lock()
			bs.sent = idx
			bs.mu.Unlock()
		case <-cancelCh:
			return
		}
	}
}

type streamSubscription struct {
	cancel chan struct{}
	once   sync.Once
}

func (s *streamSubscription) Cancel() {
	s.once.Do(func() { close(s.cancel) })
}

// guaranteeSink is the gatekeeper sink half of a Guarantee channel. It owns
// the closed/pumping state machine and the done completion slot described in
// §4.3 of the channel contract.
type guaranteeSink[T any] struct {
	underlying  Sink[T]
	allowErrors bool
	stream      *bufferedStream[T]

	mu           sync.Mutex
	closed       bool
	pumping      bool
	streamDone   bool
	doneCh       chan error
	doneResolved bool
}

func (g *guaranteeSink[T]) onStreamTerminal() {
	g.mu.Lock()
	g.streamDone = true
	g.mu.Unlock()
}

func (g *guaranteeSink[T]) ensureDoneCh() chan error {
	if g.doneCh == nil {
		g.doneCh = make(chan error, 1)
	}
	return g.doneCh
}

func (g *guaranteeSink[T]) resolveDone(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.doneResolved {
		return
	}
	ch := g.ensureDoneCh()
	ch <- err
	g.doneResolved = true
}

// Add implements Sink.
func (g *guaranteeSink[T]) Add(v T) error {
	g.mu.Lock()
	switch {
	case g.closed:
		g.mu.Unlock()
		return ErrClosed
	case g.pumping:
		g.mu.Unlock()
		return ErrPumping
	case g.streamDone:
		g.mu.Unlock()
		return nil // silently dropped per invariant 3
	}
	g.mu.Unlock()
	return g.underlying.Add(v)
}

// AddError implements Sink.
func (g *guaranteeSink[T]) AddError(err error) error {
	g.mu.Lock()
	switch {
	case g.closed:
		g.mu.Unlock()
		return ErrClosed
	case g.pumping:
		g.mu.Unlock()
		return ErrPumping
	case g.streamDone:
		g.mu.Unlock()
		return nil
	}
	if !g.allowErrors {
		g.closed = true
		g.mu.Unlock()

		g.resolveDone(err)
		go func() { <-g.underlying.Close() }()
		g.stream.forceTerminal(nil)
		return nil
	}
	g.mu.Unlock()
	return g.underlying.AddError(err)
}

// AddStream implements Sink. While src is being pumped, all other mutators on
// this sink fail with ErrPumping.
func (g *guaranteeSink[T]) AddStream(ctx context.Context, src Stream[T]) error {
	g.mu.Lock()
	switch {
	case g.closed:
		g.mu.Unlock()
		return ErrClosed
	case g.pumping:
		g.mu.Unlock()
		return ErrPumping
	case g.streamDone:
		g.mu.Unlock()
		go drainStream(src)
		return nil
	}
	g.pumping = true
	g.mu.Unlock()

	err := pumpStreamInto(ctx, src, g.underlying)

	g.mu.Lock()
	g.pumping = false
	g.mu.Unlock()
	return err
}

// Close implements Sink. Repeated calls return the same done channel.
func (g *guaranteeSink[T]) Close() <-chan error {
	g.mu.Lock()
	ch := g.ensureDoneCh()
	if g.closed {
		g.mu.Unlock()
		return ch
	}
	g.closed = true
	g.mu.Unlock()

	go func() {
		result := <-g.underlying.Close()
		g.resolveDone(result)
		g.stream.forceTerminal(nil)
	}()
	return ch
}

// pumpStreamInto drains src into sink until src terminates, ctx is canceled,
// or sink rejects a value. An error event on src is forwarded with
// sink.AddError and ends the pump; AddError's result is returned.
func pumpStreamInto[T any](ctx context.Context, src Stream[T], sink Sink[T]) error {
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
				return sink.AddError(ev.Err)
			}
			if err := sink.Add(ev.Value); err != nil {
				return err
			}
		}
	}
}

// drainStream consumes and discards src, used when a pumped stream arrives
// after the sink has already entered its silently-dropping state.
func drainStream[T any](src Stream[T]) {
	events, sub, err := src.Listen()
	if err != nil {
		return
	}
	defer sub.Cancel()
	for range events {
	}
}
