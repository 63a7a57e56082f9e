package duplex

import (
	"context"
	"sync"
)

type completerOpKind int

const (
	completerOpAdd completerOpKind = iota
	completerOpError
)

type completerOp[T any] struct {
	kind  completerOpKind
	value T
	err   error
}

// Completer is a placeholder Channel with two completion slots. SetChannel
// resolves it to a real channel; SetError resolves it to an immediate
// failure. Exactly one of the two may ever succeed. Sink operations made
// before resolution are queued and replayed, in order, once SetChannel
// supplies the real sink; the placeholder's stream blocks delivery until
// either slot is filled.
type Completer[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	resolved bool
	closed   bool
	pumping  bool
	src      Channel[T]
	err      error
	pending  []completerOp[T]

	doneCh       chan error
	doneResolved bool

	channel *completerChannel[T]
}

// NewCompleter creates an unresolved Completer.
func NewCompleter[T any]() *Completer[T] {
	c := &Completer[T]{doneCh: make(chan error, 1)}
	c.cond = sync.NewCond(&c.mu)
	c.channel = &completerChannel[T]{
		stream: &completerStream[T]{c: c},
		sink:   &completerSink[T]{c: c},
	}
	return c
}

// Channel returns the placeholder Channel. It is safe to use immediately,
// before either completion slot is filled.
func (c *Completer[T]) Channel() Channel[T] { return c.channel }

// SetChannel resolves the completer to src. Buffered writes are replayed
// into src.Sink() in order, and src.Stream() becomes the placeholder's
// stream. It returns ErrAlreadySet if the completer is already resolved.
func (c *Completer[T]) SetChannel(src Channel[T]) error {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return ErrAlreadySet
	}
	c.resolved = true
	c.src = src
	pending := c.pending
	c.pending = nil
	closeRequested := c.closed
	c.cond.Broadcast()
	c.mu.Unlock()

	sink := src.Sink()
	for _, op := range pending {
		switch op.kind {
		case completerOpAdd:
			_ = sink.Add(op.value)
		case completerOpError:
			_ = sink.AddError(op.err)
		}
	}
	if closeRequested {
		go func() {
			result := <-sink.Close()
			c.resolveDone(result)
		}()
	}
	return nil
}

// SetError resolves the completer to an immediate failure: the placeholder's
// stream delivers err as its sole terminal event and its sink behaves as
// already closed. It returns ErrAlreadySet if the completer is already
// resolved.
func (c *Completer[T]) SetError(err error) error {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return ErrAlreadySet
	}
	c.resolved = true
	c.closed = true
	c.err = err
	c.pending = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	c.resolveDone(err)
	return nil
}

func (c *Completer[T]) ensureDoneCh() chan error {
	if c.doneCh == nil {
		c.doneCh = make(chan error, 1)
	}
	return c.doneCh
}

func (c *Completer[T]) resolveDone(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doneResolved {
		return
	}
	ch := c.ensureDoneCh()
	ch <- err
	c.doneResolved = true
}

type completerChannel[T any] struct {
	stream *completerStream[T]
	sink   *completerSink[T]
}

func (cc *completerChannel[T]) Stream() Stream[T] { return cc.stream }
func (cc *completerChannel[T]) Sink() Sink[T]      { return cc.sink }

// completerSink queues mutators until the owning Completer resolves, then
// forwards directly to the real sink.
type completerSink[T any] struct {
	c *Completer[T]
}

func (cs *completerSink[T]) Add(v T) error {
	c := cs.c
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.pumping:
		c.mu.Unlock()
		return ErrPumping
	case c.resolved:
		sink := c.src.Sink()
		c.mu.Unlock()
		return sink.Add(v)
	}
	c.pending = append(c.pending, completerOp[T]{kind: completerOpAdd, value: v})
	c.mu.Unlock()
	return nil
}

func (cs *completerSink[T]) AddError(err error) error {
	c := cs.c
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.pumping:
		c.mu.Unlock()
		return ErrPumping
	case c.resolved:
		sink := c.src.Sink()
		c.mu.Unlock()
		return sink.AddError(err)
	}
	c.pending = append(c.pending, completerOp[T]{kind: completerOpError, err: err})
	c.mu.Unlock()
	return nil
}

// AddStream blocks, if necessary, until the completer resolves, then pumps
// src into the real sink (or drains it if the completer resolved to an
// error). Other mutators fail with ErrPumping for the duration.
func (cs *completerSink[T]) AddStream(ctx context.Context, src Stream[T]) error {
	c := cs.c
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.pumping:
		c.mu.Unlock()
		return ErrPumping
	}
	c.pumping = true
	for !c.resolved {
		c.cond.Wait()
	}
	if c.closed {
		c.pumping = false
		c.mu.Unlock()
		go drainStream(src)
		return ErrClosed
	}
	target := c.src
	c.mu.Unlock()

	err := pumpStreamInto(ctx, src, target.Sink())

	c.mu.Lock()
	c.pumping = false
	c.mu.Unlock()
	return err
}

// Close marks the sink closed. If the completer has already resolved to a
// real channel, the real sink is closed in the background and Close's
// future settles with its result; otherwise the close is deferred until
// SetChannel or SetError arrives.
func (cs *completerSink[T]) Close() <-chan error {
	c := cs.c
	c.mu.Lock()
	ch := c.ensureDoneCh()
	if c.closed {
		c.mu.Unlock()
		return ch
	}
	c.closed = true
	resolved := c.resolved
	src := c.src
	c.mu.Unlock()

	if resolved && src != nil {
		go func() {
			result := <-src.Sink().Close()
			c.resolveDone(result)
		}()
	}
	return ch
}

// completerStream blocks delivery until the owning Completer resolves, then
// forwards the real stream's events (or a single terminal error event, if
// the completer resolved via SetError).
type completerStream[T any] struct {
	c *Completer[T]

	mu       sync.Mutex
	listened bool
}

func (cs *completerStream[T]) Listen() (<-chan Event[T], Subscription, error) {
	cs.mu.Lock()
	if cs.listened {
		cs.mu.Unlock()
		return nil, nil, ErrAlreadyListening
	}
	cs.listened = true
	cs.mu.Unlock()

	out := make(chan Event[T])
	cancelCh := make(chan struct{})
	go cs.run(out, cancelCh)
	return out, &streamSubscription{cancel: cancelCh}, nil
}

func (cs *completerStream[T]) run(out chan Event[T], cancelCh <-chan struct{}) {
	c := cs.c
	c.mu.Lock()
	for !c.resolved {
		c.cond.Wait()
	}
	src := c.src
	err := c.err
	c.mu.Unlock()

	defer close(out)

	if src == nil {
		select {
		case out <- Event[T]{Err: err}:
		case <-cancelCh:
		}
		return
	}

	events, sub, lerr := src.Stream().Listen()
	if lerr != nil {
		select {
		case out <- Event[T]{Err: lerr}:
		case <-cancelCh:
		}
		return
	}
	defer sub.Cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-cancelCh:
				return
			}
		case <-cancelCh:
			return
		}
	}
}
