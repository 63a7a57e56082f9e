package duplex

import (
	"context"
	"sync"
)

// Disconnector is a stateful Transformer. Bind wraps a channel and records
// it; Disconnect severs every channel Bind has produced, atomically closing
// both halves of each. Disconnect is idempotent and returns a future that
// resolves once every wrapped channel has quiesced.
type Disconnector[T any] struct {
	mu           sync.Mutex
	disconnected bool
	wrapped      []*disconnectChannel[T]
	doneCh       chan struct{}
	doneOnce     sync.Once
}

// NewDisconnector creates a Disconnector with no wrapped channels yet.
func NewDisconnector[T any]() *Disconnector[T] {
	return &Disconnector[T]{doneCh: make(chan struct{})}
}

// Bind implements Transformer. The returned channel forwards normally until
// Disconnect fires, at which point its sink transitions to silently-dropping
// and its stream emits an immediate terminal done.
func (d *Disconnector[T]) Bind(c Channel[T]) Channel[T] {
	dc := newDisconnectChannel(d, c)

	d.mu.Lock()
	already := d.disconnected
	if !already {
		d.wrapped = append(d.wrapped, dc)
	}
	d.mu.Unlock()

	if already {
		dc.disconnectNow()
	}
	return dc
}

// Disconnect severs every channel produced by Bind so far. The first call
// fires the cut; later calls are no-ops that return the same future.
func (d *Disconnector[T]) Disconnect() <-chan struct{} {
	d.mu.Lock()
	if d.disconnected {
		ch := d.doneCh
		d.mu.Unlock()
		return ch
	}
	d.disconnected = true
	wrapped := append([]*disconnectChannel[T]{}, d.wrapped...)
	ch := d.doneCh
	d.mu.Unlock()

	go func() {
		var wg sync.WaitGroup
		wg.Add(len(wrapped))
		for _, dc := range wrapped {
			go func(dc *disconnectChannel[T]) {
				defer wg.Done()
				dc.disconnectNow()
			}(dc)
		}
		wg.Wait()
		d.doneOnce.Do(func() { close(ch) })
	}()
	return ch
}

type disconnectChannel[T any] struct {
	stream *bufferedStream[T]
	sink   *disconnectSink[T]
}

func newDisconnectChannel[T any](d *Disconnector[T], inner Channel[T]) *disconnectChannel[T] {
	ds := &disconnectSink[T]{underlying: inner.Sink()}
	dc := &disconnectChannel[T]{sink: ds}
	dc.stream = newBufferedStream(inner.Stream(), ds)
	ds.stream = dc.stream
	return dc
}

func (dc *disconnectChannel[T]) Stream() Stream[T] { return dc.stream }
func (dc *disconnectChannel[T]) Sink() Sink[T]      { return dc.sink }

func (dc *disconnectChannel[T]) disconnectNow() {
	dc.sink.disconnect()
	dc.stream.forceTerminal(nil)
}

// disconnectSink layers disconnect semantics on top of an arbitrary inner
// sink. Before Disconnect fires it behaves like a plain pass-through sink
// that also honors invariant 3 (silently-dropping once the wrapped stream
// has reached its own terminal). A prior explicit Close by the caller still
// raises programming errors on further mutators even after Disconnect,
// matching the test suite's chosen resolution of the open question in §9.
type disconnectSink[T any] struct {
	underlying Sink[T]
	stream     *bufferedStream[T]

	mu           sync.Mutex
	userClosed   bool
	disconnected bool
	pumping      bool
	streamDone   bool
	pumpCancel   chan struct{}
	doneCh       chan error
	doneResolved bool
}

func (ds *disconnectSink[T]) onStreamTerminal() {
	ds.mu.Lock()
	ds.streamDone = true
	ds.mu.Unlock()
}

func (ds *disconnectSink[T]) ensureDoneCh() chan error {
	if ds.doneCh == nil {
		ds.doneCh = make(chan error, 1)
	}
	return ds.doneCh
}

func (ds *disconnectSink[T]) resolveDone(err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.doneResolved {
		return
	}
	ch := ds.ensureDoneCh()
	ch <- err
	ds.doneResolved = true
}

func (ds *disconnectSink[T]) Add(v T) error {
	ds.mu.Lock()
	switch {
	case ds.userClosed:
		ds.mu.Unlock()
		return ErrClosed
	case ds.pumping:
		ds.mu.Unlock()
		return ErrPumping
	case ds.disconnected || ds.streamDone:
		ds.mu.Unlock()
		return nil
	}
	ds.mu.Unlock()
	return ds.underlying.Add(v)
}

func (ds *disconnectSink[T]) AddError(err error) error {
	ds.mu.Lock()
	switch {
	case ds.userClosed:
		ds.mu.Unlock()
		return ErrClosed
	case ds.pumping:
		ds.mu.Unlock()
		return ErrPumping
	case ds.disconnected || ds.streamDone:
		ds.mu.Unlock()
		return nil
	}
	ds.mu.Unlock()
	return ds.underlying.AddError(err)
}

func (ds *disconnectSink[T]) AddStream(ctx context.Context, src Stream[T]) error {
	ds.mu.Lock()
	switch {
	case ds.userClosed:
		ds.mu.Unlock()
		return ErrClosed
	case ds.pumping:
		ds.mu.Unlock()
		return ErrPumping
	case ds.disconnected || ds.streamDone:
		ds.mu.Unlock()
		go drainStream(src)
		return nil
	}
	ds.pumping = true
	cancel := make(chan struct{})
	ds.pumpCancel = cancel
	ds.mu.Unlock()

	err := pumpStreamCancelable(ctx, src, ds.underlying, cancel)

	ds.mu.Lock()
	ds.pumping = false
	ds.pumpCancel = nil
	ds.mu.Unlock()
	return err
}

func (ds *disconnectSink[T]) Close() <-chan error {
	ds.mu.Lock()
	ch := ds.ensureDoneCh()
	if ds.userClosed {
		ds.mu.Unlock()
		return ch
	}
	ds.userClosed = true
	ds.mu.Unlock()

	go func() {
		result := <-ds.underlying.Close()
		ds.resolveDone(result)
		ds.stream.forceTerminal(nil)
	}()
	return ch
}

// disconnect severs the sink on behalf of a Disconnector. Idempotent; blocks
// until the underlying sink's own done future settles, which is what lets
// Disconnector.Disconnect's future represent full quiescence. If the caller
// already closed the sink, that Close owns the underlying done future (it is
// receive-once), so disconnect does not close or wait on it again.
func (ds *disconnectSink[T]) disconnect() {
	ds.mu.Lock()
	if ds.disconnected {
		ds.mu.Unlock()
		return
	}
	ds.disconnected = true
	cancel := ds.pumpCancel
	userClosed := ds.userClosed
	ds.mu.Unlock()

	if cancel != nil {
		close(cancel)
	}
	if userClosed {
		return
	}

	result := <-ds.underlying.Close()
	ds.resolveDone(result)
}

func pumpStreamCancelable[T any](ctx context.Context, src Stream[T], sink Sink[T], cancel <-chan struct{}) error {
	events, sub, err := src.Listen()
	if err != nil {
		return err
	}
	defer sub.Cancel()

	for {
		select {
		case <-cancel:
			return nil
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
