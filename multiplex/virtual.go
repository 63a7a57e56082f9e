package multiplex

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/duplexio/duplex"
	"github.com/duplexio/duplex/internal/queue"
)

type virtualEntry struct {
	inputID       uint64
	outputID      uint64
	correlationID uuid.UUID
	incoming      *queue.Queue[duplex.Event[[]byte]]
	outgoing      *queue.Queue[duplex.Event[[]byte]]
	channel       duplex.Channel[[]byte]
}

func newVirtualEntry(inputID, outputID uint64) *virtualEntry {
	e := &virtualEntry{
		inputID:       inputID,
		outputID:      outputID,
		correlationID: uuid.New(),
		incoming:      queue.New[duplex.Event[[]byte]](),
		outgoing:      queue.New[duplex.Event[[]byte]](),
	}
	e.channel = duplex.Guarantee[[]byte](
		&virtualStream{q: e.incoming},
		&virtualSink{q: e.outgoing},
		true,
	)
	return e
}

// Virtual is one logical channel carried over a Multiplexer. Its ID is the
// id this endpoint uses on outbound frames for it. CorrelationID is a
// process-local identifier for log correlation; it has no wire
// representation and is never sent to the peer.
type Virtual struct {
	duplex.Channel[[]byte]
	id            uint64
	correlationID uuid.UUID
	mux           *Multiplexer
}

// ID returns the output id this endpoint uses when addressing frames to
// its peer for this virtual channel.
func (v *Virtual) ID() uint64 { return v.id }

// CorrelationID returns this virtual channel's process-local identifier.
func (v *Virtual) CorrelationID() uuid.UUID { return v.correlationID }

// Open delegates to the parent Multiplexer, for convenience. It does not
// make Virtual an owner of the multiplexer; the reference is a lookup, not
// a retained dependency.
func (v *Virtual) Open(id *uint64) (*Virtual, error) { return v.mux.Open(id) }

// virtualStream is the single-subscription read side of a virtual
// channel's incoming queue.
type virtualStream struct {
	q *queue.Queue[duplex.Event[[]byte]]
}

func (s *virtualStream) Listen() (<-chan duplex.Event[[]byte], duplex.Subscription, error) {
	out := make(chan duplex.Event[[]byte])
	cancelCh := make(chan struct{})
	go func() {
		defer close(out)
		for {
			ev, ok := s.q.Pop()
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-cancelCh:
				return
			}
		}
	}()
	return out, &cancelSubscription{cancel: cancelCh}, nil
}

type cancelSubscription struct {
	cancel chan struct{}
	once   sync.Once
}

func (c *cancelSubscription) Cancel() { c.once.Do(func() { close(c.cancel) }) }

// virtualSink is the write side of a virtual channel. Errors added here
// have no wire representation — virtual channels cannot transmit errors as
// values — so AddError is accepted but never forwarded.
type virtualSink struct {
	q *queue.Queue[duplex.Event[[]byte]]

	mu     sync.Mutex
	closed bool
	doneCh chan error
}

func (s *virtualSink) Add(v []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return duplex.ErrClosed
	}
	s.mu.Unlock()
	s.q.Push(duplex.Event[[]byte]{Value: v})
	return nil
}

func (s *virtualSink) AddError(err error) error { return nil }

func (s *virtualSink) AddStream(ctx context.Context, src duplex.Stream[[]byte]) error {
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
				continue
			}
			if err := s.Add(ev.Value); err != nil {
				return err
			}
		}
	}
}

func (s *virtualSink) Close() <-chan error {
	s.mu.Lock()
	if s.doneCh == nil {
		s.doneCh = make(chan error, 1)
	}
	ch := s.doneCh
	if s.closed {
		s.mu.Unlock()
		return ch
	}
	s.closed = true
	s.mu.Unlock()

	s.q.Close()
	ch <- nil
	return ch
}
