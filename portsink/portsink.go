// Package portsink adapts a pair of asynchronous one-way message ports —
// an incoming receive endpoint and an outgoing send endpoint — into the
// channel contract, the way an isolate's SendPort/ReceivePort pair is
// adapted into a bidirectional channel.
package portsink

import (
	"context"
	"sync"

	"github.com/duplexio/duplex"
)

// Message is the unit carried by a port. ReplyTo is set only on the first
// message of a handshake, where it carries the sender's own send endpoint.
type Message struct {
	Payload []byte
	ReplyTo OutgoingPort
}

// IncomingPort is a finite or infinite asynchronous one-way receive
// endpoint. Close is the only disconnect signal available at this
// transport level; it is owned by the sink built from it and must not be
// closed independently by callers.
type IncomingPort interface {
	Messages() <-chan Message
	Close() error
}

// OutgoingPort is a one-way send endpoint.
type OutgoingPort interface {
	Send(Message) error
}

// New adapts incoming and outgoing into a Channel satisfying the full
// contract, built atop [duplex.Guarantee].
func New(incoming IncomingPort, outgoing OutgoingPort, allowSinkErrors bool) duplex.Channel[[]byte] {
	return duplex.Guarantee[[]byte](
		&portStream{incoming: incoming},
		&portSink{incoming: incoming, outgoing: outgoing},
		allowSinkErrors,
	)
}

// ConnectReceive owns port and awaits its first message as the peer's
// reply send endpoint. Once received, it behaves as New. If the first
// message carries no ReplyTo, the returned channel's stream emits a single
// protocol-violation error and closes.
func ConnectReceive(port IncomingPort) duplex.Channel[[]byte] {
	completer := duplex.NewCompleter[[]byte]()

	go func() {
		messages := port.Messages()
		first, ok := <-messages
		if !ok {
			_ = completer.SetError(duplex.ErrClosed)
			return
		}
		if first.ReplyTo == nil {
			_ = port.Close()
			_ = completer.SetError(duplex.ErrProtocolViolation)
			return
		}
		_ = completer.SetChannel(New(port, first.ReplyTo, true))
	}()

	return completer.Channel()
}

// ConnectSend sends localSend, the reply endpoint for localIncoming, as
// the handshake's first message to peerSend, then behaves as New.
func ConnectSend(peerSend OutgoingPort, localIncoming IncomingPort, localSend OutgoingPort) (duplex.Channel[[]byte], error) {
	if err := peerSend.Send(Message{ReplyTo: localSend}); err != nil {
		return nil, err
	}
	return New(localIncoming, peerSend, true), nil
}

type portStream struct {
	incoming IncomingPort
}

func (s *portStream) Listen() (<-chan duplex.Event[[]byte], duplex.Subscription, error) {
	out := make(chan duplex.Event[[]byte])
	cancelCh := make(chan struct{})

	go func() {
		defer close(out)
		messages := s.incoming.Messages()
		for {
			select {
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- duplex.Event[[]byte]{Value: msg.Payload}:
				case <-cancelCh:
					return
				}
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

// portSink forwards Add to outgoing.Send. It relies on the [duplex.Guarantee]
// wrapper above it for closed/pumping exclusivity; it only needs to track
// whether it has already settled its own done value.
type portSink struct {
	incoming IncomingPort
	outgoing OutgoingPort

	mu           sync.Mutex
	closed       bool
	doneCh       chan error
	doneResolved bool
}

func (s *portSink) ensureDoneCh() chan error {
	if s.doneCh == nil {
		s.doneCh = make(chan error, 1)
	}
	return s.doneCh
}

func (s *portSink) resolveDone(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneResolved {
		return
	}
	ch := s.ensureDoneCh()
	ch <- err
	s.doneResolved = true
}

func (s *portSink) Add(v []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.outgoing.Send(Message{Payload: v})
}

// AddError transitions done to completed-with-error and closes the
// incoming port, since a one-way port pair has no close frame of its own.
func (s *portSink) AddError(err error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	closeErr := s.incoming.Close()
	if closeErr != nil && err == nil {
		err = closeErr
	}
	s.resolveDone(err)
	return nil
}

func (s *portSink) AddStream(ctx context.Context, src duplex.Stream[[]byte]) error {
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

func (s *portSink) Close() <-chan error {
	s.mu.Lock()
	ch := s.ensureDoneCh()
	if s.closed {
		s.mu.Unlock()
		return ch
	}
	s.closed = true
	s.mu.Unlock()

	go func() {
		err := s.incoming.Close()
		s.resolveDone(err)
	}()
	return ch
}
