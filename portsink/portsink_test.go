package portsink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duplexio/duplex"
)

type fakeIncoming struct {
	msgs   chan Message
	mu     sync.Mutex
	closed bool
}

func newFakeIncoming() *fakeIncoming {
	return &fakeIncoming{msgs: make(chan Message, 8)}
}

func (f *fakeIncoming) Messages() <-chan Message { return f.msgs }

func (f *fakeIncoming) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
	return nil
}

type fakeOutgoing struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (f *fakeOutgoing) Send(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func TestNew_StreamDeliversIncomingPayloads(t *testing.T) {
	incoming := newFakeIncoming()
	outgoing := &fakeOutgoing{}
	ch := New(incoming, outgoing, true)

	incoming.msgs <- Message{Payload: []byte("one")}
	incoming.msgs <- Message{Payload: []byte("two")}

	events, sub, err := ch.Stream().Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer sub.Cancel()

	for _, want := range []string{"one", "two"} {
		select {
		case ev := <-events:
			if ev.Err != nil || string(ev.Value) != want {
				t.Fatalf("got %+v, want %q", ev, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for payload")
		}
	}
}

func TestNew_SinkForwardsToOutgoing(t *testing.T) {
	incoming := newFakeIncoming()
	outgoing := &fakeOutgoing{}
	ch := New(incoming, outgoing, true)

	if err := ch.Sink().Add([]byte("hi")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	outgoing.mu.Lock()
	defer outgoing.mu.Unlock()
	if len(outgoing.sent) != 1 || string(outgoing.sent[0].Payload) != "hi" {
		t.Fatalf("got %+v", outgoing.sent)
	}
}

func TestNew_CloseClosesIncomingPort(t *testing.T) {
	incoming := newFakeIncoming()
	outgoing := &fakeOutgoing{}
	ch := New(incoming, outgoing, true)

	select {
	case <-ch.Sink().Close():
	case <-time.After(time.Second):
		t.Fatal("Close did not resolve")
	}

	incoming.mu.Lock()
	closed := incoming.closed
	incoming.mu.Unlock()
	if !closed {
		t.Fatal("expected the incoming port to be closed")
	}
}

func TestConnectReceive_HandshakeThenBehavesAsNew(t *testing.T) {
	incoming := newFakeIncoming()
	reply := &fakeOutgoing{}

	ch := ConnectReceive(incoming)
	incoming.msgs <- Message{ReplyTo: reply}
	incoming.msgs <- Message{Payload: []byte("payload")}

	events, sub, err := ch.Stream().Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer sub.Cancel()

	select {
	case ev := <-events:
		if ev.Err != nil || string(ev.Value) != "payload" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-handshake payload")
	}

	if err := ch.Sink().Add([]byte("reply")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	reply.mu.Lock()
	defer reply.mu.Unlock()
	if len(reply.sent) != 1 || string(reply.sent[0].Payload) != "reply" {
		t.Fatalf("got %+v", reply.sent)
	}
}

func TestConnectReceive_MissingReplyToIsProtocolViolation(t *testing.T) {
	incoming := newFakeIncoming()
	ch := ConnectReceive(incoming)
	incoming.msgs <- Message{Payload: []byte("no reply endpoint")}

	events, sub, err := ch.Stream().Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer sub.Cancel()

	select {
	case ev := <-events:
		if !errors.Is(ev.Err, duplex.ErrProtocolViolation) {
			t.Fatalf("expected ErrProtocolViolation, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for protocol violation")
	}
}

func TestConnectSend_SendsHandshakeThenPayload(t *testing.T) {
	peer := &fakeOutgoing{}
	localIncoming := newFakeIncoming()
	localSend := &fakeOutgoing{}

	ch, err := ConnectSend(peer, localIncoming, localSend)
	if err != nil {
		t.Fatalf("ConnectSend: %v", err)
	}

	peer.mu.Lock()
	if len(peer.sent) != 1 || peer.sent[0].ReplyTo != localSend {
		peer.mu.Unlock()
		t.Fatalf("expected handshake message carrying localSend, got %+v", peer.sent)
	}
	peer.mu.Unlock()

	if err := ch.Sink().Add([]byte("data")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.sent) != 2 || string(peer.sent[1].Payload) != "data" {
		t.Fatalf("got %+v", peer.sent)
	}
}
