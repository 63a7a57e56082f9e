package duplex

import (
	"errors"
	"testing"
	"time"
)

func TestNewController_BidirectionalDelivery(t *testing.T) {
	a, b := NewController[string]()

	go func() {
		_ = a.Sink().Add("to-b")
		_ = b.Sink().Add("to-a")
	}()

	aEvents, aSub, err := a.Stream().Listen()
	if err != nil {
		t.Fatalf("Listen a: %v", err)
	}
	defer aSub.Cancel()

	bEvents, bSub, err := b.Stream().Listen()
	if err != nil {
		t.Fatalf("Listen b: %v", err)
	}
	defer bSub.Cancel()

	select {
	case ev := <-bEvents:
		if ev.Err != nil || ev.Value != "to-b" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a->b delivery")
	}

	select {
	case ev := <-aEvents:
		if ev.Err != nil || ev.Value != "to-a" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for b->a delivery")
	}
}

func TestNewController_CloseTerminatesPeerStream(t *testing.T) {
	a, b := NewController[int]()

	select {
	case <-a.Sink().Close():
	case <-time.After(time.Second):
		t.Fatal("Close did not resolve")
	}

	events, sub, err := b.Stream().Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer sub.Cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected the peer stream to reach terminal")
		}
	case <-time.After(time.Second):
		t.Fatal("peer stream never terminated")
	}
}

func TestNewController_AddAfterCloseFails(t *testing.T) {
	a, _ := NewController[int]()
	<-a.Sink().Close()

	if err := a.Sink().Add(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewController_PreservesOrdering(t *testing.T) {
	a, b := NewController[int]()

	go func() {
		for i := 0; i < 50; i++ {
			_ = a.Sink().Add(i)
		}
		<-a.Sink().Close()
	}()

	got, err := collectAll(t, b.Stream())
	if err != nil {
		t.Fatalf("unexpected terminal error: %v", err)
	}
	if len(got) != 50 {
		t.Fatalf("expected 50 values, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at index %d: got %d", i, v)
		}
	}
}
