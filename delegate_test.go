package duplex

import (
	"testing"
)

type loudDelegate[T any] struct {
	DelegateChannel[T]
	streamCalls int
}

func (d *loudDelegate[T]) Stream() Stream[T] {
	d.streamCalls++
	return d.DelegateChannel.Stream()
}

func TestDelegateChannel_Forwards(t *testing.T) {
	a, b := NewController[int]()
	d := &DelegateChannel[int]{Inner: a}

	if d.Stream() != a.Stream() {
		t.Fatal("Stream must forward to inner channel")
	}
	if d.Sink() != a.Sink() {
		t.Fatal("Sink must forward to inner channel")
	}

	go func() {
		_ = d.Sink().Add(7)
		<-d.Sink().Close()
	}()

	got, err := collectAll(t, b.Stream())
	if err != nil {
		t.Fatalf("unexpected terminal error: %v", err)
	}
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("got %v", got)
	}
}

func TestDelegateChannel_EmbeddingOverridesOneMethod(t *testing.T) {
	a, _ := NewController[int]()
	d := &loudDelegate[int]{DelegateChannel: DelegateChannel[int]{Inner: a}}

	_ = d.Stream()
	_ = d.Stream()
	if d.streamCalls != 2 {
		t.Fatalf("expected overridden Stream to be invoked, got %d calls", d.streamCalls)
	}
	if d.Sink() != a.Sink() {
		t.Fatal("non-overridden Sink must still forward to inner channel")
	}
}
