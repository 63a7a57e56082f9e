package multiplex

import (
	"sync"

	"github.com/duplexio/duplex"
)

// Multiplexer carries many virtual channels over one underlying channel of
// Frames. It registers the default virtual channel, id 0, at construction.
type Multiplexer struct {
	underlying duplex.Channel[Frame]

	mu      sync.Mutex
	nextID  uint64
	closed  bool
	entries map[uint64]*virtualEntry
}

// New wraps underlying, which must already satisfy the full channel
// contract (compose it with [duplex.Guarantee] first if it doesn't).
func New(underlying duplex.Channel[Frame]) *Multiplexer {
	m := &Multiplexer{
		underlying: underlying,
		nextID:     1,
		entries:    map[uint64]*virtualEntry{},
	}
	def := newVirtualEntry(0, 0)
	m.entries[0] = def

	go m.pump(def)
	go m.receive()
	return m
}

// Default returns the default virtual channel, id 0, present on both ends
// without a handshake.
func (m *Multiplexer) Default() *Virtual {
	m.mu.Lock()
	entry := m.entries[0]
	m.mu.Unlock()
	return &Virtual{Channel: entry.channel, id: entry.outputID, correlationID: entry.correlationID, mux: m}
}

// Open creates a new virtual channel. With id == nil, it assigns a fresh
// odd id from this endpoint's counter. With id non-nil, it adopts a
// remote-originated id: input id becomes *id, output id becomes *id + 1.
func (m *Multiplexer) Open(id *uint64) (*Virtual, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, duplex.ErrMultiplexerClosed
	}

	var inputID, outputID uint64
	if id == nil {
		outputID = m.nextID
		inputID = m.nextID + 1
		m.nextID += 2
	} else {
		inputID = *id
		outputID = *id + 1
	}

	if _, exists := m.entries[inputID]; exists {
		m.mu.Unlock()
		return nil, duplex.ErrDuplicateID
	}

	entry := newVirtualEntry(inputID, outputID)
	m.entries[inputID] = entry
	m.mu.Unlock()

	go m.pump(entry)

	return &Virtual{Channel: entry.channel, id: outputID, correlationID: entry.correlationID, mux: m}, nil
}

// Stats is a point-in-time snapshot of the multiplexer's registry.
type Stats struct {
	Open   int
	NextID uint64
}

// Stats returns a snapshot of how many virtual channels are currently
// registered and the next id this endpoint will assign.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Open: len(m.entries), NextID: m.nextID}
}

// receive runs for the lifetime of the multiplexer, dispatching inbound
// frames to their registered virtual channel and cascading teardown once
// the underlying stream reaches its terminal.
func (m *Multiplexer) receive() {
	events, sub, err := m.underlying.Stream().Listen()
	if err != nil {
		m.teardown()
		return
	}
	defer sub.Cancel()

	for ev := range events {
		if ev.Err != nil {
			m.deliverToDefault(duplex.Event[[]byte]{Err: ev.Err})
			continue
		}

		frame := ev.Value
		m.mu.Lock()
		entry, ok := m.entries[frame.ID]
		m.mu.Unlock()
		if !ok {
			continue // late arrival after close, or unknown id: drop
		}

		if frame.Close {
			entry.incoming.Close()
			m.mu.Lock()
			delete(m.entries, frame.ID)
			m.mu.Unlock()
			continue
		}
		entry.incoming.Push(duplex.Event[[]byte]{Value: frame.Payload})
	}

	m.teardown()
}

func (m *Multiplexer) deliverToDefault(ev duplex.Event[[]byte]) {
	m.mu.Lock()
	entry, ok := m.entries[0]
	m.mu.Unlock()
	if ok {
		entry.incoming.Push(ev)
	}
}

// teardown cascades the underlying stream's terminal to every registered
// virtual channel: every incoming sink is closed (so its stream emits
// terminal) and every outgoing sink-source is closed (so its pump stops
// without emitting a close frame, since the underlying sink is gone).
func (m *Multiplexer) teardown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := m.entries
	m.entries = nil
	m.mu.Unlock()

	for _, entry := range entries {
		entry.incoming.Close()
		entry.outgoing.Close()
	}
}

// pump is the send-path goroutine for one virtual channel: it reads from
// the channel's outgoing queue and writes framed payloads to the
// underlying sink, emitting a one-shot close frame and unregistering once
// the local sink is closed.
func (m *Multiplexer) pump(entry *virtualEntry) {
	for {
		ev, ok := entry.outgoing.Pop()
		if !ok {
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if !closed {
				_ = m.underlying.Sink().Add(Frame{ID: entry.outputID, Close: true})
			}
			m.unregister(entry.inputID)
			return
		}
		if ev.Err != nil {
			continue // virtual channels cannot transmit errors as values
		}
		if err := m.underlying.Sink().Add(Frame{ID: entry.outputID, Payload: ev.Value}); err != nil {
			return
		}
	}
}

func (m *Multiplexer) unregister(inputID uint64) {
	m.mu.Lock()
	if m.entries != nil {
		delete(m.entries, inputID)
	}
	empty := m.entries != nil && len(m.entries) == 0
	closed := m.closed
	m.mu.Unlock()

	if empty && !closed {
		<-m.underlying.Sink().Close()
	}
}
