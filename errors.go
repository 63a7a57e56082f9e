package duplex

import "errors"

// Programming errors: raised synchronously from the operation that violates
// the channel contract. Never swallowed.
var (
	// ErrClosed is returned by Add/AddError/AddStream after Close has been
	// called on the sink.
	ErrClosed = errors.New("duplex: sink closed")

	// ErrPumping is returned by any sink mutator invoked while an AddStream
	// pump is in progress on that sink.
	ErrPumping = errors.New("duplex: sink is pumping a stream")

	// ErrAlreadyListening is returned by a second call to Stream.Listen.
	ErrAlreadyListening = errors.New("duplex: stream already has a subscriber")

	// ErrAlreadySet is returned by a second call to Completer.SetChannel or
	// Completer.SetError.
	ErrAlreadySet = errors.New("duplex: completer already resolved")

	// ErrDuplicateID is returned by Multiplexer.Open when the requested
	// input id is already registered.
	ErrDuplicateID = errors.New("duplex: virtual channel id already in use")

	// ErrMultiplexerClosed is returned by Multiplexer.Open once the
	// underlying channel has torn down.
	ErrMultiplexerClosed = errors.New("duplex: multiplexer closed")
)

// ErrProtocolViolation marks a handshake or framing failure: an unexpected
// first message on a port-sink handshake, or a malformed multiplexer frame.
// A failed handshake surfaces once as a stream error followed by terminal
// closure; a malformed frame surfaces as a stream error and is skipped, and
// the stream goes on delivering later frames.
var ErrProtocolViolation = errors.New("duplex: protocol violation")
