package multiplex

import (
	"context"
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/duplexio/duplex"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// WireChannel adapts a raw byte channel into a Frame channel by encoding
// and decoding frames as small JSON arrays: [id] for a close notification,
// [id, payload] otherwise, with payload carried verbatim as a raw JSON
// value (it is itself already-encoded JSON produced by a codec transformer
// layered on top of a virtual channel, so it is never re-escaped).
//
// The returned channel does not itself satisfy the full channel contract;
// wrap it with [duplex.Guarantee] before handing it to [New].
func WireChannel(raw duplex.Channel[[]byte]) duplex.Channel[Frame] {
	return duplex.NewChannel[Frame](&wireStream{inner: raw.Stream()}, &wireSink{inner: raw.Sink()})
}

func decodeFrame(b []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := wireJSON.Unmarshal(b, &parts); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", duplex.ErrProtocolViolation, err)
	}
	if len(parts) < 1 || len(parts) > 2 {
		return Frame{}, duplex.ErrProtocolViolation
	}
	var id uint64
	if err := wireJSON.Unmarshal(parts[0], &id); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", duplex.ErrProtocolViolation, err)
	}
	if len(parts) == 1 {
		return Frame{ID: id, Close: true}, nil
	}
	return Frame{ID: id, Payload: []byte(parts[1])}, nil
}

func encodeFrame(f Frame) ([]byte, error) {
	idJSON, err := wireJSON.Marshal(f.ID)
	if err != nil {
		return nil, err
	}
	if f.Close {
		return wireJSON.Marshal([]json.RawMessage{idJSON})
	}
	payload := json.RawMessage(f.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return wireJSON.Marshal([]json.RawMessage{idJSON, payload})
}

type wireStream struct {
	inner duplex.Stream[[]byte]
}

func (s *wireStream) Listen() (<-chan duplex.Event[Frame], duplex.Subscription, error) {
	events, sub, err := s.inner.Listen()
	if err != nil {
		return nil, nil, err
	}

	out := make(chan duplex.Event[Frame])
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Err != nil {
				out <- duplex.Event[Frame]{Err: ev.Err}
				continue
			}
			frame, err := decodeFrame(ev.Value)
			if err != nil {
				out <- duplex.Event[Frame]{Err: err}
				continue
			}
			out <- duplex.Event[Frame]{Value: frame}
		}
	}()
	return out, sub, nil
}

type wireSink struct {
	inner duplex.Sink[[]byte]
}

func (s *wireSink) Add(f Frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return s.inner.Add(b)
}

func (s *wireSink) AddError(err error) error { return s.inner.AddError(err) }

func (s *wireSink) AddStream(ctx context.Context, src duplex.Stream[Frame]) error {
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

func (s *wireSink) Close() <-chan error { return s.inner.Close() }
