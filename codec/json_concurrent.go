package codec

import (
	"context"

	"github.com/duplexio/duplex"
	"github.com/duplexio/duplex/pipe"
)

// JSONConcurrentConfig configures JSONConcurrent's decode worker pool.
type JSONConcurrentConfig struct {
	pipe.Config
}

// JSONConcurrent wraps raw the same way JSON does, but decodes incoming
// documents through a bounded worker pool (pipe.NewTransformPipe) instead
// of a single decode goroutine. Use it when raw carries many small
// messages from a high-throughput transport and unmarshal cost, not
// transport I/O, is the bottleneck.
//
// Decode errors do not surface on the returned stream; they are reported to
// cfg.ErrorHandler (slog by default, per pipe.Config), since the worker
// pool has no result to pair a decode failure with once it's been handed
// off for concurrent processing. Use JSON instead if callers need decode
// errors as stream errors. Encoding (the sink side) is unchanged from JSON.
func JSONConcurrent[T any](raw duplex.Channel[[]byte], fallback func(any) ([]byte, error), cfg JSONConcurrentConfig) duplex.Channel[T] {
	decode := pipe.NewTransformPipe(func(_ context.Context, b []byte) (T, error) {
		var v T
		err := defaultJSON.Unmarshal(b, &v)
		return v, err
	}, cfg.Config)

	return duplex.NewChannel[T](
		duplex.PipeStream[[]byte, T](context.Background(), raw.Stream(), decode),
		&jsonSink[T]{inner: raw.Sink(), fallback: fallback},
	)
}
