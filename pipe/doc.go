// Package pipe provides stateful pipeline components with lifecycle management.
//
// Unlike a plain channel transform, a Pipe has configuration, middleware
// support, and tracks whether it has already been started. The root duplex
// package drives a Stream through a Pipe via PipeStream.
//
// # Quick Start
//
//	p := pipe.NewProcessPipe(
//		func(ctx context.Context, in string) ([]int, error) {
//			n, err := strconv.Atoi(in)
//			return []int{n}, err
//		},
//		pipe.Config{Concurrency: 4, BufferSize: 10},
//	)
//	out, _ := p.Pipe(ctx, input)
//
// # Components
//
// Pipes: [NewProcessPipe], [NewTransformPipe]
//
// # Middleware
//
// Pipes support middleware for cross-cutting concerns, applied via
// ApplyMiddleware before the pipe is started:
//
//	p.ApplyMiddleware(middleware.Retry[In, Out](middleware.RetryConfig{MaxAttempts: 3}))
package pipe
