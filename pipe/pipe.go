package pipe

import (
	"context"
	"sync"

	"github.com/duplexio/duplex/pipe/middleware"
)

// Pipe represents a complete processing pipeline that transforms input values to output values.
// It combines preprocessing with a ProcessFunc and configuration.
type Pipe[In, Out any] interface {
	// Pipe begins processing items from the input channel and returns a channel for outputs.
	// Processing continues until the input channel is closed or the context is canceled.
	// Returns ErrAlreadyStarted if the pipe has already been started.
	Pipe(ctx context.Context, in <-chan In) (<-chan Out, error)
}

// NewProcessPipe creates a Pipe that can transform each input into multiple outputs.
// Unlike NewTransformPipe, this can produce zero, one, or many outputs for each input.
// The handle function receives a context and input item, and returns a slice of outputs or an error.
// Use ApplyMiddleware on the returned *ProcessPipe to add middleware.
func NewProcessPipe[In, Out any](
	handle func(context.Context, In) ([]Out, error),
	cfg Config,
) *ProcessPipe[In, Out] {
	return &ProcessPipe[In, Out]{
		handle: handle,
		cfg:    cfg,
	}
}

// NewTransformPipe creates a Pipe that transforms each input into exactly one output.
// Unlike NewProcessPipe, this always produces exactly one output for each successful input.
// The handle function receives a context and input item, and returns a single output or an error.
// Use ApplyMiddleware on the returned *ProcessPipe to add middleware.
func NewTransformPipe[In, Out any](
	handle func(context.Context, In) (Out, error),
	cfg Config,
) *ProcessPipe[In, Out] {
	fn := func(ctx context.Context, in In) ([]Out, error) {
		out, err := handle(ctx, in)
		if err != nil {
			return nil, err
		}
		return []Out{out}, nil
	}
	return NewProcessPipe(fn, cfg)
}

// ProcessPipe is a Pipe that processes individual items using a ProcessFunc.
type ProcessPipe[In, Out any] struct {
	handle ProcessFunc[In, Out]
	cfg    Config
	mw     []middleware.Middleware[In, Out]

	mu      sync.Mutex
	started bool
}

// Pipe begins processing items from the input channel.
// Returns ErrAlreadyStarted if the pipe has already been started.
func (p *ProcessPipe[In, Out]) Pipe(ctx context.Context, in <-chan In) (<-chan Out, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil, ErrAlreadyStarted
	}
	p.started = true
	handle := applyMiddleware(p.handle, p.mw)
	return startProcessing(ctx, in, handle, p.cfg), nil
}

// ApplyMiddleware adds middleware to the processing chain.
// Middleware is applied in the order it is added.
// Returns ErrAlreadyStarted if the pipe has already been started.
func (p *ProcessPipe[In, Out]) ApplyMiddleware(mw ...middleware.Middleware[In, Out]) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.mw = append(p.mw, mw...)
	return nil
}

func applyMiddleware[In, Out any](fn ProcessFunc[In, Out], mw []middleware.Middleware[In, Out]) ProcessFunc[In, Out] {
	for i := len(mw) - 1; i >= 0; i-- {
		fn = ProcessFunc[In, Out](mw[i](middleware.ProcessFunc[In, Out](fn)))
	}
	return fn
}
