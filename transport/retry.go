package transport

import (
	"context"
	"time"

	"github.com/duplexio/duplex/pipe/middleware"
	"github.com/duplexio/duplex/portsink"
)

// RetryConfig governs how send failures are retried before being surfaced
// to the channel's sink. The zero value makes up to three attempts in total,
// retrying every error with a one-second constant backoff (±20% jitter),
// within an overall limit of one minute.
type RetryConfig = middleware.RetryConfig

// withSendRetry wraps an OutgoingPort's Send so that transient broker or
// network errors are retried with backoff before being returned to the
// channel's Add/AddStream caller.
func withSendRetry(port OutgoingPort, cfg RetryConfig) OutgoingPort {
	send := middleware.Retry[portsink.Message, struct{}](cfg)(func(ctx context.Context, msg portsink.Message) ([]struct{}, error) {
		return nil, port.Send(msg)
	})
	return &retryingPort{send: send}
}

// OutgoingPort mirrors portsink.OutgoingPort so this file does not need to
// import portsink in every adapter's public surface.
type OutgoingPort = portsink.OutgoingPort

type retryingPort struct {
	send middleware.ProcessFunc[portsink.Message, struct{}]
}

func (p *retryingPort) Send(msg portsink.Message) error {
	_, err := p.send(context.Background(), msg)
	return err
}

var defaultSendRetry = RetryConfig{
	MaxAttempts: 3,
	Backoff:     middleware.ConstantBackoff(time.Second, 0.2),
}
