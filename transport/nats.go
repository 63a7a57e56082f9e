package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/duplexio/duplex"
	"github.com/duplexio/duplex/config"
	"github.com/duplexio/duplex/portsink"
)

// LoadNATSConfig populates a NATSConfig from environment variables using
// the default loader, e.g. DUPLEX_NATS_URL, DUPLEX_NATS_SUBJECT,
// DUPLEX_NATS_BUFFER_SIZE. Fields left unset in the environment keep
// whatever value base already has.
func LoadNATSConfig(stage string, base NATSConfig) (NATSConfig, error) {
	if err := config.Load(stage, &base); err != nil {
		return NATSConfig{}, err
	}
	return base, nil
}

// NATSConfig configures a NATS-backed channel.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://localhost:4222".
	URL string

	// Subject is the subject this endpoint subscribes to.
	Subject string

	// ReplySubject is the subject this endpoint publishes to.
	ReplySubject string

	// Queue is the optional queue group for load-balanced delivery.
	Queue string

	// BufferSize is the channel buffer size for received messages.
	// Default is 256.
	BufferSize int

	// ConnectTimeout is the timeout for initial connection. Default is 5s.
	ConnectTimeout time.Duration

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c NATSConfig) applyDefaults() NATSConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NewNATSChannel subscribes to config.Subject and publishes to
// config.ReplySubject over a single NATS connection.
func NewNATSChannel(config NATSConfig) (duplex.Channel[[]byte], error) {
	config = config.applyDefaults()

	conn, err := nats.Connect(config.URL, nats.Timeout(config.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("transport: connect to NATS: %w", err)
	}

	msgCh := make(chan *nats.Msg, config.BufferSize)
	var sub *nats.Subscription
	if config.Queue != "" {
		sub, err = conn.ChanQueueSubscribe(config.Subject, config.Queue, msgCh)
	} else {
		sub, err = conn.ChanSubscribe(config.Subject, msgCh)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: subscribe to %s: %w", config.Subject, err)
	}

	incoming := &natsIncomingPort{
		conn:   conn,
		sub:    sub,
		msgs:   make(chan portsink.Message, config.BufferSize),
		stop:   make(chan struct{}),
		logger: config.Logger,
	}
	go incoming.pump(msgCh)

	outgoing := &natsOutgoingPort{conn: conn, subject: config.ReplySubject}
	return portsink.New(incoming, withSendRetry(outgoing, defaultSendRetry), true), nil
}

type natsIncomingPort struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	msgs   chan portsink.Message
	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (p *natsIncomingPort) pump(msgCh chan *nats.Msg) {
	defer close(p.msgs)
	for {
		select {
		case m, ok := <-msgCh:
			if !ok {
				return
			}
			select {
			case p.msgs <- portsink.Message{Payload: m.Data}:
			case <-p.stop:
				return
			}
		case <-p.stop:
			return
		}
	}
}

func (p *natsIncomingPort) Messages() <-chan portsink.Message { return p.msgs }

func (p *natsIncomingPort) Close() error {
	p.once.Do(func() {
		close(p.stop)
		if err := p.sub.Unsubscribe(); err != nil {
			p.logger.Warn("nats unsubscribe failed", "error", err)
		}
		p.conn.Close()
	})
	return nil
}

type natsOutgoingPort struct {
	conn    *nats.Conn
	subject string
}

func (p *natsOutgoingPort) Send(msg portsink.Message) error {
	return p.conn.Publish(p.subject, msg.Payload)
}
