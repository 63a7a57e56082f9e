package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/duplexio/duplex"
	"github.com/duplexio/duplex/config"
	"github.com/duplexio/duplex/portsink"
)

// LoadRedisConfig populates a RedisConfig from environment variables using
// the default loader, e.g. DUPLEX_REDIS_ADDR, DUPLEX_REDIS_SUBSCRIBE_CHANNEL.
func LoadRedisConfig(stage string, base RedisConfig) (RedisConfig, error) {
	if err := config.Load(stage, &base); err != nil {
		return RedisConfig{}, err
	}
	return base, nil
}

// RedisConfig configures a Redis pub/sub-backed channel.
type RedisConfig struct {
	// Addr is the Redis server address, e.g. "localhost:6379".
	Addr string

	// Password, if non-empty, authenticates the connection.
	Password string

	// DB selects the Redis logical database.
	DB int

	// SubscribeChannel is the pub/sub channel this endpoint subscribes to.
	SubscribeChannel string

	// PublishChannel is the pub/sub channel this endpoint publishes to.
	PublishChannel string

	// BufferSize is the channel buffer size for received messages.
	// Default is 256.
	BufferSize int

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c RedisConfig) applyDefaults() RedisConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NewRedisChannel subscribes to config.SubscribeChannel and publishes to
// config.PublishChannel over a single Redis client. Pub/sub delivery is
// at-most-once: a subscriber that is briefly disconnected misses messages
// published during the gap.
func NewRedisChannel(config RedisConfig) (duplex.Channel[[]byte], error) {
	config = config.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sub := client.Subscribe(ctx, config.SubscribeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		sub.Close()
		client.Close()
		return nil, fmt.Errorf("transport: subscribe to %s: %w", config.SubscribeChannel, err)
	}

	incoming := &redisIncomingPort{
		client: client,
		sub:    sub,
		cancel: cancel,
		msgs:   make(chan portsink.Message, config.BufferSize),
		stop:   make(chan struct{}),
		logger: config.Logger,
	}
	go incoming.pump()

	outgoing := &redisOutgoingPort{client: client, channel: config.PublishChannel}
	return portsink.New(incoming, withSendRetry(outgoing, defaultSendRetry), true), nil
}

type redisIncomingPort struct {
	client *redis.Client
	sub    *redis.PubSub
	cancel context.CancelFunc
	msgs   chan portsink.Message
	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (p *redisIncomingPort) pump() {
	defer close(p.msgs)
	ch := p.sub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			select {
			case p.msgs <- portsink.Message{Payload: []byte(m.Payload)}:
			case <-p.stop:
				return
			}
		case <-p.stop:
			return
		}
	}
}

func (p *redisIncomingPort) Messages() <-chan portsink.Message { return p.msgs }

func (p *redisIncomingPort) Close() error {
	p.once.Do(func() {
		close(p.stop)
		p.cancel()
		if err := p.sub.Close(); err != nil {
			p.logger.Warn("redis unsubscribe failed", "error", err)
		}
		p.client.Close()
	})
	return nil
}

type redisOutgoingPort struct {
	client  *redis.Client
	channel string
}

func (p *redisOutgoingPort) Send(msg portsink.Message) error {
	return p.client.Publish(context.Background(), p.channel, msg.Payload).Err()
}
