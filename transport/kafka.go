package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/duplexio/duplex"
	"github.com/duplexio/duplex/config"
	"github.com/duplexio/duplex/portsink"
)

// LoadKafkaConfig populates a KafkaConfig from environment variables using
// the default loader, e.g. DUPLEX_KAFKA_READ_TOPIC, DUPLEX_KAFKA_CONSUMER_GROUP.
// Brokers is a slice and is not settable this way; set it programmatically.
func LoadKafkaConfig(stage string, base KafkaConfig) (KafkaConfig, error) {
	if err := config.Load(stage, &base); err != nil {
		return KafkaConfig{}, err
	}
	return base, nil
}

// KafkaConfig configures a Kafka-backed channel. Unlike NATS subjects or
// AMQP routing keys, Kafka has no wildcard subscriptions: ReadTopic and
// WriteTopic are both explicit topic names.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// ReadTopic is the topic this endpoint consumes from.
	ReadTopic string

	// WriteTopic is the topic this endpoint produces to.
	WriteTopic string

	// ConsumerGroup is the consumer group id for ReadTopic. Required for
	// production use; without it every instance reads every partition.
	ConsumerGroup string

	// BufferSize is the channel buffer size for received messages.
	// Default is 256.
	BufferSize int

	// StartOffset controls where to start reading when no committed offset
	// exists. Default is kafka.LastOffset (only new messages).
	StartOffset int64

	// CommitInterval is how often to auto-commit offsets. Default is 1s.
	CommitInterval time.Duration

	// MaxWait is the maximum time to wait for new messages. Default is 1s.
	MaxWait time.Duration

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c KafkaConfig) applyDefaults() KafkaConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.StartOffset == 0 {
		c.StartOffset = kafka.LastOffset
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NewKafkaChannel consumes config.ReadTopic under config.ConsumerGroup and
// produces to config.WriteTopic. Partition assignment, ordering guarantees
// (per-partition only), and offset commits are managed by the underlying
// kafka.Reader.
func NewKafkaChannel(config KafkaConfig) (duplex.Channel[[]byte], error) {
	config = config.applyDefaults()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		GroupTopics:    []string{config.ReadTopic},
		StartOffset:    config.StartOffset,
		CommitInterval: config.CommitInterval,
		MaxWait:        config.MaxWait,
	})

	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.Brokers...),
		Topic:    config.WriteTopic,
		Balancer: &kafka.LeastBytes{},
	}

	incoming := &kafkaIncomingPort{
		reader: reader,
		msgs:   make(chan portsink.Message, config.BufferSize),
		stop:   make(chan struct{}),
		logger: config.Logger,
	}
	go incoming.pump()

	outgoing := &kafkaOutgoingPort{writer: writer}
	return portsink.New(incoming, withSendRetry(outgoing, defaultSendRetry), true), nil
}

type kafkaIncomingPort struct {
	reader *kafka.Reader
	msgs   chan portsink.Message
	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (p *kafkaIncomingPort) pump() {
	defer close(p.msgs)
	for {
		m, err := p.reader.ReadMessage(context.Background())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, kafka.ErrGroupClosed) {
				p.logger.Warn("kafka read failed", "error", err)
			}
			return
		}
		select {
		case p.msgs <- portsink.Message{Payload: m.Value}:
		case <-p.stop:
			return
		}
	}
}

func (p *kafkaIncomingPort) Messages() <-chan portsink.Message { return p.msgs }

func (p *kafkaIncomingPort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.stop)
		err = p.reader.Close()
	})
	return err
}

type kafkaOutgoingPort struct {
	writer *kafka.Writer
}

func (p *kafkaOutgoingPort) Send(msg portsink.Message) error {
	return p.writer.WriteMessages(context.Background(), kafka.Message{Value: msg.Payload})
}
