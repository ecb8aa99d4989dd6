// JetStream support for durable, persistent event streams.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/batchline-systems/batchline/internal/messaging"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects this stream captures.
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// ConsumerConfig defines a JetStream consumer configuration.
type ConsumerConfig struct {
	// Name is the durable consumer name.
	Name string

	// FilterSubject filters which messages this consumer receives.
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is maximum delivery attempts before the server stops
	// redelivering. Consumers that want a dead letter record must park the
	// message themselves on the final attempt.
	MaxDeliver int

	// MaxAckPending is maximum unacknowledged messages.
	MaxAckPending int
}

// DefaultConsumerConfig returns sensible defaults for a consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 100,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable consumer.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}

	return consumer, nil
}

// PublishSync publishes a message and waits for the stream's acknowledgment.
// Callers that need publish-or-rollback semantics must use this, never the
// core Publish, so a broker-side failure is surfaced before commit.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	return c.js.Publish(ctx, subject, data)
}

// ConsumeMessages starts consuming messages from a durable consumer.
// A nil handler return acknowledges the message; an error return negatively
// acknowledges it with nakDelay, scheduling redelivery. The handler sees the
// server-side delivery count in msg.Attempt and can park exhausted messages
// before returning nil.
// Returns a stop function.
func (c *JetStreamClient) ConsumeMessages(ctx context.Context, streamName, consumerName string, nakDelay time.Duration, handler messaging.MessageHandler) (func(), error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.Consumer(ctx, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", consumerName, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		m := &messaging.Message{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			Attempt:   1,
		}

		if md, err := msg.Metadata(); err == nil {
			m.Attempt = int(md.NumDelivered)
		}

		if headers := msg.Headers(); headers != nil {
			m.Metadata = make(map[string]string)
			for k := range headers {
				m.Metadata[k] = headers.Get(k)
			}
		}

		if err := handler(consumeCtx, m); err != nil {
			_ = msg.NakWithDelay(nakDelay)
			return
		}

		_ = msg.Ack()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return func() {
		cancel()
		cons.Stop()
	}, nil
}

// Predefined stream configurations for the pipeline.
var (
	// FileEventsStream is the durable, replayable log of ingested files.
	// Limits retention keeps events for a week regardless of consumer acks,
	// so operators can replay against a fresh consumer.
	FileEventsStream = StreamConfig{
		Name:      "FILE_EVENTS",
		Subjects:  []string{"files.>"},
		MaxAge:    168 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   1000000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}

	// NotifyEventsStream carries record-change wake-up events for the
	// dispatcher. Short retention; the deliveries table is authoritative.
	NotifyEventsStream = StreamConfig{
		Name:      "NOTIFY_EVENTS",
		Subjects:  []string{"notify.>"},
		MaxAge:    24 * time.Hour,
		MaxBytes:  100 * 1024 * 1024, // 100MB
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}

	// DeadLetterStream parks file events whose broker redelivery budget is
	// exhausted. Nothing expires quickly here; these require operator action.
	DeadLetterStream = StreamConfig{
		Name:      "INGEST_DLQ",
		Subjects:  []string{"dlq.>"},
		MaxAge:    30 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024, // 256MB
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)
