// Package deadletter parks file events the worker can no longer retry:
// malformed events and events whose redelivery budget ran out. Parked events
// live on their own JetStream stream until an operator inspects or replays
// them.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/batchline-systems/batchline/internal/messaging/nats"
	"github.com/batchline-systems/batchline/internal/models"
)

// Park reasons. The reason is the final subject token, so operators can
// subscribe to one class of failure.
const (
	ReasonMalformed = "malformed_event"
	ReasonExhausted = "exhausted"
)

// ParkedEvent is the stored record of one parked file event. Raw always
// carries the original message bytes; Event is set only when they parsed.
type ParkedEvent struct {
	ParkedAt time.Time            `json:"parked_at"`
	Reason   string               `json:"reason"`
	Error    string               `json:"error"`
	Attempts int                  `json:"attempts"`
	Event    *models.FileIngested `json:"event,omitempty"`
	Raw      json.RawMessage      `json:"raw,omitempty"`
}

// Queue is a JetStream-backed dead letter queue, shared by all worker
// instances.
type Queue struct {
	js     *nats.JetStreamClient
	stream jetstream.Stream
	parked uint64
}

// NewQueue creates the dead letter queue, ensuring its stream exists.
func NewQueue(ctx context.Context, js *nats.JetStreamClient) (*Queue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DeadLetterStream)
	if err != nil {
		return nil, fmt.Errorf("create dead letter stream: %w", err)
	}

	return &Queue{js: js, stream: stream}, nil
}

// Park writes one failed event to the queue. The write is synchronous; a nil
// return means the broker has the record and the caller may acknowledge the
// original message.
func (q *Queue) Park(ctx context.Context, raw []byte, event *models.FileIngested, cause error, reason string, attempts int) error {
	if q == nil {
		return nil
	}

	parked := ParkedEvent{
		ParkedAt: time.Now().UTC(),
		Reason:   reason,
		Error:    cause.Error(),
		Attempts: attempts,
		Event:    event,
		Raw:      raw,
	}

	data, err := json.Marshal(parked)
	if err != nil {
		return fmt.Errorf("marshal parked event: %w", err)
	}

	subject := "dlq.files." + reason
	if _, err := q.js.PublishSync(ctx, subject, data); err != nil {
		return fmt.Errorf("publish parked event: %w", err)
	}

	atomic.AddUint64(&q.parked, 1)
	return nil
}

// List reads up to limit parked events without consuming them.
func (q *Queue) List(ctx context.Context, limit int) ([]ParkedEvent, error) {
	if q == nil {
		return nil, fmt.Errorf("dead letter queue not enabled")
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: "dlq.files.>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch parked events: %w", err)
	}

	var events []ParkedEvent
	for msg := range msgs.Messages() {
		var parked ParkedEvent
		if err := json.Unmarshal(msg.Data(), &parked); err != nil {
			continue
		}
		events = append(events, parked)
	}
	if err := msgs.Error(); err != nil && len(events) == 0 {
		return nil, fmt.Errorf("fetch parked events: %w", err)
	}
	return events, nil
}

// Stats reports the queue's stream state for the ops surface.
func (q *Queue) Stats(ctx context.Context) (map[string]any, error) {
	if q == nil {
		return map[string]any{"enabled": false}, nil
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("dead letter stream info: %w", err)
	}

	return map[string]any{
		"enabled":        true,
		"parked_local":   atomic.LoadUint64(&q.parked),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}, nil
}
