// Package messaging provides abstractions for message broker communication.
// It defines interfaces that allow pipeline components to publish and consume
// events without being coupled to a specific broker implementation.
package messaging

import (
	"context"
	"time"
)

// Message represents a message received from or sent to the broker.
type Message struct {
	// Subject is the topic the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Reply is an optional subject for request/reply patterns.
	Reply string

	// Metadata contains optional key-value pairs from message headers.
	Metadata map[string]string

	// Timestamp is when the message was received by this process.
	Timestamp time.Time

	// Attempt is the delivery count for durable consumers (1 for the first
	// delivery). Core subscriptions always report 1.
	Attempt int
}

// MessageHandler processes a received message.
// Returning an error signals processing failure; durable consumers will
// redeliver the message after the negative-acknowledgment delay.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription to a subject.
type Subscription interface {
	// Unsubscribe stops receiving messages on this subscription.
	Unsubscribe() error

	// Subject returns the subject this subscription is listening to.
	Subject() string

	// IsValid returns true if the subscription is still active.
	IsValid() bool
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a fire-and-forget message to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases any resources held by the publisher.
	Close() error
}

// Subscriber subscribes to messages on subjects.
type Subscriber interface {
	// Subscribe creates a subscription to the specified subject.
	// Each subscriber receives all messages (fan-out).
	Subscribe(subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across subscribers in the same queue group.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)

	// Close releases any resources and unsubscribes all active subscriptions.
	Close() error
}

// Client combines Publisher and Subscriber interfaces.
type Client interface {
	Publisher
	Subscriber

	// Drain gracefully closes the connection, allowing in-flight messages to complete.
	Drain() error

	// IsConnected returns true if the client is connected to the broker.
	IsConnected() bool
}
