// Package messaging provides abstractions for message broker communication.
// It defines interfaces that allow services to publish and consume queue
// messages without being coupled to a specific broker implementation.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	// ID is the broker-assigned or publisher-assigned message identifier.
	ID string

	// Subject is the topic/channel the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// NumDelivered counts broker redeliveries, starting at 1.
	NumDelivered uint64

	// Timestamp is when the message was published.
	Timestamp time.Time
}

// MessageHandler processes a received message. A nil return acknowledges the
// message. A *DelayError asks for redelivery after the delay. Any other error
// terminates the message without broker-level redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// Publisher publishes durable messages to subjects.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, subject string, data []byte) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, subject string, data []byte) error {
	return f(ctx, subject, data)
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.Publish(ctx, subject, data)
}

// DelayError asks the consumer loop to redeliver the message after Delay
// instead of acknowledging or terminating it.
type DelayError struct {
	Delay time.Duration
}

func (e *DelayError) Error() string {
	return fmt.Sprintf("redeliver in %s", e.Delay)
}

// Redeliver returns a *DelayError for d.
func Redeliver(d time.Duration) error {
	return &DelayError{Delay: d}
}

// AsDelay reports whether err requests delayed redelivery.
func AsDelay(err error) (time.Duration, bool) {
	var de *DelayError
	if errors.As(err, &de) {
		return de.Delay, true
	}
	return 0, false
}
