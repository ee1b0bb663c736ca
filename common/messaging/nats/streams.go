package nats

import (
	"time"

	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name      string
	Subjects  []string
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

func (s StreamConfig) jetstream() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      s.Name,
		Subjects:  s.Subjects,
		MaxAge:    s.MaxAge,
		MaxBytes:  s.MaxBytes,
		MaxMsgs:   s.MaxMsgs,
		Retention: s.Retention,
		Storage:   s.Storage,
	}
}

// ConsumerConfig defines a durable JetStream consumer.
type ConsumerConfig struct {
	// Name is the durable consumer name.
	Name string

	// FilterSubject filters which messages this consumer receives.
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is maximum delivery attempts; -1 is unlimited.
	MaxDeliver int

	// MaxAckPending caps in-flight messages (the prefetch limit).
	MaxAckPending int
}

func (c ConsumerConfig) jetstream() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Name:          c.Name,
		Durable:       c.Name,
		FilterSubject: c.FilterSubject,
		AckWait:       c.AckWait,
		MaxDeliver:    c.MaxDeliver,
		MaxAckPending: c.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
}

// Predefined stream configurations for LeakHawk.
var (
	// EmbeddingsStream holds embedding jobs until one worker acks them.
	EmbeddingsStream = StreamConfig{
		Name:      messaging.StreamEmbeddings,
		Subjects:  []string{messaging.SubjectEmbeddingsGenerate},
		MaxAge:    24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024, // 256MB
		MaxMsgs:   100000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}

	// WebhooksStream holds pending and parked webhook deliveries.
	WebhooksStream = StreamConfig{
		Name:      messaging.StreamWebhooks,
		Subjects:  []string{messaging.SubjectWebhookDeliveries, messaging.SubjectWebhookRetries},
		MaxAge:    72 * time.Hour,
		MaxBytes:  512 * 1024 * 1024, // 512MB
		MaxMsgs:   1000000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}

	// WebhookDLQStream keeps dead letters for operator inspection.
	WebhookDLQStream = StreamConfig{
		Name:      messaging.StreamWebhookDLQ,
		Subjects:  []string{messaging.SubjectWebhookDeadLetter},
		MaxAge:    30 * 24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   -1,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)

// EmbeddingConsumer is the worker pool's consumer. AckWait must exceed the
// longest upload a worker may hold.
func EmbeddingConsumer(prefetch int, ackWait time.Duration) ConsumerConfig {
	return ConsumerConfig{
		Name:          messaging.ConsumerEmbeddingWorkers,
		FilterSubject: messaging.SubjectEmbeddingsGenerate,
		AckWait:       ackWait,
		MaxDeliver:    3,
		MaxAckPending: prefetch,
	}
}

// WebhookDeliveryConsumer reads first and forwarded delivery attempts.
func WebhookDeliveryConsumer(prefetch int) ConsumerConfig {
	return ConsumerConfig{
		Name:          messaging.ConsumerWebhookDelivery,
		FilterSubject: messaging.SubjectWebhookDeliveries,
		AckWait:       time.Minute,
		MaxDeliver:    3,
		MaxAckPending: prefetch,
	}
}

// WebhookRetryConsumer reads parked retries. Delayed redelivery is how a
// retry waits out its backoff, so deliveries are unlimited.
func WebhookRetryConsumer(prefetch int) ConsumerConfig {
	return ConsumerConfig{
		Name:          messaging.ConsumerWebhookRetry,
		FilterSubject: messaging.SubjectWebhookRetries,
		AckWait:       time.Minute,
		MaxDeliver:    -1,
		MaxAckPending: prefetch,
	}
}
