package messaging

// Subject constants for the LeakHawk message bus.
const (
	// SubjectEmbeddingsGenerate carries EmbeddingJob messages.
	SubjectEmbeddingsGenerate = "embeddings.generate"

	// Webhook delivery pipeline, all carrying WebhookDelivery (dead letters carry DeadLetter).
	SubjectWebhookDeliveries = "webhook.deliveries"
	SubjectWebhookRetries    = "webhook.retries"
	SubjectWebhookDeadLetter = "webhook.dead_letter"
)

// Stream names.
const (
	StreamEmbeddings = "EMBEDDINGS"
	StreamWebhooks   = "WEBHOOKS"
	StreamWebhookDLQ = "WEBHOOK_DLQ"
)

// Durable consumer names.
const (
	ConsumerEmbeddingWorkers = "embedding-workers"
	ConsumerWebhookDelivery  = "webhook-delivery"
	ConsumerWebhookRetry     = "webhook-retry"
)

// Header names set on published messages.
const (
	HeaderMsgID = "Nats-Msg-Id"
)
