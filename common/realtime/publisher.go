package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/redis/go-redis/v9"
)

// Envelope is the wire format on every channel.
type Envelope struct {
	CompanyID string          `json:"companyId"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  EnvelopeMeta    `json:"_metadata"`
}

// EnvelopeMeta records how the envelope was published.
type EnvelopeMeta struct {
	PublishedAt time.Time `json:"publishedAt"`
	Attempt     int       `json:"attempt"`
	Channel     string    `json:"channel"`
}

// Emitter publishes company-scoped events. Callers must tolerate errors
// without aborting their own work.
type Emitter interface {
	Publish(ctx context.Context, channel, companyID, event string, data any) error
}

// Publisher is the Redis-backed Emitter.
type Publisher struct {
	rdb     redis.UniversalClient
	retries int
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger
	onFail  func(channel string)
}

// NewPublisher creates a publisher with the configured retry policy.
func NewPublisher(rdb redis.UniversalClient, cfg config.RealtimeConfig) *Publisher {
	p := &Publisher{
		rdb:     rdb,
		retries: cfg.PublishRetries,
		timeout: cfg.PublishTimeout,
		backoff: cfg.RetryBackoff,
		logger:  logging.Component("realtime"),
	}
	if p.retries <= 0 {
		p.retries = 3
	}
	if p.timeout <= 0 {
		p.timeout = 2 * time.Second
	}
	return p
}

// OnFailure registers a hook called when a publish exhausts its retries.
func (p *Publisher) OnFailure(fn func(channel string)) {
	p.onFail = fn
}

// Publish sends data to channel, retrying each attempt under its own timeout.
func (p *Publisher) Publish(ctx context.Context, channel, companyID, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		payload, err := json.Marshal(Envelope{
			CompanyID: companyID,
			Event:     event,
			Data:      raw,
			Metadata: EnvelopeMeta{
				PublishedAt: time.Now().UTC(),
				Attempt:     attempt,
				Channel:     channel,
			},
		})
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		lastErr = p.rdb.Publish(attemptCtx, channel, payload).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}

		p.logger.Debug("realtime publish attempt failed",
			slog.String("channel", channel),
			logging.Attempt(attempt),
			logging.Error(lastErr))
		if attempt < p.retries && p.backoff > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.backoff * time.Duration(attempt)):
			}
		}
	}

	if p.onFail != nil {
		p.onFail(channel)
	}
	return fmt.Errorf("publish %s to %s: %w", event, channel, lastErr)
}
