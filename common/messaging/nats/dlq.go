package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/nats-io/nats.go/jetstream"
)

// StoredDeadLetter is a dead letter together with its stream sequence.
type StoredDeadLetter struct {
	Sequence uint64 `json:"sequence"`
	messaging.DeadLetter
}

// DLQStats summarizes the dead-letter stream.
type DLQStats struct {
	Messages  uint64    `json:"total_messages"`
	Bytes     uint64    `json:"total_bytes"`
	FirstSeq  uint64    `json:"first_seq"`
	LastSeq   uint64    `json:"last_seq"`
	FirstTime time.Time `json:"first_time"`
	LastTime  time.Time `json:"last_time"`
}

// DeadLetters inspects and replays the webhook dead-letter stream.
type DeadLetters struct {
	m *Manager
}

// NewDeadLetters returns a DeadLetters bound to m.
func NewDeadLetters(m *Manager) *DeadLetters {
	return &DeadLetters{m: m}
}

func (d *DeadLetters) stream(ctx context.Context) (jetstream.JetStream, jetstream.Stream, error) {
	js, err := d.m.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	s, err := js.Stream(ctx, messaging.StreamWebhookDLQ)
	if err != nil {
		return nil, nil, fmt.Errorf("get dlq stream: %w", err)
	}
	return js, s, nil
}

// Stats returns dead-letter stream counters.
func (d *DeadLetters) Stats(ctx context.Context) (DLQStats, error) {
	_, s, err := d.stream(ctx)
	if err != nil {
		return DLQStats{}, err
	}
	info, err := s.Info(ctx)
	if err != nil {
		return DLQStats{}, fmt.Errorf("dlq stream info: %w", err)
	}
	return DLQStats{
		Messages:  info.State.Msgs,
		Bytes:     info.State.Bytes,
		FirstSeq:  info.State.FirstSeq,
		LastSeq:   info.State.LastSeq,
		FirstTime: info.State.FirstTime,
		LastTime:  info.State.LastTime,
	}, nil
}

// List returns up to limit dead letters, oldest first, without consuming them.
func (d *DeadLetters) List(ctx context.Context, limit int) ([]StoredDeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	js, _, err := d.stream(ctx)
	if err != nil {
		return nil, err
	}

	cons, err := js.OrderedConsumer(ctx, messaging.StreamWebhookDLQ, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messaging.SubjectWebhookDeadLetter},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	batch, err := cons.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch dead letters: %w", err)
	}

	var out []StoredDeadLetter
	for msg := range batch.Messages() {
		var dl messaging.DeadLetter
		if err := json.Unmarshal(msg.Data(), &dl); err != nil {
			d.m.logger.Warn("skipping malformed dead letter", "error", err)
			continue
		}
		var seq uint64
		if meta, err := msg.Metadata(); err == nil {
			seq = meta.Sequence.Stream
		}
		out = append(out, StoredDeadLetter{Sequence: seq, DeadLetter: dl})
	}
	return out, nil
}

// Replay republishes the dead letter at seq as a fresh first attempt and
// removes it from the stream.
func (d *DeadLetters) Replay(ctx context.Context, seq uint64) (messaging.WebhookDelivery, error) {
	_, s, err := d.stream(ctx)
	if err != nil {
		return messaging.WebhookDelivery{}, err
	}

	raw, err := s.GetMsg(ctx, seq)
	if err != nil {
		return messaging.WebhookDelivery{}, fmt.Errorf("get dead letter %d: %w", seq, err)
	}
	var dl messaging.DeadLetter
	if err := json.Unmarshal(raw.Data, &dl); err != nil {
		return messaging.WebhookDelivery{}, fmt.Errorf("decode dead letter %d: %w", seq, err)
	}

	delivery := dl.Delivery
	delivery.Attempt = 1
	delivery.RetryAt = nil
	if err := messaging.PublishJSON(ctx, d.m, messaging.SubjectWebhookDeliveries, delivery); err != nil {
		return messaging.WebhookDelivery{}, err
	}
	if err := s.DeleteMsg(ctx, seq); err != nil {
		return delivery, fmt.Errorf("replayed but failed to delete dead letter %d: %w", seq, err)
	}
	return delivery, nil
}

// Purge removes every dead letter.
func (d *DeadLetters) Purge(ctx context.Context) error {
	_, s, err := d.stream(ctx)
	if err != nil {
		return err
	}
	if err := s.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	return nil
}
