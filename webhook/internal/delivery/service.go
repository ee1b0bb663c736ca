// Package delivery sends webhook notifications with signed requests,
// classified retries and dead-lettering.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/webhook/internal/metrics"
	"github.com/leakhawk/leakhawk-stack/webhook/internal/repository"
)

// Client sends one attempt.
type Client interface {
	Send(ctx context.Context, sub *models.WebhookSubscription, d *messaging.WebhookDelivery) error
}

// Options tunes retries.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// OptionsFrom converts the service configuration.
func OptionsFrom(c config.WebhookConfig) Options {
	o := Options{MaxAttempts: c.MaxAttempts, InitialBackoff: c.InitialBackoff}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	return o
}

// Service consumes webhook.deliveries and webhook.retries.
type Service struct {
	repo   repository.Repository
	client Client
	queue  messaging.Publisher
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(repo repository.Repository, client Client, queue messaging.Publisher, opts Options) *Service {
	return &Service{
		repo:   repo,
		client: client,
		queue:  queue,
		opts:   opts,
		logger: logging.Component("webhook"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Backoff is the delay after a failed attempt: InitialBackoff doubled per
// prior attempt.
func (s *Service) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return s.opts.InitialBackoff << (attempt - 1)
}

// HandleDelivery makes one attempt. Missing or inactive subscriptions and
// malformed messages are dropped. Failures are rescheduled on the retry
// subject or dead-lettered; the message itself is then acknowledged.
func (s *Service) HandleDelivery(ctx context.Context, msg *messaging.Message) error {
	var d messaging.WebhookDelivery
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("malformed", "").Inc()
		logging.FromContext(ctx, s.logger).Warn("dropping malformed webhook delivery", logging.Error(err))
		return nil
	}
	if d.Attempt < 1 {
		d.Attempt = 1
	}
	logger := logging.FromContext(ctx, s.logger).With(logging.WebhookID(d.WebhookID), logging.CompanyID(d.CompanyID), logging.Attempt(d.Attempt))

	sub, err := s.repo.GetSubscription(ctx, d.WebhookID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		metrics.DeliveriesTotal.WithLabelValues("dropped", "").Inc()
		logger.Info("subscription not found, dropping delivery")
		return nil
	case err != nil:
		return s.fail(ctx, &d, &DeliveryError{Code: CodeSubscriptionLoad, Retryable: true, Err: err}, logger)
	case !sub.Active:
		metrics.DeliveriesTotal.WithLabelValues("dropped", "").Inc()
		logger.Info("subscription inactive, dropping delivery")
		return nil
	}

	dest := string(DetectDestination(sub.URL))
	if err := s.client.Send(ctx, sub, &d); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("failed", dest).Inc()
		return s.fail(ctx, &d, Classify(err), logger)
	}

	metrics.DeliveriesTotal.WithLabelValues("success", dest).Inc()
	logger.Info("webhook delivered", slog.String("event", d.Event))
	s.markDelivered(ctx, &d, logger)
	return nil
}

func (s *Service) fail(ctx context.Context, d *messaging.WebhookDelivery, derr *DeliveryError, logger *slog.Logger) error {
	if derr.Retryable && d.Attempt < s.opts.MaxAttempts {
		delay := s.Backoff(d.Attempt)
		next := *d
		next.Attempt = d.Attempt + 1
		retryAt := s.now().Add(delay)
		next.RetryAt = &retryAt

		if err := messaging.PublishJSON(ctx, s.queue, messaging.SubjectWebhookRetries, next); err != nil {
			// Keep the original message; the broker redelivers it later.
			logger.Error("schedule webhook retry", logging.Error(err))
			return messaging.Redeliver(delay)
		}
		metrics.RetriesScheduled.Inc()
		logger.Warn("webhook attempt failed, retry scheduled",
			slog.String("code", derr.Code),
			slog.Duration("delay", delay),
			logging.Error(derr))
		return nil
	}

	s.deadLetter(ctx, d, derr, logger)
	return nil
}

func (s *Service) deadLetter(ctx context.Context, d *messaging.WebhookDelivery, derr *DeliveryError, logger *slog.Logger) {
	dl := messaging.DeadLetter{
		Delivery:     *d,
		Error:        derr.Error(),
		ErrorCode:    derr.Code,
		FinalAttempt: d.Attempt,
		Timestamp:    s.now(),
	}
	dl.Delivery.RetryAt = nil

	if err := messaging.PublishJSON(ctx, s.queue, messaging.SubjectWebhookDeadLetter, dl); err != nil {
		metrics.DeadLetterFailures.Inc()
		logging.Critical(ctx, logger, "dead-letter publish failed, delivery lost",
			slog.String("delivery_id", d.ID),
			slog.String("code", derr.Code),
			logging.Error(err))
		return
	}
	metrics.DeadLetters.WithLabelValues(derr.Code).Inc()
	logger.Warn("webhook dead-lettered", slog.String("code", derr.Code), logging.Error(derr))
}

// HandleRetry forwards a parked delivery back to webhook.deliveries once its
// RetryAt has passed, and asks for delayed redelivery until then.
func (s *Service) HandleRetry(ctx context.Context, msg *messaging.Message) error {
	var d messaging.WebhookDelivery
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		logging.FromContext(ctx, s.logger).Warn("dropping malformed webhook retry", logging.Error(err))
		return nil
	}

	if d.RetryAt != nil {
		if wait := d.RetryAt.Sub(s.now()); wait > 0 {
			return messaging.Redeliver(wait)
		}
	}

	d.RetryAt = nil
	if err := messaging.PublishJSON(ctx, s.queue, messaging.SubjectWebhookDeliveries, d); err != nil {
		logging.FromContext(ctx, s.logger).Error("forward webhook retry", logging.WebhookID(d.WebhookID), logging.Error(err))
		return messaging.Redeliver(s.opts.InitialBackoff)
	}
	metrics.RetriesForwarded.Inc()
	return nil
}

func (s *Service) markDelivered(ctx context.Context, d *messaging.WebhookDelivery, logger *slog.Logger) {
	if d.Event != models.EventThreatCreated {
		return
	}
	var body struct {
		Alert struct {
			ID string `json:"id"`
		} `json:"alert"`
	}
	if err := json.Unmarshal(d.Data, &body); err != nil || body.Alert.ID == "" {
		return
	}
	if err := s.repo.MarkAlertDelivered(ctx, body.Alert.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Warn("mark alert delivered", logging.Error(err))
	}
}
