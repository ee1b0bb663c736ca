package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/webhook/internal/metrics"
)

// Request headers.
const (
	HeaderSignature   = "X-Signature"
	HeaderEvent       = "X-Webhook-Event"
	HeaderAttempt     = "X-Webhook-Attempt"
	HeaderDeliveryID  = "X-Webhook-Id"
	HeaderEnvironment = "X-Webhook-Environment"
)

// Sender performs one signed HTTP POST per attempt.
type Sender struct {
	client    *http.Client
	userAgent string
	now       func() time.Time
}

// NewSender creates a Sender with the given per-request timeout.
func NewSender(timeout time.Duration, userAgent string) *Sender {
	return &Sender{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		now:       time.Now,
	}
}

// Send posts d to sub. Failures are returned as *DeliveryError.
func (s *Sender) Send(ctx context.Context, sub *models.WebhookSubscription, d *messaging.WebhookDelivery) error {
	dest := DetectDestination(sub.URL)
	body, err := Body(dest, d.Event, d.Data, s.now())
	if err != nil {
		return &DeliveryError{Code: CodePayload, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Code: CodeRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	req.Header.Set(HeaderEvent, d.Event)
	req.Header.Set(HeaderAttempt, strconv.Itoa(d.Attempt))
	req.Header.Set(HeaderDeliveryID, d.ID)
	if d.Environment != "" {
		req.Header.Set(HeaderEnvironment, d.Environment)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	metrics.DeliveryDuration.WithLabelValues(string(dest)).Observe(time.Since(start).Seconds())
	if err != nil {
		return NetworkError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StatusError(resp.StatusCode)
	}
	return nil
}
