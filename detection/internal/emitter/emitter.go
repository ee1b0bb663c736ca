// Package emitter turns detector findings into persisted threats and alerts
// and fans them out to realtime subscribers and webhook queues.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/common/realtime"
	"github.com/leakhawk/leakhawk-stack/detection/internal/metrics"
)

// Realtime event names.
const (
	EventAlertCreated  = "alert.created"
	EventThreatCreated = "threat.created"
)

// Store persists findings and resolves webhook subscribers.
type Store interface {
	CreateThreat(ctx context.Context, t *models.Threat) error
	CreateAlert(ctx context.Context, a *models.Alert) error
	ActiveSubscriptions(ctx context.Context, companyID, event string) ([]models.WebhookSubscription, error)
}

// Options configures optional fan-out. A nil Realtime or Queue disables
// that channel.
type Options struct {
	Realtime    realtime.Emitter
	Queue       messaging.Publisher
	Environment string
}

// Emitter creates one threat and one alert per finding.
type Emitter struct {
	store  Store
	rt     realtime.Emitter
	queue  messaging.Publisher
	env    string
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Emitter.
func New(store Store, opts Options) *Emitter {
	return &Emitter{
		store:  store,
		rt:     opts.Realtime,
		queue:  opts.Queue,
		env:    opts.Environment,
		logger: logging.Component("emitter"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Request describes one finding. Records are the records to flag; the first
// one anchors the threat.
type Request struct {
	Rule       models.RuleID
	Records    []models.Record
	Confidence float64
	Severity   models.Severity
	ClusterKey string
	Meta       models.ThreatMetadata
}

// Emit persists a threat and alert for req and notifies subscribers. It
// returns (nil, nil) when req flags nothing or its cluster was already
// emitted in run. Only storage failures are returned; notification failures
// are logged.
func (e *Emitter) Emit(ctx context.Context, run *Run, req Request) (*models.Threat, error) {
	if len(req.Records) == 0 || !run.claim(req.Rule, req.ClusterKey) {
		return nil, nil
	}

	anchor := req.Records[0]
	now := e.now()
	threatID, _ := uuid.NewV7()
	threat := &models.Threat{
		ID:              threatID.String(),
		CompanyID:       run.CompanyID,
		UploadID:        run.UploadID,
		RecordID:        anchor.ID,
		ThreatType:      req.Rule,
		ConfidenceScore: req.Confidence,
		Description:     Describe(req),
		Status:          models.ThreatOpen,
		Metadata:        req.Meta,
		CreatedAt:       now,
	}
	if err := e.store.CreateThreat(ctx, threat); err != nil {
		run.release(req.Rule, req.ClusterKey)
		return nil, fmt.Errorf("create threat: %w", err)
	}
	run.record(threat, req.ClusterKey, req.Records)
	metrics.ThreatsTotal.WithLabelValues(string(req.Rule)).Inc()

	alertID, _ := uuid.NewV7()
	alert := &models.Alert{
		ID:        alertID.String(),
		CompanyID: run.CompanyID,
		RecordID:  anchor.ID,
		ThreatID:  threat.ID,
		Severity:  req.Severity,
		Title:     models.Rules[req.Rule].Title,
		Summary:   threat.Description,
		Payload:   alertPayload(threat, req),
		CreatedAt: now,
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	e.logger.Info("threat emitted",
		logging.CompanyID(run.CompanyID),
		logging.UploadID(run.UploadID),
		logging.RecordID(anchor.ID),
		logging.RuleID(string(req.Rule)),
		slog.String("cluster_key", req.ClusterKey),
		slog.Int("flagged", len(req.Records)))

	e.publish(ctx, run.CompanyID, threat, alert)
	e.enqueueWebhooks(ctx, run.CompanyID, threat, alert)
	return threat, nil
}

func (e *Emitter) publish(ctx context.Context, companyID string, threat *models.Threat, alert *models.Alert) {
	if e.rt == nil {
		return
	}
	if err := e.rt.Publish(ctx, realtime.ChannelAlerts, companyID, EventAlertCreated, alert); err != nil {
		metrics.NotificationFailures.WithLabelValues("realtime").Inc()
		e.logger.Warn("realtime alert publish failed", logging.CompanyID(companyID), logging.Error(err))
	}
	if err := e.rt.Publish(ctx, realtime.ChannelThreatUpdates, companyID, EventThreatCreated, threat); err != nil {
		metrics.NotificationFailures.WithLabelValues("realtime").Inc()
		e.logger.Warn("realtime threat publish failed", logging.CompanyID(companyID), logging.Error(err))
	}
}

// webhookData is the body delivered for threat.created.
type webhookData struct {
	Threat *models.Threat `json:"threat"`
	Alert  *models.Alert  `json:"alert"`
}

func (e *Emitter) enqueueWebhooks(ctx context.Context, companyID string, threat *models.Threat, alert *models.Alert) {
	if e.queue == nil {
		return
	}
	subs, err := e.store.ActiveSubscriptions(ctx, companyID, models.EventThreatCreated)
	if err != nil {
		metrics.NotificationFailures.WithLabelValues("webhook").Inc()
		e.logger.Warn("webhook subscription lookup failed", logging.CompanyID(companyID), logging.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	data, err := json.Marshal(webhookData{Threat: threat, Alert: alert})
	if err != nil {
		e.logger.Error("marshal webhook data", logging.Error(err))
		return
	}
	for _, sub := range subs {
		id, _ := uuid.NewV7()
		job := messaging.WebhookDelivery{
			ID:          id.String(),
			WebhookID:   sub.ID,
			CompanyID:   companyID,
			Event:       models.EventThreatCreated,
			Data:        data,
			Attempt:     1,
			Environment: e.env,
		}
		if err := messaging.PublishJSON(ctx, e.queue, messaging.SubjectWebhookDeliveries, job); err != nil {
			metrics.NotificationFailures.WithLabelValues("webhook").Inc()
			e.logger.Warn("webhook enqueue failed",
				logging.CompanyID(companyID),
				logging.WebhookID(sub.ID),
				logging.Error(err))
		}
	}
}

func alertPayload(t *models.Threat, req Request) map[string]any {
	ids := make([]string, len(req.Records))
	for i := range req.Records {
		ids[i] = req.Records[i].ID
	}
	return map[string]any{
		"threat_id":          t.ID,
		"threat_type":        string(t.ThreatType),
		"confidence":         t.ConfidenceScore,
		"upload_id":          t.UploadID,
		"record_id":          t.RecordID,
		"flagged_record_ids": ids,
		"cluster_key":        req.ClusterKey,
	}
}
