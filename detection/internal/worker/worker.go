// Package worker consumes embedding jobs: it embeds an upload's records,
// runs leak detection over the whole upload and records the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/lock"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/common/realtime"
	"github.com/leakhawk/leakhawk-stack/detection/internal/detector"
	"github.com/leakhawk/leakhawk-stack/detection/internal/embedding"
	"github.com/leakhawk/leakhawk-stack/detection/internal/metrics"
	"github.com/leakhawk/leakhawk-stack/detection/internal/repository"
)

// Upload status events on the upload_status channel.
const (
	EventUploadProgress  = "upload.progress"
	EventUploadCompleted = "upload.completed"
	EventUploadFailed    = "upload.failed"
)

// Progress stages reported to clients.
const (
	StageEmbedding = "embedding"
	StageDetection = "detection"
)

// Store is the upload and record storage the worker needs.
type Store interface {
	GetUpload(ctx context.Context, id string) (*models.Upload, error)
	SetUploadStatus(ctx context.Context, id string, status models.UploadStatus) error
	CompleteUpload(ctx context.Context, id string, summary json.RawMessage) error
	FailUpload(ctx context.Context, id string, message string) error
	RecordsByUpload(ctx context.Context, uploadID string) ([]models.Record, error)
	RecordsByIDs(ctx context.Context, ids []string) ([]models.Record, error)
	SaveEmbedding(ctx context.Context, recordID string, vector []float32) error
}

// Detector runs leak detection.
type Detector interface {
	DetectLeaks(ctx context.Context, records []models.Record, uploadID, companyID string, onProgress detector.ProgressFunc) (*detector.Result, error)
}

// Worker processes embedding jobs.
type Worker struct {
	store    Store
	locker   lock.Locker
	batcher  *embedding.Batcher
	detector Detector
	rt       realtime.Emitter
	lockTTL  time.Duration
	logger   *slog.Logger
}

// Options configures a Worker. Realtime may be nil.
type Options struct {
	Store    Store
	Locker   lock.Locker
	Batcher  *embedding.Batcher
	Detector Detector
	Realtime realtime.Emitter
	LockTTL  time.Duration
}

// New creates a Worker.
func New(opts Options) *Worker {
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Worker{
		store:    opts.Store,
		locker:   opts.Locker,
		batcher:  opts.Batcher,
		detector: opts.Detector,
		rt:       opts.Realtime,
		lockTTL:  ttl,
		logger:   logging.Component("worker"),
	}
}

// UploadEvent is the payload published on the upload_status channel.
type UploadEvent struct {
	UploadID     string            `json:"uploadId"`
	Status       string            `json:"status"`
	Stage        string            `json:"stage,omitempty"`
	Progress     float64           `json:"progress"`
	TotalRecords int               `json:"totalRecords,omitempty"`
	ThreatsFound int               `json:"threatsFound"`
	Summary      *detector.Summary `json:"summary,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Handle is the queue handler for embeddings.generate. Malformed or stale
// jobs are acknowledged and dropped; processing failures are returned so the
// message is terminated rather than redelivered.
func (w *Worker) Handle(ctx context.Context, msg *messaging.Message) error {
	var job messaging.EmbeddingJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		metrics.JobsTotal.WithLabelValues("malformed").Inc()
		logging.Default().WarnContext(ctx, "dropping malformed embedding job", logging.Error(err))
		return nil
	}
	return w.Process(ctx, job)
}

// Process runs one job under the upload lock.
func (w *Worker) Process(ctx context.Context, job messaging.EmbeddingJob) error {
	logger := logging.FromContext(ctx, w.logger).With(logging.CompanyID(job.CompanyID), logging.UploadID(job.UploadID))

	if !job.Valid() {
		metrics.JobsTotal.WithLabelValues("invalid").Inc()
		logger.Warn("dropping embedding job with missing fields")
		return nil
	}

	upload, err := w.store.GetUpload(ctx, job.UploadID)
	if errors.Is(err, repository.ErrNotFound) {
		metrics.JobsTotal.WithLabelValues("stale").Inc()
		logger.Warn("dropping embedding job for unknown upload")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load upload: %w", err)
	}
	if upload.IsSettled() {
		metrics.JobsTotal.WithLabelValues("stale").Inc()
		logger.Info("upload already settled, dropping job", slog.String("status", string(upload.Status)))
		return nil
	}

	lease, err := w.locker.Acquire(ctx, lock.UploadKey(job.UploadID), w.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		metrics.JobsTotal.WithLabelValues("locked").Inc()
		logger.Info("upload locked by another worker, abandoning job")
		return nil
	}
	if err != nil {
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("acquire upload lock: %w", err)
	}
	defer func() {
		// The run may outlive ctx; release on a fresh context.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			logger.Warn("release upload lock", logging.Error(err))
		}
	}()

	if err := w.run(ctx, job, logger); err != nil {
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		w.fail(ctx, job, err, logger)
		return err
	}
	metrics.JobsTotal.WithLabelValues("completed").Inc()
	return nil
}

func (w *Worker) run(ctx context.Context, job messaging.EmbeddingJob, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during processing: %v", r)
		}
	}()

	if err := w.store.SetUploadStatus(ctx, job.UploadID, models.UploadProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	w.progress(ctx, job, UploadEvent{Stage: StageEmbedding, Progress: 0})

	toEmbed, err := w.store.RecordsByIDs(ctx, job.RecordIDs)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}

	embedded, err := w.batcher.Run(ctx, toEmbed, w.store.SaveEmbedding, func(done, total int) {
		w.progress(ctx, job, UploadEvent{
			Stage:        StageEmbedding,
			Progress:     50 * float64(done) / float64(total),
			TotalRecords: total,
		})
	})
	if err != nil {
		return fmt.Errorf("embed records: %w", err)
	}
	logger.Info("embeddings generated", slog.Int("embedded", embedded.Embedded), slog.Int("failed", embedded.Failed))

	records, err := w.store.RecordsByUpload(ctx, job.UploadID)
	if err != nil {
		return fmt.Errorf("reload records: %w", err)
	}
	w.progress(ctx, job, UploadEvent{Stage: StageDetection, Progress: 50, TotalRecords: len(records)})

	result, err := w.detector.DetectLeaks(ctx, records, job.UploadID, job.CompanyID, func(percent float64, total, threats int) {
		w.progress(ctx, job, UploadEvent{Stage: StageDetection, Progress: percent, TotalRecords: total, ThreatsFound: threats})
	})
	if err != nil {
		return fmt.Errorf("detect leaks: %w", err)
	}

	summary, err := json.Marshal(result.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := w.store.CompleteUpload(ctx, job.UploadID, summary); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	w.publish(ctx, job.CompanyID, EventUploadCompleted, UploadEvent{
		UploadID:     job.UploadID,
		Status:       string(models.UploadCompleted),
		Progress:     100,
		TotalRecords: result.Summary.TotalRecords,
		ThreatsFound: len(result.Threats),
		Summary:      &result.Summary,
	})
	logger.Info("upload processed",
		slog.Int("threats", len(result.Threats)),
		slog.Int("flagged", result.Summary.FlaggedRecords))
	return nil
}

func (w *Worker) fail(ctx context.Context, job messaging.EmbeddingJob, cause error, logger *slog.Logger) {
	logger.Error("upload processing failed", logging.Error(cause))
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.store.FailUpload(fctx, job.UploadID, cause.Error()); err != nil {
		logger.Error("mark upload failed", logging.Error(err))
	}
	w.publish(fctx, job.CompanyID, EventUploadFailed, UploadEvent{
		UploadID: job.UploadID,
		Status:   string(models.UploadFailed),
		Error:    cause.Error(),
	})
}

func (w *Worker) progress(ctx context.Context, job messaging.EmbeddingJob, ev UploadEvent) {
	ev.UploadID = job.UploadID
	ev.Status = string(models.UploadProcessing)
	w.publish(ctx, job.CompanyID, EventUploadProgress, ev)
}

func (w *Worker) publish(ctx context.Context, companyID, event string, ev UploadEvent) {
	if w.rt == nil {
		return
	}
	if err := w.rt.Publish(ctx, realtime.ChannelUploadStatus, companyID, event, ev); err != nil {
		metrics.NotificationFailures.WithLabelValues("realtime").Inc()
		w.logger.Debug("upload status publish failed", logging.UploadID(ev.UploadID), logging.Error(err))
	}
}
