package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/detection/internal/metrics"
)

// Text renders the deterministic string embedded for a record:
// "partner | amount currency | date | account". Absent fields render empty.
func Text(r *models.Record) string {
	partner := r.NormalizedPartner
	if partner == "" {
		partner = strings.TrimSpace(r.Partner)
	}
	amount := ""
	if r.Amount != nil {
		amount = r.Amount.StringFixed(2)
	}
	date := ""
	if r.Date != nil {
		date = r.Date.UTC().Format("2006-01-02")
	}
	return strings.Join([]string{
		partner,
		strings.TrimSpace(amount + " " + r.NormalizedCurrency),
		date,
		r.AccountMasked,
	}, " | ")
}

// BatchOptions controls batching and retries.
type BatchOptions struct {
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Batcher embeds records in fixed-size batches. A failed batch is retried
// with linear backoff (attempt × RetryDelay); a batch that still fails is
// logged and skipped so the remaining batches continue.
type Batcher struct {
	provider Provider
	opts     BatchOptions
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewBatcher creates a Batcher.
func NewBatcher(p Provider, opts BatchOptions) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Batcher{provider: p, opts: opts, logger: logging.Component("embedding"), sleep: sleepCtx}
}

// BatchResult reports what Run embedded.
type BatchResult struct {
	Embedded int
	Failed   int
}

// Run embeds records and calls save for each produced vector. onBatch
// receives the number of records processed so far after every batch. Errors
// from save and context cancellation abort the run.
func (b *Batcher) Run(ctx context.Context, records []models.Record, save func(ctx context.Context, recordID string, vec []float32) error, onBatch func(done, total int)) (BatchResult, error) {
	var res BatchResult
	for start := 0; start < len(records); start += b.opts.BatchSize {
		end := min(start+b.opts.BatchSize, len(records))
		batch := records[start:end]

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = Text(&batch[i])
		}

		vectors, err := b.embedWithRetry(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			metrics.EmbeddingBatches.WithLabelValues("failed").Inc()
			res.Failed += len(batch)
			b.logger.Warn("embedding batch failed, continuing",
				slog.Int("offset", start),
				slog.Int("size", len(batch)),
				logging.Error(err))
		} else {
			metrics.EmbeddingBatches.WithLabelValues("success").Inc()
			for i, vec := range vectors {
				if len(vec) == 0 {
					res.Failed++
					continue
				}
				if err := save(ctx, batch[i].ID, vec); err != nil {
					return res, fmt.Errorf("save embedding %s: %w", batch[i].ID, err)
				}
				res.Embedded++
			}
		}

		if onBatch != nil {
			onBatch(end, len(records))
		}
	}
	return res, nil
}

func (b *Batcher) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.EmbeddingRetries.Inc()
			if err := b.sleep(ctx, time.Duration(attempt-1)*b.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
		vectors, err := b.provider.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		b.logger.Debug("embedding attempt failed", logging.Attempt(attempt), logging.Error(err))
	}
	return nil, fmt.Errorf("after %d attempts: %w", b.opts.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
