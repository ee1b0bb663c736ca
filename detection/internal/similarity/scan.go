package similarity

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/detection/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome for one scanned record.
type Result struct {
	Record models.Record
	Match  Match
	Rule   models.RuleID
}

// Scan resolves every record with an embedding in fixed-size batches. Lookups
// within a batch run concurrently, bounded by Concurrency; onBatch receives
// the batch's qualifying results in input order once the whole batch has
// resolved. onResolved is called after each record, matched or not, failed
// or not, with the running count. A failed lookup is logged and skipped.
func (s *Session) Scan(ctx context.Context, records []models.Record, onBatch func([]Result) error, onResolved func(done int)) error {
	cfg := s.engine.cfg
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	var done atomic.Int64
	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		batch := records[start:end]
		slots := make([]*Result, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(cfg.Concurrency, 1))
		for i := range batch {
			g.Go(func() error {
				defer func() {
					n := done.Add(1)
					if onResolved != nil {
						onResolved(int(n))
					}
				}()
				slots[i] = s.resolve(gctx, batch[i])
				return nil
			})
		}
		_ = g.Wait()

		var results []Result
		for _, r := range slots {
			if r != nil {
				results = append(results, *r)
			}
		}
		if len(results) > 0 && onBatch != nil {
			if err := onBatch(results); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) resolve(ctx context.Context, rec models.Record) *Result {
	if !rec.HasEmbedding() {
		return nil
	}
	local, global, err := s.Best(ctx, rec.Embedding)
	if err != nil {
		metrics.SimilarityErrors.Inc()
		s.engine.logger.Warn("similarity lookup failed",
			logging.RecordID(rec.ID),
			logging.UploadID(rec.UploadID),
			logging.Error(err))
		return nil
	}
	match, rule, ok := Decide(local, global, s.engine.cfg)
	if !ok {
		return nil
	}
	s.engine.logger.Debug("similarity match",
		logging.RecordID(rec.ID),
		logging.RuleID(string(rule)),
		slog.Float64("score", match.Score))
	return &Result{Record: rec, Match: match, Rule: rule}
}
