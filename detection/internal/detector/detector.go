// Package detector runs the staged leak detection pipeline over one upload:
// indexing, historical duplicates, in-batch duplicates and embedding
// similarity.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/detection/internal/duplicate"
	"github.com/leakhawk/leakhawk-stack/detection/internal/emitter"
	"github.com/leakhawk/leakhawk-stack/detection/internal/metrics"
	"github.com/leakhawk/leakhawk-stack/detection/internal/similarity"
	"github.com/shopspring/decimal"
)

// Progress bounds. Detection owns the 50-95 band; the caller reports 100.
const (
	ProgressBase = 50.0
	ProgressCap  = 95.0
	StageWeight  = 11.25
)

// Stage names, in execution order.
const (
	StageIndex      = "index"
	StageHistorical = "historical"
	StageBatch      = "batch"
	StageSimilarity = "similarity"
)

// ProgressFunc receives overall percent complete, the upload's record count
// and the number of threats created so far.
type ProgressFunc func(percent float64, totalRecords, threatsSoFar int)

// Store is everything the pipeline reads and writes.
type Store interface {
	duplicate.History
	similarity.Store
	emitter.Store
}

// Config tunes the summary.
type Config struct {
	Duplicate          duplicate.Config
	TopClustersPerRule int
	ExamplesPerRule    int
}

// ConfigFrom converts the service configuration.
func ConfigFrom(c config.DetectionConfig) Config {
	cfg := Config{
		Duplicate:          duplicate.ConfigFrom(c),
		TopClustersPerRule: c.TopClustersPerRule,
		ExamplesPerRule:    c.ExamplesPerRule,
	}
	if cfg.TopClustersPerRule <= 0 {
		cfg.TopClustersPerRule = 5
	}
	if cfg.ExamplesPerRule <= 0 {
		cfg.ExamplesPerRule = 3
	}
	return cfg
}

// Summary describes a finished run.
type Summary struct {
	TotalRecords      int                                   `json:"total_records"`
	FlaggedRecords    int                                   `json:"flagged_records"`
	FlaggedValue      decimal.Decimal                       `json:"flagged_value"`
	ThreatsCreated    int                                   `json:"threats_created"`
	Message           string                                `json:"message"`
	SimilaritySkipped bool                                  `json:"similarity_skipped"`
	Rules             map[models.RuleID]emitter.RuleSummary `json:"rules"`
}

// Result is the output of DetectLeaks.
type Result struct {
	Threats []*models.Threat
	Summary Summary
}

// Detector wires the stages together.
type Detector struct {
	cfg        Config
	duplicates *duplicate.Detector
	similarity *similarity.Engine
	emit       *emitter.Emitter
	logger     *slog.Logger
}

// New creates a Detector.
func New(cfg Config, store Store, emit *emitter.Emitter, sim *similarity.Engine) *Detector {
	return &Detector{
		cfg:        cfg,
		duplicates: duplicate.NewDetector(cfg.Duplicate, store, emit),
		similarity: sim,
		emit:       emit,
		logger:     logging.Component("detector"),
	}
}

// DetectLeaks runs every stage over records, which must all belong to
// uploadID. Stages run sequentially; a storage failure aborts the run.
func (d *Detector) DetectLeaks(ctx context.Context, records []models.Record, uploadID, companyID string, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	run := emitter.NewRun(companyID, uploadID, d.cfg.ExamplesPerRule)
	rep := newReporter(len(records), run, onProgress)
	logger := d.logger.With(logging.CompanyID(companyID), logging.UploadID(uploadID))

	logger.Info("detection started", slog.Int("records", len(records)))

	result, err := d.detect(ctx, run, records, rep, logger)
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		logger.Error("detection failed", logging.Error(err))
		return nil, err
	}
	metrics.RunsTotal.WithLabelValues("success").Inc()
	logger.Info("detection finished",
		slog.Int("threats", len(result.Threats)),
		slog.Int("flagged", result.Summary.FlaggedRecords),
		logging.Duration(time.Since(start).Milliseconds()))
	return result, nil
}

func (d *Detector) detect(ctx context.Context, run *emitter.Run, records []models.Record, rep *reporter, logger *slog.Logger) (*Result, error) {
	var idx *duplicate.Index
	timed(StageIndex, func() {
		idx = duplicate.BuildIndex(records)
	})
	rep.stage(0, 1)

	var err error
	timed(StageHistorical, func() {
		err = d.duplicates.Historical(ctx, run, idx, func(f float64) { rep.stage(1, f) })
	})
	if err != nil {
		return nil, fmt.Errorf("historical duplicates: %w", err)
	}
	rep.stage(1, 1)

	timed(StageBatch, func() {
		err = d.duplicates.Batch(ctx, run, idx, func(f float64) { rep.stage(2, f) })
	})
	if err != nil {
		return nil, fmt.Errorf("batch duplicates: %w", err)
	}
	rep.stage(2, 1)

	skipped := !anyEmbedding(records) || d.similarity == nil
	if skipped {
		logger.Info("similarity stage skipped, no embeddings")
	} else {
		timed(StageSimilarity, func() {
			err = d.scanSimilarity(ctx, run, records, rep)
		})
		if err != nil {
			return nil, fmt.Errorf("similarity: %w", err)
		}
	}
	rep.stage(3, 1)

	threats := run.Threats()
	summary := Summary{
		TotalRecords:      len(records),
		FlaggedRecords:    run.FlaggedCount(),
		FlaggedValue:      run.FlaggedValue(),
		ThreatsCreated:    len(threats),
		SimilaritySkipped: skipped,
		Rules:             run.Summaries(d.cfg.TopClustersPerRule),
	}
	summary.Message = message(summary)
	return &Result{Threats: threats, Summary: summary}, nil
}

func (d *Detector) scanSimilarity(ctx context.Context, run *emitter.Run, records []models.Record, rep *reporter) error {
	var candidates []models.Record
	for _, r := range records {
		if r.HasEmbedding() && !run.IsFlagged(r.ID) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	session := d.similarity.NewSession(run.CompanyID, run.UploadID)
	total := float64(len(candidates))
	return session.Scan(ctx, candidates,
		func(results []similarity.Result) error {
			for _, res := range results {
				if _, err := d.emit.Emit(ctx, run, similarityRequest(res)); err != nil {
					return err
				}
			}
			return nil
		},
		func(done int) { rep.stage(3, float64(done)/total) })
}

func similarityRequest(res similarity.Result) emitter.Request {
	meta := models.SimilarityMeta{
		RuleID: res.Rule,
		Tier:   res.Match.Tier,
		Score:  res.Match.Score,
	}
	prefix := "similar_global:"
	if res.Rule == models.RuleSimilarLocal {
		meta.MatchedRecordID = res.Match.RecordID
		meta.MatchedUploadID = res.Match.UploadID
		prefix = "similar_local:"
	}
	return emitter.Request{
		Rule:       res.Rule,
		Records:    []models.Record{res.Record},
		Confidence: res.Match.Score,
		Severity:   similarity.Severity(res.Rule, res.Match.Score),
		ClusterKey: prefix + res.Record.ID,
		Meta:       meta,
	}
}

func anyEmbedding(records []models.Record) bool {
	for i := range records {
		if records[i].HasEmbedding() {
			return true
		}
	}
	return false
}

func message(s Summary) string {
	if s.FlaggedRecords == 0 {
		return fmt.Sprintf("No leaks detected across %d records.", s.TotalRecords)
	}
	return fmt.Sprintf("%d of %d records flagged in %d threats, %s at risk.",
		s.FlaggedRecords, s.TotalRecords, s.ThreatsCreated, s.FlaggedValue.StringFixed(2))
}

func timed(stage string, fn func()) {
	start := time.Now()
	fn()
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// reporter converts stage progress into overall percent and throttles
// callbacks to whole-percent steps.
type reporter struct {
	mu    sync.Mutex
	total int
	run   *emitter.Run
	fn    ProgressFunc
	last  float64
}

func newReporter(total int, run *emitter.Run, fn ProgressFunc) *reporter {
	return &reporter{total: total, run: run, fn: fn, last: -1}
}

// Percent maps a stage index and in-stage fraction to overall progress.
func Percent(stage int, fraction float64) float64 {
	fraction = min(max(fraction, 0), 1)
	return min(ProgressBase+StageWeight*float64(stage)+StageWeight*fraction, ProgressCap)
}

func (r *reporter) stage(stage int, fraction float64) {
	if r.fn == nil {
		return
	}
	p := Percent(stage, fraction)

	r.mu.Lock()
	defer r.mu.Unlock()
	if p < r.last+1 && !(fraction >= 1 && p > r.last) {
		return
	}
	r.last = p
	r.fn(p, r.total, len(r.run.Threats()))
}
