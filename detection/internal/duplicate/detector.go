package duplicate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/detection/internal/emitter"
	"github.com/shopspring/decimal"
)

// History looks up a company's earlier uploads.
type History interface {
	ExistingKeys(ctx context.Context, companyID, excludeUploadID string, kind models.KeyType, keys []string) (map[string]struct{}, error)
	HistoricalMatches(ctx context.Context, companyID, excludeUploadID string, kind models.KeyType, key string, limit int) ([]models.Record, error)
}

// Emitter receives findings.
type Emitter interface {
	Emit(ctx context.Context, run *emitter.Run, req emitter.Request) (*models.Threat, error)
}

// Progress receives in-stage completion in [0, 1].
type Progress func(fraction float64)

// Detector runs both duplicate scopes.
type Detector struct {
	cfg     Config
	history History
	emit    Emitter
	logger  *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(cfg Config, history History, emit Emitter) *Detector {
	return &Detector{cfg: cfg, history: history, emit: emit, logger: logging.Component("duplicate")}
}

var batchRules = map[models.KeyType]models.RuleID{
	models.KeyTxID:      models.RuleDupInBatchTxID,
	models.KeyCanonical: models.RuleDupInBatchCanonical,
}

var historicalRules = map[models.KeyType]models.RuleID{
	models.KeyTxID:      models.RuleDupInDBTxID,
	models.KeyCanonical: models.RuleDupInDBCanonical,
}

// ClusterKey builds the per-run dedup key for a cluster.
func ClusterKey(rule models.RuleID, ref string) string {
	switch rule {
	case models.RuleDupInBatchTxID:
		return "txid_batch:" + ref
	case models.RuleDupInBatchCanonical:
		return "canonical_batch:" + ref
	case models.RuleDupInDBTxID:
		return "txid_db:" + ref
	case models.RuleDupInDBCanonical:
		return "canonical_db:" + ref
	}
	return string(rule) + ":" + ref
}

// Batch clusters the upload's own records, by transaction ID first and then
// by canonical key. In each group the earliest unflagged record anchors the
// cluster; later records that strictly match it are flagged together.
func (d *Detector) Batch(ctx context.Context, run *emitter.Run, idx *Index, progress Progress) error {
	kinds := []models.KeyType{models.KeyTxID, models.KeyCanonical}
	total := len(idx.Keys(models.KeyTxID)) + len(idx.Keys(models.KeyCanonical))
	done := 0

	for _, kind := range kinds {
		rule := batchRules[kind]
		spec := models.Rules[rule]
		for _, key := range idx.Keys(kind) {
			done++
			group := unflagged(run, idx.Group(kind, key))
			if len(group) >= 2 {
				sortByDate(group)
				anchor := group[0]
				var flagged []models.Record
				for i := 1; i < len(group); i++ {
					if d.cfg.StrictMatch(&anchor, &group[i]) {
						flagged = append(flagged, group[i])
					}
				}
				if len(flagged) > 0 {
					req := emitter.Request{
						Rule:       rule,
						Records:    flagged,
						Confidence: spec.Confidence,
						Severity:   spec.Severity,
						ClusterKey: ClusterKey(rule, key),
						Meta: models.BatchDuplicateMeta{
							RuleID:           rule,
							KeyType:          kind,
							Key:              key,
							AnchorRecordID:   anchor.ID,
							FlaggedRecordIDs: recordIDs(flagged),
							ClusterSize:      len(flagged) + 1,
							Currency:         anchor.NormalizedCurrency,
							ImpactedValue:    sumAmounts(flagged),
						},
					}
					if _, err := d.emit.Emit(ctx, run, req); err != nil {
						return fmt.Errorf("emit %s: %w", rule, err)
					}
				}
			}
			if progress != nil && total > 0 {
				progress(float64(done) / float64(total))
			}
		}
	}
	return nil
}

// Historical flags records whose transaction ID or canonical key already
// exists in the company's other uploads and strictly matches one of the most
// recent hits. A bulk existence check, capped at HistoricalKeyCap keys per
// kind, narrows the candidates first. Transaction ID is tried before the
// canonical key; each record yields at most one threat.
func (d *Detector) Historical(ctx context.Context, run *emitter.Run, idx *Index, progress Progress) error {
	existing := make(map[models.KeyType]map[string]struct{}, 2)
	for _, kind := range []models.KeyType{models.KeyTxID, models.KeyCanonical} {
		keys := idx.Keys(kind)
		if limit := d.cfg.HistoricalKeyCap; limit > 0 && len(keys) > limit {
			d.logger.Warn("historical key lookup truncated",
				logging.UploadID(run.UploadID),
				slog.String("key_type", string(kind)),
				slog.Int("keys", len(keys)),
				slog.Int("cap", limit))
			keys = keys[:limit]
		}
		if len(keys) == 0 {
			existing[kind] = nil
			continue
		}
		found, err := d.history.ExistingKeys(ctx, run.CompanyID, run.UploadID, kind, keys)
		if err != nil {
			return fmt.Errorf("existing %s keys: %w", kind, err)
		}
		existing[kind] = found
	}

	total := len(idx.Records)
	for i := range idx.Records {
		rec := idx.Records[i]
		if !run.IsFlagged(rec.ID) {
			for _, kind := range []models.KeyType{models.KeyTxID, models.KeyCanonical} {
				key := KeyOf(&rec, kind)
				if key == "" {
					continue
				}
				if _, ok := existing[kind][key]; !ok {
					continue
				}
				hit, err := d.confirm(ctx, run, rec, kind, key)
				if err != nil {
					return err
				}
				if hit {
					break
				}
			}
		}
		if progress != nil && total > 0 {
			progress(float64(i+1) / float64(total))
		}
	}
	return nil
}

func (d *Detector) confirm(ctx context.Context, run *emitter.Run, rec models.Record, kind models.KeyType, key string) (bool, error) {
	candidates, err := d.history.HistoricalMatches(ctx, run.CompanyID, run.UploadID, kind, key, d.cfg.HistoricalMatchLimit)
	if err != nil {
		return false, fmt.Errorf("historical %s matches: %w", kind, err)
	}

	var matched []models.Record
	for i := range candidates {
		if d.cfg.StrictMatch(&rec, &candidates[i]) {
			matched = append(matched, candidates[i])
		}
	}
	if len(matched) == 0 {
		return false, nil
	}

	rule := historicalRules[kind]
	spec := models.Rules[rule]
	req := emitter.Request{
		Rule:       rule,
		Records:    []models.Record{rec},
		Confidence: spec.Confidence,
		Severity:   spec.Severity,
		ClusterKey: ClusterKey(rule, rec.ID),
		Meta: models.HistoricalDuplicateMeta{
			RuleID:           rule,
			KeyType:          kind,
			Key:              key,
			MatchedRecordIDs: recordIDs(matched),
			MatchedUploadIDs: uploadIDs(matched),
		},
	}
	if _, err := d.emit.Emit(ctx, run, req); err != nil {
		return false, fmt.Errorf("emit %s: %w", rule, err)
	}
	return true, nil
}

func unflagged(run *emitter.Run, recs []models.Record) []models.Record {
	out := recs[:0]
	for _, r := range recs {
		if !run.IsFlagged(r.ID) {
			out = append(out, r)
		}
	}
	return out
}

// sortByDate orders records oldest first; undated records go last and ties
// break on id.
func sortByDate(recs []models.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i].Date, recs[j].Date
		switch {
		case a == nil && b == nil:
			return recs[i].ID < recs[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return recs[i].ID < recs[j].ID
	})
}

func recordIDs(recs []models.Record) []string {
	ids := make([]string, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID
	}
	return ids
}

func uploadIDs(recs []models.Record) []string {
	seen := make(map[string]struct{})
	var ids []string
	for i := range recs {
		if _, ok := seen[recs[i].UploadID]; ok {
			continue
		}
		seen[recs[i].UploadID] = struct{}{}
		ids = append(ids, recs[i].UploadID)
	}
	return ids
}

func sumAmounts(recs []models.Record) decimal.Decimal {
	total := decimal.Zero
	for i := range recs {
		total = total.Add(recs[i].AmountOrZero())
	}
	return total
}
