package emitter

import (
	"sort"
	"sync"

	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/shopspring/decimal"
)

// Run is the mutable state of one detection invocation: which records have
// been flagged, which (rule, cluster key) pairs have produced threats, and
// per-rule impact. It is never shared between runs.
type Run struct {
	CompanyID string
	UploadID  string

	mu       sync.Mutex
	flagged  map[string]decimal.Decimal
	emitted  map[clusterRef]struct{}
	stats    map[models.RuleID]*ruleStats
	threats  []*models.Threat
	examples int
}

type clusterRef struct {
	rule models.RuleID
	key  string
}

type ruleStats struct {
	clusters []ClusterStat
	records  map[string]struct{}
	value    decimal.Decimal
	examples []string
}

// ClusterStat is the impact of one emitted threat.
type ClusterStat struct {
	ClusterKey  string          `json:"cluster_key"`
	ThreatID    string          `json:"threat_id"`
	RecordCount int             `json:"record_count"`
	Value       decimal.Decimal `json:"value"`
}

// RuleSummary aggregates a rule's impact over the run.
type RuleSummary struct {
	Clusters        int             `json:"clusters"`
	RecordsImpacted int             `json:"records_impacted"`
	ImpactedValue   decimal.Decimal `json:"impacted_value"`
	TopClusters     []ClusterStat   `json:"top_clusters"`
	Examples        []string        `json:"examples"`
}

// NewRun starts empty run state. examplesPerRule caps the record ids kept as
// examples for each rule.
func NewRun(companyID, uploadID string, examplesPerRule int) *Run {
	return &Run{
		CompanyID: companyID,
		UploadID:  uploadID,
		flagged:   make(map[string]decimal.Decimal),
		emitted:   make(map[clusterRef]struct{}),
		stats:     make(map[models.RuleID]*ruleStats),
		examples:  examplesPerRule,
	}
}

// IsFlagged reports whether any rule has already flagged the record.
func (r *Run) IsFlagged(recordID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flagged[recordID]
	return ok
}

// Emitted reports whether the cluster produced a threat or is being emitted.
func (r *Run) Emitted(rule models.RuleID, clusterKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.emitted[clusterRef{rule, clusterKey}]
	return ok
}

// FlaggedCount is the number of unique flagged records.
func (r *Run) FlaggedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flagged)
}

// FlaggedValue sums the amounts of unique flagged records.
func (r *Run) FlaggedValue() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := decimal.Zero
	for _, v := range r.flagged {
		total = total.Add(v)
	}
	return total
}

// Threats returns the threats created so far, in creation order.
func (r *Run) Threats() []*models.Threat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Threat(nil), r.threats...)
}

// Summaries returns per-rule aggregates with at most topN clusters each,
// largest impacted value first.
func (r *Run) Summaries(topN int) map[models.RuleID]RuleSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[models.RuleID]RuleSummary, len(r.stats))
	for rule, s := range r.stats {
		top := append([]ClusterStat(nil), s.clusters...)
		sort.SliceStable(top, func(i, j int) bool { return top[i].Value.GreaterThan(top[j].Value) })
		if topN > 0 && len(top) > topN {
			top = top[:topN]
		}
		out[rule] = RuleSummary{
			Clusters:        len(s.clusters),
			RecordsImpacted: len(s.records),
			ImpactedValue:   s.value,
			TopClusters:     top,
			Examples:        append([]string(nil), s.examples...),
		}
	}
	return out
}

// claim reserves the (rule, cluster key) pair for the caller. It returns
// false if the pair is already claimed or emitted.
func (r *Run) claim(rule models.RuleID, clusterKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := clusterRef{rule, clusterKey}
	if _, dup := r.emitted[ref]; dup {
		return false
	}
	r.emitted[ref] = struct{}{}
	return true
}

// release drops a claim whose threat could not be persisted.
func (r *Run) release(rule models.RuleID, clusterKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.emitted, clusterRef{rule, clusterKey})
}

// record marks the claimed cluster's records flagged and adds the threat to
// the rule's impact.
func (r *Run) record(t *models.Threat, clusterKey string, flagged []models.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.threats = append(r.threats, t)

	s, ok := r.stats[t.ThreatType]
	if !ok {
		s = &ruleStats{records: make(map[string]struct{})}
		r.stats[t.ThreatType] = s
	}

	value := decimal.Zero
	for i := range flagged {
		rec := &flagged[i]
		amt := rec.AmountOrZero()
		value = value.Add(amt)
		r.flagged[rec.ID] = amt
		if _, seen := s.records[rec.ID]; !seen {
			s.records[rec.ID] = struct{}{}
			s.value = s.value.Add(amt)
			if len(s.examples) < r.examples {
				s.examples = append(s.examples, rec.ID)
			}
		}
	}
	s.clusters = append(s.clusters, ClusterStat{
		ClusterKey:  clusterKey,
		ThreatID:    t.ID,
		RecordCount: len(flagged),
		Value:       value,
	})
}
