package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/models"
)

// InMemoryRepository implements Repository with in-memory storage (for
// development and tests). It has no vector index, so similarity search
// always takes the fallback path.
type InMemoryRepository struct {
	mu            sync.RWMutex
	uploads       map[string]*models.Upload
	records       map[string]*models.Record
	order         []string
	threats       []*models.Threat
	alerts        []*models.Alert
	subscriptions []models.WebhookSubscription

	// FailThreatWrites makes CreateThreat fail, for error-path tests.
	FailThreatWrites error
}

// NewInMemoryRepository creates an empty in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		uploads: make(map[string]*models.Upload),
		records: make(map[string]*models.Record),
	}
}

func (r *InMemoryRepository) Close() {}

func (r *InMemoryRepository) CreateUpload(_ context.Context, u *models.Upload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.uploads[u.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetUpload(_ context.Context, id string) (*models.Upload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.uploads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *InMemoryRepository) SetUploadStatus(_ context.Context, id string, status models.UploadStatus) error {
	return r.mutateUpload(id, func(u *models.Upload) { u.Status = status })
}

func (r *InMemoryRepository) CompleteUpload(_ context.Context, id string, summary json.RawMessage) error {
	return r.mutateUpload(id, func(u *models.Upload) {
		now := time.Now().UTC()
		u.Status = models.UploadCompleted
		u.Summary = summary
		u.ErrorMessage = ""
		u.CompletedAt = &now
	})
}

func (r *InMemoryRepository) FailUpload(_ context.Context, id string, message string) error {
	return r.mutateUpload(id, func(u *models.Upload) {
		u.Status = models.UploadFailed
		u.ErrorMessage = message
	})
}

func (r *InMemoryRepository) mutateUpload(id string, fn func(*models.Upload)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.uploads[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemoryRepository) InsertRecords(_ context.Context, records []models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range records {
		rec := records[i]
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		if _, exists := r.records[rec.ID]; !exists {
			r.order = append(r.order, rec.ID)
		}
		r.records[rec.ID] = &rec
	}
	return nil
}

func (r *InMemoryRepository) RecordsByUpload(_ context.Context, uploadID string) ([]models.Record, error) {
	return r.filter(func(rec *models.Record) bool { return rec.UploadID == uploadID }), nil
}

func (r *InMemoryRepository) RecordsByIDs(_ context.Context, ids []string) ([]models.Record, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	return r.filter(func(rec *models.Record) bool {
		_, ok := want[rec.ID]
		return ok
	}), nil
}

func (r *InMemoryRepository) SaveEmbedding(_ context.Context, recordID string, vector []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordID]
	if !ok {
		return ErrNotFound
	}
	rec.Embedding = append([]float32(nil), vector...)
	return nil
}

func keyOf(rec *models.Record, kind models.KeyType) string {
	if kind == models.KeyTxID {
		return rec.TxID
	}
	return rec.CanonicalKey
}

func (r *InMemoryRepository) ExistingKeys(_ context.Context, companyID, excludeUploadID string, kind models.KeyType, keys []string) (map[string]struct{}, error) {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	found := make(map[string]struct{})
	for _, rec := range r.filter(func(rec *models.Record) bool {
		return rec.CompanyID == companyID && rec.UploadID != excludeUploadID
	}) {
		k := keyOf(&rec, kind)
		if _, ok := want[k]; ok && k != "" {
			found[k] = struct{}{}
		}
	}
	return found, nil
}

func (r *InMemoryRepository) HistoricalMatches(_ context.Context, companyID, excludeUploadID string, kind models.KeyType, key string, limit int) ([]models.Record, error) {
	matches := r.filter(func(rec *models.Record) bool {
		return rec.CompanyID == companyID && rec.UploadID != excludeUploadID && key != "" && keyOf(rec, kind) == key
	})
	newestFirst(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (r *InMemoryRepository) NearestNeighbors(context.Context, NeighborQuery) ([]Neighbor, error) {
	return nil, ErrVectorIndexUnavailable
}

func (r *InMemoryRepository) RecentEmbeddings(_ context.Context, tier models.SimilarityTier, companyID, excludeUploadID string, limit int) ([]Candidate, error) {
	recs := r.filter(func(rec *models.Record) bool {
		if !rec.HasEmbedding() || rec.UploadID == excludeUploadID {
			return false
		}
		if tier == models.TierGlobal {
			return rec.CompanyID != companyID
		}
		return rec.CompanyID == companyID
	})
	newestFirst(recs)
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	out := make([]Candidate, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Candidate{RecordID: rec.ID, UploadID: rec.UploadID, CompanyID: rec.CompanyID, Vector: rec.Embedding})
	}
	return out, nil
}

func (r *InMemoryRepository) CreateThreat(_ context.Context, t *models.Threat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailThreatWrites != nil {
		return r.FailThreatWrites
	}
	cp := *t
	r.threats = append(r.threats, &cp)
	return nil
}

func (r *InMemoryRepository) CreateAlert(_ context.Context, a *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.alerts = append(r.alerts, &cp)
	return nil
}

func (r *InMemoryRepository) ThreatsByUpload(_ context.Context, uploadID string) ([]*models.Threat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Threat
	for _, t := range r.threats {
		if t.UploadID == uploadID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) ActiveSubscriptions(_ context.Context, companyID, event string) ([]models.WebhookSubscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.WebhookSubscription
	for _, s := range r.subscriptions {
		if s.CompanyID == companyID && s.Subscribes(event) {
			out = append(out, s)
		}
	}
	return out, nil
}

// AddSubscription registers a webhook subscription.
func (r *InMemoryRepository) AddSubscription(s models.WebhookSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions = append(r.subscriptions, s)
}

// Alerts returns a snapshot of stored alerts.
func (r *InMemoryRepository) Alerts() []*models.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.Alert(nil), r.alerts...)
}

// Threats returns a snapshot of stored threats.
func (r *InMemoryRepository) Threats() []*models.Threat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.Threat(nil), r.threats...)
}

func (r *InMemoryRepository) filter(keep func(*models.Record) bool) []models.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Record
	for _, id := range r.order {
		rec := r.records[id]
		if keep(rec) {
			cp := *rec
			cp.Embedding = append([]float32(nil), rec.Embedding...)
			if len(cp.Embedding) == 0 {
				cp.Embedding = nil
			}
			out = append(out, cp)
		}
	}
	return out
}

// newestFirst orders by CreatedAt descending, later insertions first on ties.
func newestFirst(recs []models.Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
}
