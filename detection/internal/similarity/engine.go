// Package similarity finds nearest-neighbour matches for record embeddings,
// using the store's native vector index when available and brute-force
// cosine similarity over recent embeddings otherwise.
package similarity

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/detection/internal/metrics"
	"github.com/leakhawk/leakhawk-stack/detection/internal/repository"
)

// Store is the storage the engine searches.
type Store interface {
	NearestNeighbors(ctx context.Context, q repository.NeighborQuery) ([]repository.Neighbor, error)
	RecentEmbeddings(ctx context.Context, tier models.SimilarityTier, companyID, excludeUploadID string, limit int) ([]repository.Candidate, error)
}

// Config tunes matching.
type Config struct {
	NearDuplicateThreshold float64
	SuspiciousThreshold    float64
	MinScore               float64
	SelfMatchScore         float64
	TopK                   int
	BatchSize              int
	Concurrency            int
	FallbackSampleSize     int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		NearDuplicateThreshold: 0.85,
		SuspiciousThreshold:    0.75,
		MinScore:               0.7,
		SelfMatchScore:         0.9999,
		TopK:                   5,
		BatchSize:              10,
		Concurrency:            10,
		FallbackSampleSize:     1000,
	}
}

// ConfigFrom overlays non-zero values from the service configuration.
func ConfigFrom(c config.SimilarityConfig) Config {
	cfg := DefaultConfig()
	if c.NearDuplicateThreshold > 0 {
		cfg.NearDuplicateThreshold = c.NearDuplicateThreshold
	}
	if c.SuspiciousThreshold > 0 {
		cfg.SuspiciousThreshold = c.SuspiciousThreshold
	}
	if c.MinScore > 0 {
		cfg.MinScore = c.MinScore
	}
	if c.SelfMatchScore > 0 {
		cfg.SelfMatchScore = c.SelfMatchScore
	}
	if c.TopK > 0 {
		cfg.TopK = c.TopK
	}
	if c.BatchSize > 0 {
		cfg.BatchSize = c.BatchSize
	}
	if c.Concurrency > 0 {
		cfg.Concurrency = c.Concurrency
	}
	if c.FallbackSampleSize > 0 {
		cfg.FallbackSampleSize = c.FallbackSampleSize
	}
	return cfg
}

// Match is one scored neighbour.
type Match struct {
	RecordID  string
	UploadID  string
	CompanyID string
	Score     float64
	Tier      models.SimilarityTier
}

// Engine is safe for concurrent use. Once the native index reports itself
// unavailable, the engine stops asking for the rest of its lifetime.
type Engine struct {
	store          Store
	cfg            Config
	logger         *slog.Logger
	nativeDisabled atomic.Bool
}

// NewEngine creates an engine.
func NewEngine(store Store, cfg Config) *Engine {
	return &Engine{store: store, cfg: cfg, logger: logging.Component("similarity")}
}

// Config returns the engine's thresholds.
func (e *Engine) Config() Config { return e.cfg }

// NativeAvailable reports whether native queries are still attempted.
func (e *Engine) NativeAvailable() bool { return !e.nativeDisabled.Load() }

// Session scopes fallback candidate caching to one detection run.
type Session struct {
	engine    *Engine
	companyID string
	uploadID  string

	mu     sync.Mutex
	loaded map[models.SimilarityTier][]repository.Candidate
}

// NewSession starts a session for one upload.
func (e *Engine) NewSession(companyID, uploadID string) *Session {
	return &Session{
		engine:    e,
		companyID: companyID,
		uploadID:  uploadID,
		loaded:    make(map[models.SimilarityTier][]repository.Candidate),
	}
}

// Search returns up to TopK matches in tier, best first, excluding
// self-matches and scores below the floor.
func (s *Session) Search(ctx context.Context, vector []float32, tier models.SimilarityTier) ([]Match, error) {
	e := s.engine
	if !e.nativeDisabled.Load() {
		matches, err := s.searchNative(ctx, vector, tier)
		if err == nil {
			metrics.SimilarityLookups.WithLabelValues("native").Inc()
			return matches, nil
		}
		if errors.Is(err, repository.ErrVectorIndexUnavailable) {
			if e.nativeDisabled.CompareAndSwap(false, true) {
				e.logger.Warn("native vector index unavailable, using in-memory cosine fallback")
			}
		} else {
			e.logger.Debug("native vector query failed, falling back for this query", logging.Error(err))
		}
	}

	matches, err := s.searchFallback(ctx, vector, tier)
	if err != nil {
		return nil, err
	}
	metrics.SimilarityLookups.WithLabelValues("fallback").Inc()
	return matches, nil
}

func (s *Session) searchNative(ctx context.Context, vector []float32, tier models.SimilarityTier) ([]Match, error) {
	cfg := s.engine.cfg
	neighbors, err := s.engine.store.NearestNeighbors(ctx, repository.NeighborQuery{
		Vector:          vector,
		CompanyID:       s.companyID,
		ExcludeUploadID: s.uploadID,
		Tier:            tier,
		K:               cfg.TopK,
	})
	if err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(neighbors))
	for _, n := range neighbors {
		score := 1 - n.Distance
		if !s.keep(score) {
			continue
		}
		out = append(out, Match{RecordID: n.RecordID, UploadID: n.UploadID, CompanyID: n.CompanyID, Score: score, Tier: tier})
	}
	return out, nil
}

func (s *Session) searchFallback(ctx context.Context, vector []float32, tier models.SimilarityTier) ([]Match, error) {
	candidates, err := s.candidates(ctx, tier)
	if err != nil {
		return nil, err
	}

	k := s.engine.cfg.TopK
	h := &minHeap{}
	for _, c := range candidates {
		score := Cosine(vector, c.Vector)
		if !s.keep(score) {
			continue
		}
		m := Match{RecordID: c.RecordID, UploadID: c.UploadID, CompanyID: c.CompanyID, Score: score, Tier: tier}
		if h.Len() < k {
			heap.Push(h, m)
		} else if score > (*h)[0].Score {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}

	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Match)
	}
	return out, nil
}

func (s *Session) keep(score float64) bool {
	cfg := s.engine.cfg
	return score < cfg.SelfMatchScore && score >= cfg.MinScore
}

// candidates loads and caches the tier's recent embeddings. Load errors are
// not cached so a later record may retry.
func (s *Session) candidates(ctx context.Context, tier models.SimilarityTier) ([]repository.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.loaded[tier]; ok {
		return c, nil
	}
	c, err := s.engine.store.RecentEmbeddings(ctx, tier, s.companyID, s.uploadID, s.engine.cfg.FallbackSampleSize)
	if err != nil {
		return nil, fmt.Errorf("load %s candidates: %w", tier, err)
	}
	s.loaded[tier] = c
	return c, nil
}

// Best returns the single best local and global matches; either may be nil.
func (s *Session) Best(ctx context.Context, vector []float32) (local, global *Match, err error) {
	locals, err := s.Search(ctx, vector, models.TierLocal)
	if err != nil {
		return nil, nil, err
	}
	globals, err := s.Search(ctx, vector, models.TierGlobal)
	if err != nil {
		return nil, nil, err
	}
	if len(locals) > 0 {
		local = &locals[0]
	}
	if len(globals) > 0 {
		global = &globals[0]
	}
	return local, global, nil
}

// Decide picks the match that produces a threat. A local match at or above
// the near-duplicate threshold wins; otherwise a global match at or above the
// suspicious threshold is used. ok is false when neither qualifies.
func Decide(local, global *Match, cfg Config) (match Match, rule models.RuleID, ok bool) {
	if local != nil && local.Score >= cfg.NearDuplicateThreshold {
		return *local, models.RuleSimilarLocal, true
	}
	if global != nil && global.Score >= cfg.SuspiciousThreshold {
		return *global, models.RuleSimilarGlobal, true
	}
	return Match{}, "", false
}

// Severity grades a similarity match by tier and score.
func Severity(rule models.RuleID, score float64) models.Severity {
	switch rule {
	case models.RuleSimilarLocal:
		if score >= 0.95 {
			return models.SeverityHigh
		}
		return models.SeverityMedium
	default:
		if score >= 0.9 {
			return models.SeverityMedium
		}
		return models.SeverityLow
	}
}

// minHeap keeps the top-K matches with the weakest at the root.
type minHeap []Match

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
