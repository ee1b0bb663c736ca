package similarity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/detection/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	nativeErr   error
	neighbors   []repository.Neighbor
	candidates  map[models.SimilarityTier][]repository.Candidate
	recentErr   error
	nativeCalls atomic.Int32
	recentCalls atomic.Int32
}

func (f *fakeStore) NearestNeighbors(context.Context, repository.NeighborQuery) ([]repository.Neighbor, error) {
	f.nativeCalls.Add(1)
	if f.nativeErr != nil {
		return nil, f.nativeErr
	}
	return f.neighbors, nil
}

func (f *fakeStore) RecentEmbeddings(_ context.Context, tier models.SimilarityTier, _, _ string, _ int) ([]repository.Candidate, error) {
	f.recentCalls.Add(1)
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return f.candidates[tier], nil
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestSearch_NativeConvertsDistance(t *testing.T) {
	store := &fakeStore{neighbors: []repository.Neighbor{
		{RecordID: "self", Distance: 0.00001},
		{RecordID: "a", Distance: 0.1},
		{RecordID: "weak", Distance: 0.5},
	}}
	s := NewEngine(store, DefaultConfig()).NewSession("c1", "u1")

	matches, err := s.Search(context.Background(), []float32{1, 0}, models.TierLocal)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].RecordID)
	assert.InDelta(t, 0.9, matches[0].Score, 1e-9)
	assert.Equal(t, models.TierLocal, matches[0].Tier)
}

func TestSearch_UnavailableIndexDisablesNative(t *testing.T) {
	store := &fakeStore{
		nativeErr: repository.ErrVectorIndexUnavailable,
		candidates: map[models.SimilarityTier][]repository.Candidate{
			models.TierLocal: {{RecordID: "a", Vector: []float32{1, 0.2}}},
		},
	}
	e := NewEngine(store, DefaultConfig())
	s := e.NewSession("c1", "u1")

	for i := 0; i < 3; i++ {
		matches, err := s.Search(context.Background(), []float32{1, 0.1}, models.TierLocal)
		require.NoError(t, err)
		require.Len(t, matches, 1)
	}
	assert.EqualValues(t, 1, store.nativeCalls.Load())
	assert.EqualValues(t, 1, store.recentCalls.Load(), "candidates cached per session")
	assert.False(t, e.NativeAvailable())
}

func TestSearch_TransientNativeErrorFallsBackOnce(t *testing.T) {
	store := &fakeStore{nativeErr: errors.New("timeout")}
	e := NewEngine(store, DefaultConfig())
	s := e.NewSession("c1", "u1")

	_, err := s.Search(context.Background(), []float32{1}, models.TierGlobal)
	require.NoError(t, err)
	_, err = s.Search(context.Background(), []float32{1}, models.TierGlobal)
	require.NoError(t, err)

	assert.EqualValues(t, 2, store.nativeCalls.Load())
	assert.True(t, e.NativeAvailable())
}

func TestSearch_FallbackTopKOrdered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopK = 2
	store := &fakeStore{
		nativeErr: repository.ErrVectorIndexUnavailable,
		candidates: map[models.SimilarityTier][]repository.Candidate{
			models.TierGlobal: {
				{RecordID: "far", Vector: []float32{1, 1}},
				{RecordID: "closest", Vector: []float32{1, 0.1}},
				{RecordID: "identical", Vector: []float32{1, 0}},
				{RecordID: "close", Vector: []float32{1, 0.3}},
				{RecordID: "orthogonal", Vector: []float32{0, 1}},
			},
		},
	}
	s := NewEngine(store, cfg).NewSession("c1", "u1")

	matches, err := s.Search(context.Background(), []float32{1, 0}, models.TierGlobal)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "closest", matches[0].RecordID)
	assert.Equal(t, "close", matches[1].RecordID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestSearch_CandidateLoadErrorIsNotCached(t *testing.T) {
	store := &fakeStore{nativeErr: repository.ErrVectorIndexUnavailable, recentErr: errors.New("db down")}
	s := NewEngine(store, DefaultConfig()).NewSession("c1", "u1")

	_, err := s.Search(context.Background(), []float32{1}, models.TierLocal)
	require.Error(t, err)

	store.recentErr = nil
	_, err = s.Search(context.Background(), []float32{1}, models.TierLocal)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.recentCalls.Load())
}

func TestDecide(t *testing.T) {
	cfg := DefaultConfig()
	local := &Match{RecordID: "l", Score: 0.86}
	global := &Match{RecordID: "g", Score: 0.99}

	m, rule, ok := Decide(local, global, cfg)
	require.True(t, ok)
	assert.Equal(t, models.RuleSimilarLocal, rule)
	assert.Equal(t, "l", m.RecordID)

	m, rule, ok = Decide(&Match{Score: 0.8}, global, cfg)
	require.True(t, ok)
	assert.Equal(t, models.RuleSimilarGlobal, rule)
	assert.Equal(t, "g", m.RecordID)

	_, _, ok = Decide(&Match{Score: 0.8}, &Match{Score: 0.74}, cfg)
	assert.False(t, ok)

	_, _, ok = Decide(nil, nil, cfg)
	assert.False(t, ok)
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityHigh, Severity(models.RuleSimilarLocal, 0.96))
	assert.Equal(t, models.SeverityMedium, Severity(models.RuleSimilarLocal, 0.9))
	assert.Equal(t, models.SeverityMedium, Severity(models.RuleSimilarGlobal, 0.92))
	assert.Equal(t, models.SeverityLow, Severity(models.RuleSimilarGlobal, 0.8))
}

func TestScan_BatchesAndProgress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.Concurrency = 2
	store := &fakeStore{
		nativeErr: repository.ErrVectorIndexUnavailable,
		candidates: map[models.SimilarityTier][]repository.Candidate{
			models.TierLocal: {{RecordID: "hist", UploadID: "old", Vector: []float32{1, 0.05}}},
		},
	}
	s := NewEngine(store, cfg).NewSession("c1", "u1")

	records := make([]models.Record, 0, 7)
	for i := 0; i < 7; i++ {
		rec := models.Record{ID: string(rune('a' + i)), UploadID: "u1"}
		if i%2 == 0 {
			rec.Embedding = []float32{1, 0}
		}
		records = append(records, rec)
	}

	var (
		mu       sync.Mutex
		batches  [][]Result
		resolved []int
	)
	err := s.Scan(context.Background(), records,
		func(rs []Result) error {
			batches = append(batches, rs)
			return nil
		},
		func(done int) {
			mu.Lock()
			resolved = append(resolved, done)
			mu.Unlock()
		})
	require.NoError(t, err)

	assert.Len(t, resolved, 7)
	var ids []string
	for _, b := range batches {
		for _, r := range b {
			ids = append(ids, r.Record.ID)
			assert.Equal(t, models.RuleSimilarLocal, r.Rule)
			assert.Equal(t, "hist", r.Match.RecordID)
		}
	}
	assert.Equal(t, []string{"a", "c", "e", "g"}, ids)
}

func TestScan_LookupErrorsSkipRecord(t *testing.T) {
	store := &fakeStore{nativeErr: repository.ErrVectorIndexUnavailable, recentErr: errors.New("boom")}
	s := NewEngine(store, DefaultConfig()).NewSession("c1", "u1")

	var calls atomic.Int32
	err := s.Scan(context.Background(),
		[]models.Record{{ID: "a", Embedding: []float32{1}}, {ID: "b", Embedding: []float32{1}}},
		func([]Result) error { t.Fatal("no results expected"); return nil },
		func(int) { calls.Add(1) })
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestScan_OnBatchErrorStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	store := &fakeStore{
		nativeErr: repository.ErrVectorIndexUnavailable,
		candidates: map[models.SimilarityTier][]repository.Candidate{
			models.TierLocal: {{RecordID: "h", Vector: []float32{1, 0.05}}},
		},
	}
	s := NewEngine(store, cfg).NewSession("c1", "u1")

	sentinel := errors.New("storage")
	var n int
	err := s.Scan(context.Background(),
		[]models.Record{{ID: "a", Embedding: []float32{1, 0}}, {ID: "b", Embedding: []float32{1, 0}}},
		func([]Result) error { n++; return sentinel },
		nil)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, n)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(configForTest())
	assert.Equal(t, 0.9, cfg.NearDuplicateThreshold)
	assert.Equal(t, 0.75, cfg.SuspiciousThreshold)
	assert.Equal(t, 7, cfg.TopK)
}

func configForTest() config.SimilarityConfig {
	return config.SimilarityConfig{NearDuplicateThreshold: 0.9, TopK: 7}
}
