package detector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/detection/internal/duplicate"
	"github.com/leakhawk/leakhawk-stack/detection/internal/emitter"
	"github.com/leakhawk/leakhawk-stack/detection/internal/repository"
	"github.com/leakhawk/leakhawk-stack/detection/internal/similarity"
	"github.com/leakhawk/leakhawk-stack/detection/pkg/keys"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func at(offset time.Duration) *time.Time {
	t := base.Add(offset)
	return &t
}

func testConfig() Config {
	return Config{Duplicate: duplicate.DefaultConfig(), TopClustersPerRule: 5, ExamplesPerRule: 3}
}

func newDetector(repo *repository.InMemoryRepository) *Detector {
	em := emitter.New(repo, emitter.Options{})
	return New(testConfig(), repo, em, similarity.NewEngine(repo, similarity.DefaultConfig()))
}

type progressCall struct {
	percent float64
	total   int
	threats int
}

func TestDetectLeaks_BatchTxIDCluster(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	records := []models.Record{
		keys.NewRecord("r1", "c1", "u1", keys.Input{TxID: "TX1", Partner: "Acme Corp", Amount: dec("120.00"), Currency: "usd", Date: at(0)}),
		keys.NewRecord("r2", "c1", "u1", keys.Input{TxID: "TX1", Partner: "Acme Corp", Amount: dec("120.00"), Currency: "usd", Date: at(40 * time.Second)}),
		keys.NewRecord("r3", "c1", "u1", keys.Input{TxID: "TX1", Partner: "Acme Corp", Amount: dec("120.01"), Currency: "usd", Date: at(90 * time.Second)}),
	}
	require.NoError(t, repo.InsertRecords(context.Background(), records))

	var calls []progressCall
	res, err := newDetector(repo).DetectLeaks(context.Background(), records, "u1", "c1", func(p float64, total, threats int) {
		calls = append(calls, progressCall{p, total, threats})
	})
	require.NoError(t, err)

	require.Len(t, res.Threats, 1)
	assert.Equal(t, models.RuleDupInBatchTxID, res.Threats[0].ThreatType)
	assert.Equal(t, 3, res.Summary.TotalRecords)
	assert.Equal(t, 2, res.Summary.FlaggedRecords)
	assert.True(t, res.Summary.FlaggedValue.Equal(decimal.RequireFromString("240.01")), res.Summary.FlaggedValue.String())
	assert.True(t, res.Summary.SimilaritySkipped)
	assert.Contains(t, res.Summary.Message, "2 of 3 records flagged")

	rule := res.Summary.Rules[models.RuleDupInBatchTxID]
	assert.Equal(t, 1, rule.Clusters)
	assert.Equal(t, 2, rule.RecordsImpacted)

	require.NotEmpty(t, calls)
	prev := 0.0
	for _, c := range calls {
		assert.GreaterOrEqual(t, c.percent, ProgressBase)
		assert.LessOrEqual(t, c.percent, ProgressCap)
		assert.GreaterOrEqual(t, c.percent, prev)
		assert.Equal(t, 3, c.total)
		prev = c.percent
	}
	assert.Equal(t, ProgressCap, calls[len(calls)-1].percent)
	assert.Equal(t, 1, calls[len(calls)-1].threats)
}

func TestDetectLeaks_HistoricalCanonical(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	ctx := context.Background()
	in := keys.Input{Partner: "Globex", Amount: dec("75.50"), Currency: "EUR", Date: at(0), UserKey: "acct-7"}
	require.NoError(t, repo.InsertRecords(ctx, []models.Record{keys.NewRecord("old", "c1", "u0", in)}))

	cur := []models.Record{keys.NewRecord("new", "c1", "u1", in)}
	require.NoError(t, repo.InsertRecords(ctx, cur))

	res, err := newDetector(repo).DetectLeaks(ctx, cur, "u1", "c1", nil)
	require.NoError(t, err)
	require.Len(t, res.Threats, 1)
	assert.Equal(t, models.RuleDupInDBCanonical, res.Threats[0].ThreatType)
	assert.Equal(t, 0.95, res.Threats[0].ConfidenceScore)
}

func TestDetectLeaks_SimilarityFallback(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	ctx := context.Background()

	hist := keys.NewRecord("h1", "c1", "u0", keys.Input{TxID: "H1", Partner: "Initech", Amount: dec("10"), Date: at(-48 * time.Hour)})
	other := keys.NewRecord("g1", "c2", "x0", keys.Input{TxID: "G1", Partner: "Umbrella", Amount: dec("99"), Date: at(-72 * time.Hour)})
	require.NoError(t, repo.InsertRecords(ctx, []models.Record{hist, other}))
	require.NoError(t, repo.SaveEmbedding(ctx, "h1", []float32{1, 0, 0}))
	require.NoError(t, repo.SaveEmbedding(ctx, "g1", []float32{0, 1, 0}))

	near := keys.NewRecord("n1", "c1", "u1", keys.Input{TxID: "N1", Partner: "Initech", Amount: dec("11"), Date: at(0)})
	near.Embedding = []float32{1, 0.1, 0}
	global := keys.NewRecord("n2", "c1", "u1", keys.Input{TxID: "N2", Partner: "Umbrella", Amount: dec("98"), Date: at(time.Hour)})
	global.Embedding = []float32{0.1, 1, 0.3}
	plain := keys.NewRecord("n3", "c1", "u1", keys.Input{TxID: "N3", Partner: "Hooli", Amount: dec("5"), Date: at(2 * time.Hour)})
	plain.Embedding = []float32{0, 0, 1}
	records := []models.Record{near, global, plain}

	res, err := newDetector(repo).DetectLeaks(ctx, records, "u1", "c1", nil)
	require.NoError(t, err)
	assert.False(t, res.Summary.SimilaritySkipped)

	byRecord := map[string]*models.Threat{}
	for _, th := range res.Threats {
		byRecord[th.RecordID] = th
	}
	require.Len(t, byRecord, 2)

	local := byRecord["n1"]
	require.NotNil(t, local)
	assert.Equal(t, models.RuleSimilarLocal, local.ThreatType)
	meta := local.Metadata.(models.SimilarityMeta)
	assert.Equal(t, "h1", meta.MatchedRecordID)

	g := byRecord["n2"]
	require.NotNil(t, g)
	assert.Equal(t, models.RuleSimilarGlobal, g.ThreatType)
	gm := g.Metadata.(models.SimilarityMeta)
	assert.Empty(t, gm.MatchedRecordID, "cross-company ids are not exposed")
	assert.InDelta(t, gm.Score, g.ConfidenceScore, 1e-9)
}

func TestDetectLeaks_UniqueClusterKeysAndNoDoubleFlagging(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	ctx := context.Background()
	f := gofakeit.New(7)

	var records []models.Record
	for i := 0; i < 40; i++ {
		in := keys.Input{
			TxID:     fmt.Sprintf("TX%d", f.IntRange(1, 12)),
			Partner:  f.RandomString([]string{"Acme", "Globex", "Initech"}),
			Amount:   dec(fmt.Sprintf("%d.00", f.IntRange(10, 14))),
			Currency: "USD",
			Date:     at(time.Duration(f.IntRange(0, 600)) * time.Second),
			UserKey:  "u",
		}
		rec := keys.NewRecord(fmt.Sprintf("r%02d", i), "c1", "u1", in)
		rec.Embedding = []float32{float32(f.Float64Range(0, 1)), float32(f.Float64Range(0, 1)), 1}
		records = append(records, rec)
	}
	require.NoError(t, repo.InsertRecords(ctx, records))

	res, err := newDetector(repo).DetectLeaks(ctx, records, "u1", "c1", nil)
	require.NoError(t, err)

	seenRecords := map[string]models.RuleID{}
	for _, th := range res.Threats {
		var flagged []string
		switch m := th.Metadata.(type) {
		case models.BatchDuplicateMeta:
			flagged = m.FlaggedRecordIDs
		default:
			flagged = []string{th.RecordID}
		}
		for _, id := range flagged {
			prev, dup := seenRecords[id]
			assert.False(t, dup, "record %s flagged by %s and %s", id, prev, th.ThreatType)
			seenRecords[id] = th.ThreatType
		}
	}
	assert.Equal(t, len(seenRecords), res.Summary.FlaggedRecords)
}

func TestDetectLeaks_StorageFailureAborts(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	repo.FailThreatWrites = assert.AnError
	records := []models.Record{
		keys.NewRecord("a", "c1", "u1", keys.Input{TxID: "T", Partner: "p", Amount: dec("1"), Date: at(0)}),
		keys.NewRecord("b", "c1", "u1", keys.Input{TxID: "T", Partner: "p", Amount: dec("1"), Date: at(time.Second)}),
	}
	_, err := newDetector(repo).DetectLeaks(context.Background(), records, "u1", "c1", nil)
	require.ErrorIs(t, err, assert.AnError)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 50.0, Percent(0, 0))
	assert.Equal(t, 61.25, Percent(0, 1))
	assert.InDelta(t, 66.875, Percent(1, 0.5), 1e-9)
	assert.Equal(t, 95.0, Percent(3, 1))
	assert.Equal(t, 95.0, Percent(4, 1))
	assert.Equal(t, 50.0, Percent(0, -1))
}
