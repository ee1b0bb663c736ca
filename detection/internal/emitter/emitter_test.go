package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/common/realtime"
	"github.com/leakhawk/leakhawk-stack/detection/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel, companyID, event string
}

type fakeRealtime struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakeRealtime) Publish(_ context.Context, channel, companyID, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{channel, companyID, event})
	return f.err
}

type fakeQueue struct {
	mu       sync.Mutex
	subjects []string
	jobs     []messaging.WebhookDelivery
	err      error
}

func (f *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var job messaging.WebhookDelivery
	if err := json.Unmarshal(data, &job); err != nil {
		return err
	}
	f.subjects = append(f.subjects, subject)
	f.jobs = append(f.jobs, job)
	return nil
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func batchRequest(clusterKey string, recs ...models.Record) Request {
	ids := make([]string, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID
	}
	return Request{
		Rule:       models.RuleDupInBatchTxID,
		Records:    recs,
		Confidence: 0.97,
		Severity:   models.SeverityHigh,
		ClusterKey: clusterKey,
		Meta: models.BatchDuplicateMeta{
			RuleID:           models.RuleDupInBatchTxID,
			KeyType:          models.KeyTxID,
			Key:              "TX1",
			AnchorRecordID:   "r0",
			FlaggedRecordIDs: ids,
			ClusterSize:      len(recs) + 1,
			Currency:         "USD",
			ImpactedValue:    decimal.NewFromInt(30),
		},
	}
}

func newEmitter(t *testing.T) (*Emitter, *repository.InMemoryRepository, *fakeRealtime, *fakeQueue) {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	rt := &fakeRealtime{}
	q := &fakeQueue{}
	return New(repo, Options{Realtime: rt, Queue: q, Environment: "test"}), repo, rt, q
}

func TestEmit_CreatesThreatAndAlert(t *testing.T) {
	e, repo, rt, q := newEmitter(t)
	repo.AddSubscription(models.WebhookSubscription{ID: "wh1", CompanyID: "c1", Events: []string{models.EventThreatCreated}, Active: true})
	repo.AddSubscription(models.WebhookSubscription{ID: "wh2", CompanyID: "c1", Events: []string{"*"}, Active: true})
	repo.AddSubscription(models.WebhookSubscription{ID: "wh3", CompanyID: "c1", Events: []string{models.EventThreatCreated}, Active: false})
	run := NewRun("c1", "u1", 3)

	r1 := models.Record{ID: "r1", Amount: amount("10.00")}
	r2 := models.Record{ID: "r2", Amount: amount("20.00")}
	threat, err := e.Emit(context.Background(), run, batchRequest("txid_batch:TX1", r1, r2))
	require.NoError(t, err)
	require.NotNil(t, threat)

	assert.Equal(t, "r1", threat.RecordID)
	assert.Equal(t, models.ThreatOpen, threat.Status)
	assert.Equal(t, 0.97, threat.ConfidenceScore)
	assert.Contains(t, threat.Description, `transaction ID "TX1"`)

	alerts := repo.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, threat.ID, alerts[0].ThreatID)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, models.Rules[models.RuleDupInBatchTxID].Title, alerts[0].Title)

	assert.True(t, run.IsFlagged("r1"))
	assert.True(t, run.IsFlagged("r2"))
	assert.True(t, run.FlaggedValue().Equal(decimal.NewFromInt(30)))

	assert.ElementsMatch(t, []published{
		{realtime.ChannelAlerts, "c1", EventAlertCreated},
		{realtime.ChannelThreatUpdates, "c1", EventThreatCreated},
	}, rt.sent)

	require.Len(t, q.jobs, 2)
	for _, job := range q.jobs {
		assert.Equal(t, 1, job.Attempt)
		assert.Equal(t, "test", job.Environment)
		assert.Equal(t, models.EventThreatCreated, job.Event)
		assert.NotEmpty(t, job.ID)
	}
	assert.Equal(t, []string{messaging.SubjectWebhookDeliveries, messaging.SubjectWebhookDeliveries}, q.subjects)
}

func TestEmit_NoOps(t *testing.T) {
	e, repo, _, _ := newEmitter(t)
	run := NewRun("c1", "u1", 3)

	threat, err := e.Emit(context.Background(), run, Request{Rule: models.RuleDupInBatchTxID, ClusterKey: "k"})
	require.NoError(t, err)
	assert.Nil(t, threat)

	req := batchRequest("txid_batch:TX1", models.Record{ID: "r1"})
	first, err := e.Emit(context.Background(), run, req)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := e.Emit(context.Background(), run, req)
	require.NoError(t, err)
	assert.Nil(t, second)

	assert.Len(t, repo.Threats(), 1)
}

func TestEmit_NotificationFailuresAreTolerated(t *testing.T) {
	e, repo, rt, q := newEmitter(t)
	rt.err = errors.New("redis down")
	q.err = errors.New("nats down")
	repo.AddSubscription(models.WebhookSubscription{ID: "wh1", CompanyID: "c1", Events: []string{"*"}, Active: true})

	threat, err := e.Emit(context.Background(), NewRun("c1", "u1", 3), batchRequest("k", models.Record{ID: "r1"}))
	require.NoError(t, err)
	assert.NotNil(t, threat)
	assert.Len(t, repo.Alerts(), 1)
}

func TestEmit_StorageFailurePropagates(t *testing.T) {
	e, repo, rt, _ := newEmitter(t)
	repo.FailThreatWrites = errors.New("disk full")
	run := NewRun("c1", "u1", 3)

	_, err := e.Emit(context.Background(), run, batchRequest("k", models.Record{ID: "r1"}))
	require.Error(t, err)
	assert.False(t, run.IsFlagged("r1"))
	assert.False(t, run.Emitted(models.RuleDupInBatchTxID, "k"))
	assert.Empty(t, rt.sent)
}

func TestEmit_RetryAfterStorageFailure(t *testing.T) {
	e, repo, _, _ := newEmitter(t)
	repo.FailThreatWrites = errors.New("disk full")
	run := NewRun("c1", "u1", 3)
	ctx := context.Background()
	req := batchRequest("k", models.Record{ID: "r1"})

	_, err := e.Emit(ctx, run, req)
	require.Error(t, err)

	repo.FailThreatWrites = nil
	threat, err := e.Emit(ctx, run, req)
	require.NoError(t, err)
	require.NotNil(t, threat)
	assert.True(t, run.IsFlagged("r1"))
	assert.Len(t, repo.Threats(), 1)
}

func TestEmit_ConcurrentSameClusterPersistsOnce(t *testing.T) {
	e, repo, _, _ := newEmitter(t)
	run := NewRun("c1", "u1", 3)
	req := batchRequest("k", models.Record{ID: "r1"}, models.Record{ID: "r2"})

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			threat, err := e.Emit(context.Background(), run, req)
			assert.NoError(t, err)
			if threat != nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, repo.Threats(), 1)
	assert.Len(t, repo.Alerts(), 1)
	assert.Len(t, run.Threats(), 1)
}

func TestRun_Summaries(t *testing.T) {
	e, _, _, _ := newEmitter(t)
	run := NewRun("c1", "u1", 2)
	ctx := context.Background()

	_, err := e.Emit(ctx, run, batchRequest("a", models.Record{ID: "r1", Amount: amount("5")}))
	require.NoError(t, err)
	_, err = e.Emit(ctx, run, batchRequest("b", models.Record{ID: "r2", Amount: amount("50")}, models.Record{ID: "r3", Amount: amount("1")}))
	require.NoError(t, err)

	sums := run.Summaries(1)
	s := sums[models.RuleDupInBatchTxID]
	assert.Equal(t, 2, s.Clusters)
	assert.Equal(t, 3, s.RecordsImpacted)
	assert.True(t, s.ImpactedValue.Equal(decimal.NewFromInt(56)))
	require.Len(t, s.TopClusters, 1)
	assert.Equal(t, "b", s.TopClusters[0].ClusterKey)
	assert.Equal(t, []string{"r1", "r2"}, s.Examples)
	assert.Equal(t, 3, run.FlaggedCount())
	assert.Len(t, run.Threats(), 2)
}

func TestDescribe(t *testing.T) {
	rec := models.Record{ID: "r9", Amount: amount("12.5"), NormalizedCurrency: "EUR", NormalizedPartner: "acme"}

	hist := Describe(Request{
		Rule:    models.RuleDupInDBCanonical,
		Records: []models.Record{rec},
		Meta:    models.HistoricalDuplicateMeta{RuleID: models.RuleDupInDBCanonical, KeyType: models.KeyCanonical, MatchedRecordIDs: []string{"x"}},
	})
	assert.Equal(t, "Record r9 (12.50 EUR to acme) matches 1 record from earlier uploads by the same partner, amount and time window.", hist)

	global := Describe(Request{
		Rule:    models.RuleSimilarGlobal,
		Records: []models.Record{rec},
		Meta:    models.SimilarityMeta{RuleID: models.RuleSimilarGlobal, Tier: models.TierGlobal, Score: 0.8},
	})
	assert.Contains(t, global, "80.0% similar")
	assert.NotContains(t, global, "record x")
}
