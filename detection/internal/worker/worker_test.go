package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leakhawk/leakhawk-stack/common/lock"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/leakhawk/leakhawk-stack/common/middleware"
	"github.com/leakhawk/leakhawk-stack/common/models"
	"github.com/leakhawk/leakhawk-stack/common/realtime"
	"github.com/leakhawk/leakhawk-stack/detection/internal/detector"
	"github.com/leakhawk/leakhawk-stack/detection/internal/duplicate"
	"github.com/leakhawk/leakhawk-stack/detection/internal/embedding"
	"github.com/leakhawk/leakhawk-stack/detection/internal/emitter"
	"github.com/leakhawk/leakhawk-stack/detection/internal/repository"
	"github.com/leakhawk/leakhawk-stack/detection/internal/similarity"
	"github.com/leakhawk/leakhawk-stack/detection/pkg/keys"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	channel string
	name    string
	data    UploadEvent
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Publish(_ context.Context, channel, _, name string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := data.(UploadEvent)
	if ok {
		r.events = append(r.events, event{channel, name, ev})
	}
	return nil
}

func (r *recorder) last() event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *countingProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i)}
	}
	return out, nil
}

type fixture struct {
	repo     *repository.InMemoryRepository
	locker   *lock.RedisLocker
	provider *countingProvider
	rt       *recorder
	worker   *Worker
}

func newFixture(t *testing.T, det Detector) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		repo:     repository.NewInMemoryRepository(),
		locker:   lock.NewRedisLocker(rdb),
		provider: &countingProvider{},
		rt:       &recorder{},
	}
	if det == nil {
		em := emitter.New(f.repo, emitter.Options{Realtime: f.rt})
		det = detector.New(
			detector.Config{Duplicate: duplicate.DefaultConfig(), TopClustersPerRule: 5, ExamplesPerRule: 3},
			f.repo, em, similarity.NewEngine(f.repo, similarity.DefaultConfig()))
	}
	f.worker = New(Options{
		Store:    f.repo,
		Locker:   f.locker,
		Batcher:  embedding.NewBatcher(f.provider, embedding.BatchOptions{BatchSize: 2}),
		Detector: det,
		Realtime: f.rt,
		LockTTL:  time.Minute,
	})
	return f
}

func (f *fixture) seed(t *testing.T, status models.UploadStatus) messaging.EmbeddingJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.CreateUpload(ctx, &models.Upload{ID: "u1", CompanyID: "c1", Status: status}))

	d := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	amt := decimal.RequireFromString("42.00")
	var ids []string
	var recs []models.Record
	for i, id := range []string{"r1", "r2", "r3"} {
		date := d.Add(time.Duration(i) * time.Minute)
		recs = append(recs, keys.NewRecord(id, "c1", "u1", keys.Input{TxID: "TX1", Partner: "Acme", Amount: &amt, Date: &date}))
		ids = append(ids, id)
	}
	require.NoError(t, f.repo.InsertRecords(ctx, recs))
	return messaging.EmbeddingJob{CompanyID: "c1", UploadID: "u1", RecordIDs: ids}
}

func TestProcess_CompletesUpload(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seed(t, models.UploadPending)
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, job))

	up, err := f.repo.GetUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadCompleted, up.Status)
	require.NotNil(t, up.CompletedAt)

	var summary detector.Summary
	require.NoError(t, json.Unmarshal(up.Summary, &summary))
	assert.Equal(t, 3, summary.TotalRecords)
	assert.Equal(t, 2, summary.FlaggedRecords)

	recs, err := f.repo.RecordsByUpload(ctx, "u1")
	require.NoError(t, err)
	for _, r := range recs {
		assert.True(t, r.HasEmbedding(), r.ID)
	}
	assert.Equal(t, 2, f.provider.calls)

	last := f.rt.last()
	assert.Equal(t, realtime.ChannelUploadStatus, last.channel)
	assert.Equal(t, EventUploadCompleted, last.name)
	assert.Equal(t, 100.0, last.data.Progress)
	assert.Equal(t, 1, last.data.ThreatsFound)

	prev := -1.0
	for _, ev := range f.rt.events {
		assert.GreaterOrEqual(t, ev.data.Progress, prev, "progress never goes backwards")
		prev = ev.data.Progress
	}

	lease, err := f.locker.Acquire(ctx, lock.UploadKey("u1"), time.Second)
	require.NoError(t, err, "lock released after processing")
	require.NoError(t, lease.Release(ctx))
}

func TestProcess_LogsCarryMessageID(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seed(t, models.UploadPending)

	var buf bytes.Buffer
	f.worker.logger = logging.NewWithWriter(&buf, slog.LevelDebug, "json").Logger

	ctx := middleware.WithRequestID(context.Background(), "msg-777")
	require.NoError(t, f.worker.Process(ctx, job))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	for _, line := range lines {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		assert.Equal(t, "msg-777", entry[logging.FieldRequestID], string(line))
		assert.Equal(t, "u1", entry[logging.FieldUploadID], string(line))
	}
}

func TestProcess_DropsSettledUpload(t *testing.T) {
	for _, status := range []models.UploadStatus{models.UploadCompleted, models.UploadProcessing} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, nil)
			job := f.seed(t, status)
			require.NoError(t, f.worker.Process(context.Background(), job))
			assert.Zero(t, f.provider.calls)
		})
	}
}

func TestProcess_DropsInvalidAndUnknown(t *testing.T) {
	f := newFixture(t, nil)
	assert.NoError(t, f.worker.Process(context.Background(), messaging.EmbeddingJob{UploadID: "u1"}))
	assert.NoError(t, f.worker.Process(context.Background(), messaging.EmbeddingJob{CompanyID: "c1", UploadID: "missing", RecordIDs: []string{"x"}}))
	assert.Zero(t, f.provider.calls)
}

func TestProcess_AbandonsWhenLocked(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seed(t, models.UploadPending)
	ctx := context.Background()

	held, err := f.locker.Acquire(ctx, lock.UploadKey("u1"), time.Minute)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	require.NoError(t, f.worker.Process(ctx, job))
	up, err := f.repo.GetUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadPending, up.Status)
	assert.Zero(t, f.provider.calls)
}

type failingDetector struct {
	err      error
	panicVal any
}

func (d failingDetector) DetectLeaks(context.Context, []models.Record, string, string, detector.ProgressFunc) (*detector.Result, error) {
	if d.panicVal != nil {
		panic(d.panicVal)
	}
	return nil, d.err
}

func TestProcess_FailureMarksUploadFailed(t *testing.T) {
	tests := []struct {
		name    string
		det     failingDetector
		wantMsg string
	}{
		{"error", failingDetector{err: errors.New("threat store unavailable")}, "threat store unavailable"},
		{"panic", failingDetector{panicVal: "index out of range"}, "panic during processing: index out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.det)
			job := f.seed(t, models.UploadPending)
			ctx := context.Background()

			err := f.worker.Process(ctx, job)
			require.Error(t, err)

			up, gerr := f.repo.GetUpload(ctx, "u1")
			require.NoError(t, gerr)
			assert.Equal(t, models.UploadFailed, up.Status)
			assert.Contains(t, up.ErrorMessage, tt.wantMsg)

			last := f.rt.last()
			assert.Equal(t, EventUploadFailed, last.name)
			assert.Contains(t, last.data.Error, tt.wantMsg)

			lease, lerr := f.locker.Acquire(ctx, lock.UploadKey("u1"), time.Second)
			require.NoError(t, lerr, "lock released after failure")
			require.NoError(t, lease.Release(ctx))
		})
	}
}

func TestHandle_MalformedMessageIsAcked(t *testing.T) {
	f := newFixture(t, nil)
	assert.NoError(t, f.worker.Handle(context.Background(), &messaging.Message{Data: []byte("{not json")}))
}

func TestHandle_DecodesJob(t *testing.T) {
	f := newFixture(t, nil)
	job := f.seed(t, models.UploadPending)
	data, err := json.Marshal(job)
	require.NoError(t, err)

	require.NoError(t, f.worker.Handle(context.Background(), &messaging.Message{Data: data}))
	up, err := f.repo.GetUpload(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadCompleted, up.Status)
}
