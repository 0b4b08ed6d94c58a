package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/postgres"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	fail    bool
}

func (p *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.batches = append(p.batches, events)
	return nil
}

func (p *fakePublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestCollectorFlushesFullBatch(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	for i := 0; i < 3; i++ {
		c.Track(RunEvent{Type: KindScore, Source: "cites.bin", Status: StatusOK})
	}
	assert.Eventually(t, func() bool { return pub.published() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	c.Close()
}

func TestCollectorFinalFlushOnShutdown(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Track(RunEvent{Type: KindCount, Source: "a"})
	c.Track(RunEvent{Type: KindCount, Source: "b"})
	cancel()
	c.Close()

	assert.Equal(t, 2, pub.published())
	assert.Equal(t, "a", pub.batches[0][0].Key)
}

func TestCollectorKeepsEventsWhenPublishFails(t *testing.T) {
	pub := &fakePublisher{fail: true}
	c := NewCollector(pub, 2, time.Hour)
	c.Track(RunEvent{Source: "a"})
	c.Track(RunEvent{Source: "b"})
	c.flush(context.Background())
	assert.Equal(t, 2, c.Buffered())

	pub.fail = false
	c.flush(context.Background())
	assert.Equal(t, 0, c.Buffered())
	assert.Equal(t, 2, pub.published())
}

func TestCollectorDropsWhenBufferFull(t *testing.T) {
	c := NewCollector(&fakePublisher{}, 1, time.Hour)
	for i := 0; i < 15; i++ {
		c.Track(RunEvent{Source: "x"})
	}
	assert.Equal(t, 10, c.Buffered())
	assert.EqualValues(t, 5, c.dropped)
}

func TestAggregatorStats(t *testing.T) {
	a := NewAggregator()
	for i := 1; i <= 100; i++ {
		ev := RunEvent{
			Type:      KindScore,
			Source:    "big.bin",
			Status:    StatusOK,
			Scanned:   10,
			LatencyMs: int64(i),
		}
		if i%4 == 0 {
			ev.Type = KindCount
			ev.Source = "small.bin"
		}
		if i == 7 {
			ev.Status = StatusInputError
		}
		if i == 9 {
			ev.Status = StatusError
			ev.CacheHit = true
		}
		a.Record(ev)
	}

	s := a.Stats()
	assert.EqualValues(t, 100, s.TotalRuns)
	assert.EqualValues(t, 75, s.ScoreRuns)
	assert.EqualValues(t, 25, s.CountRuns)
	assert.EqualValues(t, 1, s.InputErrors)
	assert.EqualValues(t, 1, s.Errors)
	assert.EqualValues(t, 1, s.CacheHits)
	assert.EqualValues(t, 1000, s.RecordsScanned)
	assert.InDelta(t, 50.5, s.AvgLatencyMs, 1e-9)
	assert.EqualValues(t, 51, s.P50LatencyMs)
	assert.EqualValues(t, 96, s.P95LatencyMs)
	assert.EqualValues(t, 100, s.P99LatencyMs)
	require.Len(t, s.TopSources, 2)
	assert.Equal(t, SourceCount{Source: "big.bin", Runs: 75}, s.TopSources[0])
}

func TestAggregatorRestore(t *testing.T) {
	a := NewAggregator()
	a.Restore(Stats{TotalRuns: 40, ScoreRuns: 40, TopSources: []SourceCount{{Source: "x", Runs: 40}}})
	a.Record(RunEvent{Type: KindScore, Source: "x"})

	s := a.Stats()
	assert.EqualValues(t, 41, s.TotalRuns)
	assert.Equal(t, []SourceCount{{Source: "x", Runs: 41}}, s.TopSources)
}

func TestAggregatorHandleMessage(t *testing.T) {
	a := NewAggregator()
	h := a.HandleMessage()

	data, err := json.Marshal(RunEvent{Type: KindCount, Source: "s", Scanned: 4})
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), []byte("s"), data))
	require.NoError(t, h(context.Background(), []byte("s"), []byte("{broken")))

	s := a.Stats()
	assert.EqualValues(t, 1, s.TotalRuns)
	assert.EqualValues(t, 4, s.RecordsScanned)
}

func TestPercentileEmpty(t *testing.T) {
	assert.Zero(t, percentile(nil, 99))
}

func TestHandlerStats(t *testing.T) {
	a := NewAggregator()
	a.Record(RunEvent{Type: KindScore, Source: "s", LatencyMs: 12})
	h := NewHandler(a, nil)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var s Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	assert.EqualValues(t, 1, s.ScoreRuns)
	assert.EqualValues(t, 12, s.P50LatencyMs)

	rec = httptest.NewRecorder()
	h.Snapshots(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/snapshots", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// skipIfNoPostgres skips the test unless TEST_POSTGRES_HOST points at a
// reachable database.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	host := os.Getenv("TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("skipping: TEST_POSTGRES_HOST not set")
	}
	cfg := config.Default().Postgres
	cfg.Host = host
	if v := os.Getenv("TEST_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := postgres.New(ctx, cfg)
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreSnapshots(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	store := NewStore(db)
	require.NoError(t, store.Migrate(ctx))
	_, err := db.DB.ExecContext(ctx, `TRUNCATE run_snapshots`)
	require.NoError(t, err)

	latest, err := store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, store.SaveSnapshot(ctx, Stats{TotalRuns: 1}))
	require.NoError(t, store.SaveSnapshot(ctx, Stats{TotalRuns: 2}))

	latest, err = store.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.EqualValues(t, 2, latest.TotalRuns)

	list, err := store.ListSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.EqualValues(t, 2, list[0].TotalRuns)
}
