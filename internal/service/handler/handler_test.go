package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/citestream"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/runlog"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/scoring/topk"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/service/cache"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/citescore/pkg/redis"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, pkgredis.ErrMiss
	}
	return v, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) DeletePattern(_ context.Context, pattern string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var n int64
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}

type recordingTracker struct {
	mu     sync.Mutex
	events []runlog.RunEvent
}

func (t *recordingTracker) Track(ev runlog.RunEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

type fixture struct {
	handler *Handler
	tracker *recordingTracker
	metrics *metrics.Metrics
	mux     *http.ServeMux
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	eng, err := engine.New(config.DefaultEngine())
	require.NoError(t, err)
	require.NoError(t, citestream.WriteFile(filepath.Join(dir, "cites.bin"), eng.Format(), []citestream.Record{
		{ID: 1, Date: 20200101, Features: []uint32{0, 1}},
		{ID: 2, Date: 19990101, Features: []uint32{0}},
		{ID: 3, Date: 20250101, Features: []uint32{1}},
		{ID: 4, Date: 20150601, Features: []uint32{1}},
	}))

	cfg := config.Default()
	cfg.Stream.DataDir = dir
	m := metrics.New(prometheus.NewRegistry())
	var c *cache.Cache
	if withCache {
		c = cache.New(&memStore{data: make(map[string][]byte)}, time.Minute, m)
	}
	tr := &recordingTracker{}
	h := New(eng, c, tr, m, cfg.Service, cfg.Stream)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/score", h.Score)
	mux.HandleFunc("POST /api/v1/count", h.Count)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	return &fixture{handler: h, tracker: tr, metrics: m, mux: mux}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewBufferString(body)))
	return rec
}

const scoreBody = `{"source":"cites.bin","weights":[0.5,2],"offset":1,"threshold":0,"min_date":20100101,"max_date":20240101}`

func TestScore(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/api/v1/score", scoreBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ScoreResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []topk.Candidate{{ID: 1, Score: 3.5}, {ID: 4, Score: 3}}, resp.Results)
	assert.EqualValues(t, 4, resp.Stats.Scanned)
	assert.EqualValues(t, 2, resp.Stats.OutOfRange)

	require.Len(t, f.tracker.events, 1)
	ev := f.tracker.events[0]
	assert.Equal(t, runlog.KindScore, ev.Type)
	assert.Equal(t, runlog.StatusOK, ev.Status)
	assert.Equal(t, 2, ev.Returned)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues("score", "ok")), 0)
}

func TestScoreLimitAndExclusion(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/api/v1/score",
		`{"source":"cites.bin","weights":[0.5,2],"offset":1,"limit":5,"exclude":[1],"exclude_in_scoring":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ScoreResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []topk.Candidate{{ID: 3, Score: 3}, {ID: 4, Score: 3}, {ID: 2, Score: 1.5}}, resp.Results)
	assert.EqualValues(t, 1, resp.Stats.Excluded)

	rec = f.do(t, http.MethodPost, "/api/v1/score", `{"source":"cites.bin","weights":[0.5,2],"offset":1,"limit":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Results)
}

func TestCount(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/api/v1/count",
		`{"source":"cites.bin","num_features":2,"min_date":20100101,"max_date":20240101,"track_matched":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp CountResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.EqualValues(t, 2, resp.Matched)
	assert.Equal(t, []int32{1, 2}, resp.Counts)

	bm := roaring.New()
	_, err := bm.FromBase64(resp.MatchedIDs)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 4}, bm.ToArray())
}

func TestErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, false)
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown source", "/api/v1/score", `{"source":"missing.bin","weights":[1,1]}`, http.StatusNotFound},
		{"path escape", "/api/v1/score", `{"source":"../etc/passwd","weights":[1]}`, http.StatusBadRequest},
		{"unknown field", "/api/v1/score", `{"source":"cites.bin","weight":[1]}`, http.StatusBadRequest},
		{"feature out of bounds", "/api/v1/score", `{"source":"cites.bin","weights":[1]}`, http.StatusUnprocessableEntity},
		{"reversed dates", "/api/v1/count", `{"source":"cites.bin","num_features":2,"min_date":5,"max_date":4}`, http.StatusBadRequest},
		{"unsorted exclusions", "/api/v1/count", `{"source":"cites.bin","num_features":2,"exclude":[4,1]}`, http.StatusBadRequest},
		{"short stream", "/api/v1/count", `{"source":"cites.bin","num_features":2,"num_cites":9}`, http.StatusUnprocessableEntity},
		{"weight overflow", "/api/v1/score", `{"source":"cites.bin","weights":[1e39,1]}`, http.StatusBadRequest},
		{"huge feature count", "/api/v1/count", `{"source":"cites.bin","num_features":1125899906842624}`, http.StatusBadRequest},
		{"feature count over limit", "/api/v1/count", `{"source":"cites.bin","num_features":4194305}`, http.StatusBadRequest},
		{"negative feature count", "/api/v1/count", `{"source":"cites.bin","num_features":-1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
	for _, ev := range f.tracker.events {
		assert.Equal(t, runlog.StatusInputError, ev.Status)
	}
}

func TestTooManyWeights(t *testing.T) {
	f := newFixture(t, false)
	f.handler.service.MaxFeatures = 1
	rec := f.do(t, http.MethodPost, "/api/v1/score", `{"source":"cites.bin","weights":[2,3]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceed the limit")
}

func TestBodyTooLarge(t *testing.T) {
	f := newFixture(t, false)
	f.handler.service.MaxBodyBytes = 16
	rec := f.do(t, http.MethodPost, "/api/v1/score", scoreBody)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestScoreCached(t *testing.T) {
	f := newFixture(t, true)
	first := f.do(t, http.MethodPost, "/api/v1/score", scoreBody)
	require.Equal(t, http.StatusOK, first.Code)
	second := f.do(t, http.MethodPost, "/api/v1/score", scoreBody)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	require.Len(t, f.tracker.events, 2)
	assert.False(t, f.tracker.events[0].CacheHit)
	assert.True(t, f.tracker.events[1].CacheHit)

	rec := f.do(t, http.MethodGet, "/api/v1/cache/stats", "")
	var stats map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.EqualValues(t, 1, stats["hits"])
	assert.Equal(t, "50.0%", stats["hit_rate"])
	assert.Equal(t, "closed", stats["breaker"])

	rec = f.do(t, http.MethodPost, "/api/v1/cache/invalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"keys_deleted":1`)
}

func TestCacheDisabled(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/api/v1/cache/stats", "")
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())
}

func TestTracingLogsSpanTree(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	logger.SetupWriter(&buf, "debug", "json")

	f := newFixture(t, false)
	f.handler.EnableTracing()
	rec := f.do(t, http.MethodPost, "/api/v1/count", `{"source":"cites.bin","num_features":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	out := buf.String()
	assert.Contains(t, out, `"span":"run.count"`)
	assert.Contains(t, out, `"span":"engine.count"`)
}
