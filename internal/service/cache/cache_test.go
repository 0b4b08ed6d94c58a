package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/citescore/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/resilience"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
	sets atomic.Int32
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

var errDown = errors.New("connection refused")

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errDown
	}
	v, ok := s.data[key]
	if !ok {
		return nil, pkgredis.ErrMiss
	}
	return v, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errDown
	}
	s.sets.Add(1)
	s.data[key] = value
	return nil
}

func (s *memStore) DeletePattern(_ context.Context, pattern string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errDown
	}
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

type result struct {
	IDs []uint32 `json:"ids"`
}

func TestGetOrComputeCachesResult(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c := New(newMemStore(), time.Minute, m)
	ctx := context.Background()
	calls := 0
	compute := func() (result, error) {
		calls++
		return result{IDs: []uint32{4, 2}}, nil
	}

	got, hit, err := GetOrCompute(ctx, c, "citescore:score:k", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []uint32{4, 2}, got.IDs)

	got, hit, err = GetOrCompute(ctx, c, "citescore:score:k", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []uint32{4, 2}, got.IDs)
	assert.Equal(t, 1, calls)

	hits, misses := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CacheHitsTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CacheMissesTotal), 0)
}

func TestGetOrComputeDoesNotCacheErrors(t *testing.T) {
	store := newMemStore()
	c := New(store, time.Minute, nil)
	boom := errors.New("record 3 truncated")

	_, _, err := GetOrCompute(context.Background(), c, "k", func() (result, error) { return result{}, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, store.sets.Load())
}

func TestGetOrComputeSingleflight(t *testing.T) {
	c := New(newMemStore(), time.Minute, nil)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := GetOrCompute(context.Background(), c, "same", func() (result, error) {
				calls.Add(1)
				<-release
				return result{IDs: []uint32{1}}, nil
			})
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestStoreFailureFallsThroughAndTripsBreaker(t *testing.T) {
	store := newMemStore()
	store.fail = true
	m := metrics.New(prometheus.NewRegistry())
	c := New(store, time.Minute, m)

	for i := 0; i < 3; i++ {
		got, hit, err := GetOrCompute(context.Background(), c, "k", func() (result, error) {
			return result{IDs: []uint32{9}}, nil
		})
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, []uint32{9}, got.IDs)
	}
	assert.Equal(t, resilience.StateOpen, c.BreakerState())
	assert.InDelta(t, float64(resilience.StateOpen),
		testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("redis-cache")), 0)

	_, err := c.Invalidate(context.Background())
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestMissesDoNotTripBreaker(t *testing.T) {
	c := New(newMemStore(), time.Minute, nil)
	var dst result
	for i := 0; i < 20; i++ {
		assert.False(t, c.get(context.Background(), "absent", &dst))
	}
	assert.Equal(t, resilience.StateClosed, c.BreakerState())
}

func TestInvalidate(t *testing.T) {
	store := newMemStore()
	store.data["other:x"] = []byte("1")
	c := New(store, time.Minute, nil)
	_, _, err := GetOrCompute(context.Background(), c, keyPrefix+"count:a", func() (result, error) { return result{}, nil })
	require.NoError(t, err)

	n, err := c.Invalidate(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Contains(t, store.data, "other:x")
}

func TestKeyTracksSourceIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cites.bin")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)

	req := map[string]any{"limit": 10}
	k1, err := Key("score", info, req)
	require.NoError(t, err)
	k2, err := Key("score", info, req)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "citescore:score:"))

	k3, err := Key("count", info, req)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3, 4}, 0o644))
	info2, err := os.Stat(path)
	require.NoError(t, err)
	k4, err := Key("score", info2, req)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}
