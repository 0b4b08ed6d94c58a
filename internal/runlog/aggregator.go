package runlog

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/kafka"
)

// maxLatencySamples bounds the latency window used for percentiles.
const maxLatencySamples = 10000

// Stats is the aggregate view served by the run-statistics service and
// persisted as snapshots.
type Stats struct {
	TotalRuns      int64         `json:"total_runs"`
	ScoreRuns      int64         `json:"score_runs"`
	CountRuns      int64         `json:"count_runs"`
	InputErrors    int64         `json:"input_errors"`
	Errors         int64         `json:"errors"`
	CacheHits      int64         `json:"cache_hits"`
	RecordsScanned uint64        `json:"records_scanned"`
	AvgLatencyMs   float64       `json:"avg_latency_ms"`
	P50LatencyMs   int64         `json:"p50_latency_ms"`
	P95LatencyMs   int64         `json:"p95_latency_ms"`
	P99LatencyMs   int64         `json:"p99_latency_ms"`
	TopSources     []SourceCount `json:"top_sources"`
	RunsPerMinute  float64       `json:"runs_per_minute"`
}

type SourceCount struct {
	Source string `json:"source"`
	Runs   int64  `json:"runs"`
}

// Aggregator folds run events into Stats. Safe for concurrent use.
type Aggregator struct {
	mu        sync.RWMutex
	stats     Stats
	latencies []int64
	next      int
	sources   map[string]int64
	startTime time.Time
	logger    *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies: make([]int64, 0, 1024),
		sources:   make(map[string]int64),
		startTime: time.Now(),
		logger:    slog.Default().With("component", "run-aggregator"),
	}
}

// Restore seeds the counters from a persisted snapshot so totals survive a
// restart. Latency samples are not persisted and start empty.
func (a *Aggregator) Restore(s Stats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.TotalRuns = s.TotalRuns
	a.stats.ScoreRuns = s.ScoreRuns
	a.stats.CountRuns = s.CountRuns
	a.stats.InputErrors = s.InputErrors
	a.stats.Errors = s.Errors
	a.stats.CacheHits = s.CacheHits
	a.stats.RecordsScanned = s.RecordsScanned
	for _, sc := range s.TopSources {
		a.sources[sc.Source] = sc.Runs
	}
}

// Record folds one event in.
func (a *Aggregator) Record(ev RunEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.TotalRuns++
	switch ev.Type {
	case KindScore:
		a.stats.ScoreRuns++
	case KindCount:
		a.stats.CountRuns++
	}
	switch ev.Status {
	case StatusInputError:
		a.stats.InputErrors++
	case StatusError:
		a.stats.Errors++
	}
	if ev.CacheHit {
		a.stats.CacheHits++
	}
	a.stats.RecordsScanned += ev.Scanned
	a.sources[ev.Source]++

	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, ev.LatencyMs)
	} else {
		a.latencies[a.next] = ev.LatencyMs
		a.next = (a.next + 1) % maxLatencySamples
	}
}

// HandleMessage adapts Record to the Kafka consumer. Undecodable messages
// are logged and skipped so one bad event cannot stall the partition.
func (a *Aggregator) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		ev, err := kafka.DecodeJSON[RunEvent](value)
		if err != nil {
			a.logger.Error("skipping undecodable run event", "key", string(key), "error", err)
			return nil
		}
		a.Record(ev)
		return nil
	}
}

// Stats returns a consistent copy of the current aggregate.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := a.stats
	if len(a.latencies) > 0 {
		sorted := slices.Clone(a.latencies)
		slices.Sort(sorted)
		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopSources = topSources(a.sources, 10)
	if elapsed := time.Since(a.startTime).Minutes(); elapsed > 0 {
		stats.RunsPerMinute = float64(stats.TotalRuns) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topSources(counts map[string]int64, n int) []SourceCount {
	result := make([]SourceCount, 0, len(counts))
	for source, runs := range counts {
		result = append(result, SourceCount{Source: source, Runs: runs})
	}
	slices.SortFunc(result, func(a, b SourceCount) int {
		if c := cmp.Compare(b.Runs, a.Runs); c != 0 {
			return c
		}
		return cmp.Compare(a.Source, b.Source)
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
