// Package runlog carries per-run telemetry from the scoring service to the
// run-statistics service: a batching Kafka collector on one side, an
// in-memory aggregator with PostgreSQL snapshots on the other.
package runlog

import "time"

// Kind names the pipeline a run used.
type Kind string

const (
	KindScore Kind = "score"
	KindCount Kind = "count"
)

// Status buckets run outcomes for metrics and aggregation.
const (
	StatusOK         = "ok"
	StatusInputError = "input_error"
	StatusError      = "error"
)

// RunEvent describes one finished run, successful or not.
type RunEvent struct {
	Type       Kind      `json:"type"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	Scanned    uint64    `json:"scanned"`
	Candidates uint64    `json:"candidates,omitempty"`
	Returned   int       `json:"returned,omitempty"`
	Matched    uint32    `json:"matched,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	CacheHit   bool      `json:"cache_hit"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
}
