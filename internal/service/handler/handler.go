// Package handler exposes the engine over HTTP. Requests name a stream file
// under the configured data directory; results are cached per stream version.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/citestream"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/counting"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/exclusion"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/runlog"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/scoring"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/scoring/topk"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/service/cache"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/tracing"
)

// Runner is the engine surface the handler needs.
type Runner interface {
	Score(ctx context.Context, r io.Reader, req engine.ScoreRequest) (*engine.ScoreResult, error)
	Count(ctx context.Context, r io.Reader, req engine.CountRequest) (*counting.Result, error)
}

// Tracker receives one event per finished run.
type Tracker interface {
	Track(ev runlog.RunEvent)
}

type Handler struct {
	runner  Runner
	cache   *cache.Cache
	tracker Tracker
	metrics *metrics.Metrics
	service config.ServiceConfig
	stream  config.StreamConfig
	tracing bool
	logger  *slog.Logger
}

// New accepts nil for resultCache, tracker and m.
func New(runner Runner, resultCache *cache.Cache, tracker Tracker, m *metrics.Metrics, service config.ServiceConfig, stream config.StreamConfig) *Handler {
	return &Handler{
		runner:  runner,
		cache:   resultCache,
		tracker: tracker,
		metrics: m,
		service: service,
		stream:  stream,
		logger:  slog.Default().With("component", "score-handler"),
	}
}

type ScoreRequest struct {
	Source           string    `json:"source"`
	Weights          []float64 `json:"weights"`
	Offset           float32   `json:"offset"`
	Threshold        float32   `json:"threshold"`
	Limit            *int      `json:"limit,omitempty"`
	MinDate          *uint32   `json:"min_date,omitempty"`
	MaxDate          *uint32   `json:"max_date,omitempty"`
	Exclude          []uint32  `json:"exclude,omitempty"`
	ExcludeInScoring bool      `json:"exclude_in_scoring,omitempty"`
	NumCites         uint64    `json:"num_cites,omitempty"`
}

type ScoreResponse struct {
	Source  string           `json:"source"`
	Results []topk.Candidate `json:"results"`
	Stats   scoring.Stats    `json:"stats"`
}

type CountRequest struct {
	Source       string   `json:"source"`
	NumFeatures  int      `json:"num_features"`
	MinDate      *uint32  `json:"min_date,omitempty"`
	MaxDate      *uint32  `json:"max_date,omitempty"`
	Exclude      []uint32 `json:"exclude,omitempty"`
	NumCites     uint64   `json:"num_cites,omitempty"`
	TrackMatched bool     `json:"track_matched,omitempty"`
}

type CountResponse struct {
	Source     string  `json:"source"`
	Matched    uint32  `json:"matched"`
	Counts     []int32 `json:"counts"`
	MatchedIDs string  `json:"matched_ids,omitempty"`
	Scanned    uint64  `json:"scanned"`
	OutOfRange uint64  `json:"out_of_range"`
	Excluded   uint64  `json:"excluded"`
}

// EnableTracing logs a span tree for every run at debug level.
func (h *Handler) EnableTracing() { h.tracing = true }

// Score serves POST /api/v1/score.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req ScoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	limit := h.service.DefaultLimit
	if req.Limit != nil {
		limit = min(*req.Limit, h.service.MaxLimit)
	}
	req.Limit = &limit

	var resp *ScoreResponse
	cacheHit := false
	err := func() error {
		info, err := h.stat(req.Source)
		if err != nil {
			return err
		}
		if len(req.Weights) > h.service.MaxFeatures {
			return fmt.Errorf("%w: %d weights exceed the limit of %d", apperrors.ErrInvalidInput, len(req.Weights), h.service.MaxFeatures)
		}
		for i, wt := range req.Weights {
			if math.IsNaN(wt) || math.Abs(wt) > math.MaxFloat32 {
				return fmt.Errorf("%w: weight %d (%v) is not a finite float32", apperrors.ErrInvalidInput, i, wt)
			}
		}
		excl, err := exclusion.New(req.Exclude)
		if err != nil {
			return err
		}
		minDate, maxDate := dateRange(req.MinDate, req.MaxDate)
		run := engine.ScoreRequest{
			Weights: req.Weights,
			Params: scoring.Params{
				Offset:           req.Offset,
				Threshold:        req.Threshold,
				Limit:            limit,
				MinDate:          minDate,
				MaxDate:          maxDate,
				ExcludeInScoring: req.ExcludeInScoring,
			},
			Exclude:  excl,
			NumCites: req.NumCites,
		}
		compute := func() (*ScoreResponse, error) {
			var res *engine.ScoreResult
			err := h.withStream(ctx, req.Source, "score", func(ctx context.Context, rc io.Reader) error {
				var err error
				res, err = h.runner.Score(ctx, rc, run)
				return err
			})
			if err != nil {
				return nil, err
			}
			return &ScoreResponse{Source: req.Source, Results: res.Results, Stats: res.Stats}, nil
		}
		if h.cache == nil {
			resp, err = compute()
			return err
		}
		key, err := cache.Key(string(runlog.KindScore), info, req)
		if err != nil {
			return err
		}
		resp, cacheHit, err = cache.GetOrCompute(ctx, h.cache, key, compute)
		return err
	}()

	ev := runlog.RunEvent{Type: runlog.KindScore, Source: req.Source, CacheHit: cacheHit}
	if resp != nil {
		ev.Scanned = resp.Stats.Scanned
		ev.Candidates = resp.Stats.Candidates
		ev.Returned = len(resp.Results)
		if h.metrics != nil {
			h.metrics.ResultsReturned.Observe(float64(len(resp.Results)))
		}
	}
	h.finish(ctx, ev, start, err)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Count serves POST /api/v1/count.
func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req CountRequest
	if !h.decode(w, r, &req) {
		return
	}

	var resp *CountResponse
	cacheHit := false
	err := func() error {
		if req.NumFeatures > h.service.MaxFeatures {
			return fmt.Errorf("%w: num_features %d exceeds the limit of %d", apperrors.ErrInvalidInput, req.NumFeatures, h.service.MaxFeatures)
		}
		info, err := h.stat(req.Source)
		if err != nil {
			return err
		}
		excl, err := exclusion.New(req.Exclude)
		if err != nil {
			return err
		}
		minDate, maxDate := dateRange(req.MinDate, req.MaxDate)
		run := engine.CountRequest{
			NumFeatures: req.NumFeatures,
			Params: counting.Params{
				MinDate:      minDate,
				MaxDate:      maxDate,
				TrackMatched: req.TrackMatched,
			},
			Exclude:  excl,
			NumCites: req.NumCites,
		}
		compute := func() (*CountResponse, error) {
			var res *counting.Result
			err := h.withStream(ctx, req.Source, "count", func(ctx context.Context, rc io.Reader) error {
				var err error
				res, err = h.runner.Count(ctx, rc, run)
				return err
			})
			if err != nil {
				return nil, err
			}
			out := &CountResponse{
				Source:     req.Source,
				Matched:    res.Matched,
				Counts:     res.Counts,
				Scanned:    res.Scanned,
				OutOfRange: res.OutOfRange,
				Excluded:   res.Excluded,
			}
			if res.MatchedIDs != nil {
				if out.MatchedIDs, err = res.MatchedIDs.ToBase64(); err != nil {
					return nil, fmt.Errorf("encoding matched ids: %w", err)
				}
			}
			return out, nil
		}
		if h.cache == nil {
			resp, err = compute()
			return err
		}
		key, err := cache.Key(string(runlog.KindCount), info, req)
		if err != nil {
			return err
		}
		resp, cacheHit, err = cache.GetOrCompute(ctx, h.cache, key, compute)
		return err
	}()

	ev := runlog.RunEvent{Type: runlog.KindCount, Source: req.Source, CacheHit: cacheHit}
	if resp != nil {
		ev.Scanned = resp.Scanned
		ev.Matched = resp.Matched
	}
	h.finish(ctx, ev, start, err)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CacheStats serves GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	hits, misses := h.cache.Stats()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  true,
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
		"breaker":  h.cache.BreakerState().String(),
	})
}

// CacheInvalidate serves POST /api/v1/cache/invalidate.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"status": "cache disabled"})
		return
	}
	deleted, err := h.cache.Invalidate(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("cache invalidation failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cache invalidation failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys_deleted": deleted})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, h.service.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// stat resolves a source name to a file in the data directory. Names are
// plain file names; anything that could escape the directory is rejected.
func (h *Handler) stat(source string) (os.FileInfo, error) {
	if source == "" || strings.ContainsAny(source, `/\`) || !filepath.IsLocal(source) {
		return nil, fmt.Errorf("%w: invalid source name %q", apperrors.ErrInvalidInput, source)
	}
	info, err := os.Stat(filepath.Join(h.stream.DataDir, source))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: stream %s", apperrors.ErrNotFound, source)
		}
		return nil, fmt.Errorf("stat stream %s: %w", source, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: stream %s is not a file", apperrors.ErrInvalidInput, source)
	}
	return info, nil
}

// withStream opens the source and runs fn under the service run timeout.
func (h *Handler) withStream(ctx context.Context, source, name string, fn func(ctx context.Context, r io.Reader) error) error {
	rc, err := citestream.Open(filepath.Join(h.stream.DataDir, source), citestream.OpenOptions{
		Compression: h.stream.Compression,
		Mmap:        h.stream.Mmap,
	})
	if err != nil {
		return err
	}
	defer rc.Close()
	if h.tracing {
		var span *tracing.Span
		ctx, span = tracing.StartSpan(ctx, "run."+name)
		span.SetAttr("source", source)
		defer func() {
			span.End()
			span.Log(logger.FromContext(ctx))
		}()
	}
	return resilience.WithTimeout(ctx, h.service.RunTimeout, name, func(ctx context.Context) error {
		return fn(ctx, rc)
	})
}

func (h *Handler) finish(ctx context.Context, ev runlog.RunEvent, start time.Time, err error) {
	elapsed := time.Since(start)
	ev.LatencyMs = elapsed.Milliseconds()
	ev.Timestamp = time.Now().UTC()
	ev.RequestID = logger.RequestID(ctx)
	ev.Status = runlog.StatusOK
	log := logger.FromContext(ctx)
	if err != nil {
		ev.Error = err.Error()
		ev.Status = runlog.StatusError
		if apperrors.HTTPStatusCode(err) < http.StatusInternalServerError {
			ev.Status = runlog.StatusInputError
			log.Warn("run rejected", "kind", ev.Type, "source", ev.Source, "error", err)
		} else {
			log.Error("run failed", "kind", ev.Type, "source", ev.Source, "error", err)
		}
	} else {
		log.Info("run completed",
			"kind", ev.Type,
			"source", ev.Source,
			"scanned", ev.Scanned,
			"cache_hit", ev.CacheHit,
			"latency_ms", ev.LatencyMs,
		)
	}
	if h.metrics != nil {
		h.metrics.ObserveRun(string(ev.Type), ev.Status, elapsed.Seconds(), ev.Scanned)
	}
	if h.tracker != nil {
		h.tracker.Track(ev)
	}
}

// dateRange defaults a missing bound to the widest range.
func dateRange(minDate, maxDate *uint32) (uint32, uint32) {
	lo, hi := uint32(0), uint32(math.MaxUint32)
	if minDate != nil {
		lo = *minDate
	}
	if maxDate != nil {
		hi = *maxDate
	}
	return lo, hi
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// writeError hides internal error text behind a generic message.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatusCode(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		msg = "run failed"
	}
	h.writeJSON(w, status, map[string]string{"error": msg})
}
