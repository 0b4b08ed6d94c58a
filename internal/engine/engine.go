// Package engine runs one linear pass over a citation stream, feeding every
// decoded record to a scoring or counting accumulator. The same pipeline
// serves every stream layout; the layout is chosen at construction.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/citestream"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/counting"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/exclusion"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/scoring"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/scoring/topk"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/tracing"
)

// Engine is safe for concurrent use; each run owns its buffers.
type Engine struct {
	format    citestream.Format
	workers   int
	chunkSize int
	logger    *slog.Logger
}

func New(cfg config.EngineConfig) (*Engine, error) {
	format, err := citestream.FormatFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		format:    format,
		workers:   cfg.Workers,
		chunkSize: cfg.ChunkSize,
		logger:    slog.Default().With("component", "engine"),
	}, nil
}

func (e *Engine) Format() citestream.Format { return e.format }

// ScoreRequest describes a scoring run. Params.UseDates is derived from the
// stream format.
type ScoreRequest struct {
	Weights []float64
	Params  scoring.Params
	Exclude *exclusion.Set
	// NumCites is the number of records to read. Zero reads to end of stream;
	// otherwise a shorter stream is a format error.
	NumCites uint64
}

type ScoreResult struct {
	Results []topk.Candidate `json:"results"`
	Stats   scoring.Stats    `json:"stats"`
}

// CountRequest describes a counting run.
type CountRequest struct {
	NumFeatures int
	Params      counting.Params
	Exclude     *exclusion.Set
	NumCites    uint64
}

// Score ranks the records of r against req.Weights.
func (e *Engine) Score(ctx context.Context, r io.Reader, req ScoreRequest) (*ScoreResult, error) {
	params := req.Params
	params.UseDates = e.format.HasDate
	if err := params.Validate(); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartChildSpan(ctx, "engine.score")
	defer span.End()

	start := time.Now()
	acc, err := run(ctx, e, r, req.NumCites, func() (*scoring.Accumulator, error) {
		return scoring.NewAccumulator(req.Weights, params, req.Exclude)
	})
	if err != nil {
		return nil, err
	}
	_, selSpan := tracing.StartChildSpan(ctx, "engine.select")
	results := acc.Results()
	selSpan.End()

	stats := acc.Stats()
	span.SetAttr("scanned", stats.Scanned)
	span.SetAttr("candidates", stats.Candidates)
	e.logger.Info("scoring run finished",
		"scanned", stats.Scanned,
		"out_of_range", stats.OutOfRange,
		"candidates", stats.Candidates,
		"returned", len(results),
		"duration", time.Since(start),
	)
	return &ScoreResult{Results: results, Stats: stats}, nil
}

// Count tallies feature occurrences over the records of r.
func (e *Engine) Count(ctx context.Context, r io.Reader, req CountRequest) (*counting.Result, error) {
	params := req.Params
	params.UseDates = e.format.HasDate
	if err := params.Validate(); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartChildSpan(ctx, "engine.count")
	defer span.End()

	start := time.Now()
	acc, err := run(ctx, e, r, req.NumCites, func() (*counting.Accumulator, error) {
		return counting.New(req.NumFeatures, params, req.Exclude)
	})
	if err != nil {
		return nil, err
	}
	res := acc.Result()
	span.SetAttr("scanned", res.Scanned)
	span.SetAttr("matched", res.Matched)
	e.logger.Info("counting run finished",
		"scanned", res.Scanned,
		"matched", res.Matched,
		"excluded", res.Excluded,
		"duration", time.Since(start),
	)
	return &res, nil
}

// accumulator is what scoring and counting have in common.
type accumulator[A any] interface {
	Add(id, date uint32, features []uint32) error
	Merge(other A)
}

func run[A accumulator[A]](ctx context.Context, e *Engine, r io.Reader, numCites uint64, newAcc func() (A, error)) (A, error) {
	var zero A
	rd, err := citestream.NewReader(r, e.format)
	if err != nil {
		return zero, err
	}
	if e.workers > 1 {
		return runParallel(ctx, e, rd, numCites, newAcc)
	}
	acc, err := newAcc()
	if err != nil {
		return zero, err
	}
	for numCites == 0 || rd.Records() < numCites {
		if rd.Records()%cancelCheckEvery == 0 && ctx.Err() != nil {
			return zero, fmt.Errorf("run cancelled after %d records: %w", rd.Records(), ctx.Err())
		}
		rec, err := rd.Next()
		if err == io.EOF {
			if numCites > 0 {
				return zero, shortStream(rd.Records(), numCites)
			}
			break
		}
		if err != nil {
			return zero, err
		}
		if err := acc.Add(rec.ID, rec.Date, rec.Features); err != nil {
			return zero, fmt.Errorf("record %d: %w", rd.Records()-1, err)
		}
	}
	return acc, nil
}

const cancelCheckEvery = 4096

func shortStream(got, want uint64) error {
	return fmt.Errorf("%w: stream ended after %d of %d records", apperrors.ErrFormat, got, want)
}
