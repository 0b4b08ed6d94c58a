// Package scoring computes per-document scores as an offset plus the sum of
// feature weights, filters them by date range and threshold, and feeds the
// survivors to a top-K selector.
package scoring

import (
	"fmt"
	"math"

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/exclusion"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/scoring/topk"
	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// Params configures one scoring run.
type Params struct {
	Offset    float32
	Threshold float32
	Limit     int
	// MinDate and MaxDate bound the record date inclusively. They are ignored
	// when UseDates is false (streams without a date field).
	MinDate  uint32
	MaxDate  uint32
	UseDates bool
	// ExcludeInScoring drops excluded ids from the candidate pool. Off by
	// default: exclusions apply to counting only.
	ExcludeInScoring bool
}

// Validate checks the run parameters.
func (p Params) Validate() error {
	if p.UseDates && p.MinDate > p.MaxDate {
		return fmt.Errorf("%w: min date %d after max date %d", apperrors.ErrConfig, p.MinDate, p.MaxDate)
	}
	if p.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", apperrors.ErrConfig, p.Limit)
	}
	if math.IsNaN(float64(p.Threshold)) {
		return fmt.Errorf("%w: threshold is NaN", apperrors.ErrConfig)
	}
	return nil
}

// Stats summarises what an accumulator saw.
type Stats struct {
	Scanned    uint64 `json:"scanned"`
	OutOfRange uint64 `json:"out_of_range"`
	Excluded   uint64 `json:"excluded"`
	Candidates uint64 `json:"candidates"`
}

func (s *Stats) add(o Stats) {
	s.Scanned += o.Scanned
	s.OutOfRange += o.OutOfRange
	s.Excluded += o.Excluded
	s.Candidates += o.Candidates
}

// Score returns offset plus the weights of features, summed left to right in
// float32. The order is fixed so repeated runs are bit-identical.
func Score(offset float32, weights []float64, features []uint32) (float32, error) {
	score := offset
	for _, f := range features {
		if int(f) >= len(weights) {
			return 0, fmt.Errorf("%w: feature %d >= %d weights", apperrors.ErrBounds, f, len(weights))
		}
		score += float32(weights[f])
	}
	return score, nil
}

// Accumulator scores records and keeps the best Limit candidates. Weights and
// the exclusion set are shared read-only; everything else is private, so
// parallel workers each own one and Merge at the end.
type Accumulator struct {
	params   Params
	weights  []float64
	exclude  *exclusion.Set
	selector *topk.Selector
	stats    Stats
}

// NewAccumulator validates params and returns an empty accumulator.
func NewAccumulator(weights []float64, params Params, exclude *exclusion.Set) (*Accumulator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Accumulator{
		params:   params,
		weights:  weights,
		exclude:  exclude,
		selector: topk.New(params.Limit),
	}, nil
}

// Add scores one record. Records outside the date range are skipped before
// their features are looked at. A bounds error aborts the run.
func (a *Accumulator) Add(id, date uint32, features []uint32) error {
	a.stats.Scanned++
	if a.params.UseDates && (date < a.params.MinDate || date > a.params.MaxDate) {
		a.stats.OutOfRange++
		return nil
	}
	if a.params.ExcludeInScoring && a.exclude.Contains(id) {
		a.stats.Excluded++
		return nil
	}
	score, err := Score(a.params.Offset, a.weights, features)
	if err != nil {
		return fmt.Errorf("document %d: %w", id, err)
	}
	// NaN fails this comparison and is never a candidate.
	if score >= a.params.Threshold {
		a.stats.Candidates++
		a.selector.Offer(topk.Candidate{ID: id, Score: score})
	}
	return nil
}

// Merge folds another accumulator of the same run into a.
func (a *Accumulator) Merge(other *Accumulator) {
	a.stats.add(other.stats)
	a.selector.Merge(other.selector)
}

func (a *Accumulator) Stats() Stats { return a.stats }

// Results returns the ranked candidates, best first.
func (a *Accumulator) Results() []topk.Candidate {
	return a.selector.Results()
}
