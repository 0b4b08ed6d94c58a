// Package counting tallies feature occurrences over the documents of a
// stream that fall inside a date range and outside an exclusion set.
package counting

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/exclusion"
	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// MaxFeatures caps the counter table at 1 GiB. Callers facing untrusted
// input should apply a tighter limit of their own.
const MaxFeatures = 1 << 28

// Params configures one counting run.
type Params struct {
	MinDate  uint32
	MaxDate  uint32
	UseDates bool
	// TrackMatched records the id of every counted document.
	TrackMatched bool
}

func (p Params) Validate() error {
	if p.UseDates && p.MinDate > p.MaxDate {
		return fmt.Errorf("%w: min date %d after max date %d", apperrors.ErrConfig, p.MinDate, p.MaxDate)
	}
	return nil
}

// Result is the outcome of a counting run.
type Result struct {
	Matched uint32
	Counts  []int32
	// MatchedIDs is set only when Params.TrackMatched is.
	MatchedIDs *roaring.Bitmap
	Scanned    uint64
	OutOfRange uint64
	Excluded   uint64
}

// Accumulator owns one counter table. Parallel workers each get their own
// and Merge at the end.
type Accumulator struct {
	params  Params
	exclude *exclusion.Set
	res     Result
}

func New(numFeatures int, params Params, exclude *exclusion.Set) (*Accumulator, error) {
	if numFeatures < 0 {
		return nil, fmt.Errorf("%w: negative feature count %d", apperrors.ErrConfig, numFeatures)
	}
	if numFeatures > MaxFeatures {
		return nil, fmt.Errorf("%w: feature count %d exceeds %d", apperrors.ErrConfig, numFeatures, MaxFeatures)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	a := &Accumulator{
		params:  params,
		exclude: exclude,
		res:     Result{Counts: make([]int32, numFeatures)},
	}
	if params.TrackMatched {
		a.res.MatchedIDs = roaring.New()
	}
	return a, nil
}

// Add counts one record. Every feature is checked before any counter moves,
// so a failing record leaves the table untouched.
func (a *Accumulator) Add(id, date uint32, features []uint32) error {
	a.res.Scanned++
	if a.params.UseDates && (date < a.params.MinDate || date > a.params.MaxDate) {
		a.res.OutOfRange++
		return nil
	}
	if a.exclude.Contains(id) {
		a.res.Excluded++
		return nil
	}
	counts := a.res.Counts
	for _, f := range features {
		if int(f) >= len(counts) {
			return fmt.Errorf("%w: document %d: feature %d >= %d counters", apperrors.ErrBounds, id, f, len(counts))
		}
	}
	for _, f := range features {
		counts[f]++
	}
	a.res.Matched++
	if a.res.MatchedIDs != nil {
		a.res.MatchedIDs.Add(id)
	}
	return nil
}

// Merge adds other's counters into a element by element.
func (a *Accumulator) Merge(other *Accumulator) {
	for i, c := range other.res.Counts {
		a.res.Counts[i] += c
	}
	a.res.Matched += other.res.Matched
	a.res.Scanned += other.res.Scanned
	a.res.OutOfRange += other.res.OutOfRange
	a.res.Excluded += other.res.Excluded
	if a.res.MatchedIDs != nil && other.res.MatchedIDs != nil {
		a.res.MatchedIDs.Or(other.res.MatchedIDs)
	}
}

// Result returns the accumulated counts. The accumulator must not be used
// afterwards.
func (a *Accumulator) Result() Result {
	if a.res.MatchedIDs != nil {
		a.res.MatchedIDs.RunOptimize()
	}
	return a.res
}
