// Package topk keeps the highest-scoring candidates of a scoring run.
//
// Candidates are totally ordered by score descending, then id ascending, so
// results do not depend on arrival order and per-worker selectors merge to
// the same answer as one sequential pass.
package topk

import (
	"cmp"
	"container/heap"
	"slices"
)

// Candidate is a scored document.
type Candidate struct {
	ID    uint32  `json:"id"`
	Score float32 `json:"score"`
}

// Compare orders a before b when a ranks higher. NaN scores rank below every
// number.
func Compare(a, b Candidate) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Selector is a bounded min-heap holding the best limit candidates offered.
// It is not safe for concurrent use; give each worker its own and Merge.
type Selector struct {
	limit   int
	h       candidateHeap
	offered uint64
}

// New returns a selector keeping at most limit candidates. A limit of zero or
// less keeps nothing.
func New(limit int) *Selector {
	if limit < 0 {
		limit = 0
	}
	return &Selector{limit: limit, h: make(candidateHeap, 0, min(limit, 1024))}
}

// Offer considers one candidate.
func (s *Selector) Offer(c Candidate) {
	s.offered++
	if s.limit == 0 {
		return
	}
	if len(s.h) < s.limit {
		heap.Push(&s.h, c)
		return
	}
	if Compare(c, s.h[0]) < 0 {
		s.h[0] = c
		heap.Fix(&s.h, 0)
	}
}

// Merge offers every candidate held by other. Offered counts add up.
func (s *Selector) Merge(other *Selector) {
	for _, c := range other.h {
		s.Offer(c)
	}
	s.offered += other.offered - uint64(len(other.h))
}

// Offered returns how many candidates were offered in total.
func (s *Selector) Offered() uint64 { return s.offered }

func (s *Selector) Len() int { return len(s.h) }

// Results returns the kept candidates, best first. The selector is left
// unchanged.
func (s *Selector) Results() []Candidate {
	out := slices.Clone(s.h)
	if out == nil {
		out = []Candidate{}
	}
	slices.SortFunc(out, Compare)
	return out
}

// Select is the reference selection: sort the whole pool and keep the first
// min(limit, len(pool)) entries. pool is not modified.
func Select(pool []Candidate, limit int) []Candidate {
	if limit <= 0 {
		return []Candidate{}
	}
	sorted := slices.Clone(pool)
	slices.SortFunc(sorted, Compare)
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	if sorted == nil {
		sorted = []Candidate{}
	}
	return sorted
}

// candidateHeap keeps the worst kept candidate at the root.
type candidateHeap []Candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool { return Compare(h[i], h[j]) > 0 }

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) {
	*h = append(*h, x.(Candidate))
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
