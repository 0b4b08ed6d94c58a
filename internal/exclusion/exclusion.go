// Package exclusion holds the sorted set of document ids a run must skip.
package exclusion

import (
	"encoding/binary"
	"fmt"
	"io"

	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// Set is an immutable sorted id set. The zero value and nil are empty.
type Set struct {
	ids []uint32
}

// New takes ownership of ids, which must be sorted ascending. Duplicates are
// allowed.
func New(ids []uint32) (*Set, error) {
	for i := 1; i < len(ids); i++ {
		if ids[i] < ids[i-1] {
			return nil, fmt.Errorf("%w: exclusions not sorted at index %d (%d after %d)",
				apperrors.ErrInvalidInput, i, ids[i], ids[i-1])
		}
	}
	return &Set{ids: ids}, nil
}

// Read loads n little- or big-endian u32 ids from r, the layout the
// featcounts binary expects on stdin.
func Read(r io.Reader, n int, order binary.ByteOrder) (*Set, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative exclusion count %d", apperrors.ErrInvalidInput, n)
	}
	ids := make([]uint32, n)
	if err := binary.Read(r, order, ids); err != nil {
		return nil, fmt.Errorf("%w: reading %d excluded ids: %v", apperrors.ErrInvalidInput, n, err)
	}
	return New(ids)
}

// Contains reports whether id is in the set.
func (s *Set) Contains(id uint32) bool {
	if s == nil {
		return false
	}
	low, high := 0, len(s.ids)-1
	for low <= high {
		mid := int(uint(low+high) >> 1)
		switch v := s.ids[mid]; {
		case v > id:
			high = mid - 1
		case v < id:
			low = mid + 1
		default:
			return true
		}
	}
	return false
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// IDs returns the underlying sorted ids. Callers must not modify them.
func (s *Set) IDs() []uint32 {
	if s == nil {
		return nil
	}
	return s.ids
}
