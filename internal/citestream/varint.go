package citestream

import (
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// DecodeGaps appends the ids encoded in src to dst and returns the extended
// slice. Each gap is a run of 7-bit groups, most significant first; the byte
// with the high bit set ends the gap. Ids are the running sum of the gaps.
//
// A payload ending mid-gap, or a gap or id that does not fit in 32 bits, is
// reported as ErrFormat.
func DecodeGaps(dst []uint32, src []byte) ([]uint32, error) {
	var gap, last uint64
	for i, b := range src {
		gap = gap<<7 | uint64(b&0x7f)
		if gap > 0xFFFFFFFF {
			return dst, fmt.Errorf("%w: gap overflows 32 bits at byte %d", apperrors.ErrFormat, i)
		}
		if b&0x80 == 0 {
			continue
		}
		last += gap
		if last > 0xFFFFFFFF {
			return dst, fmt.Errorf("%w: feature id overflows 32 bits at byte %d", apperrors.ErrFormat, i)
		}
		dst = append(dst, uint32(last))
		gap = 0
	}
	if len(src) > 0 && src[len(src)-1]&0x80 == 0 {
		return dst, fmt.Errorf("%w: unterminated gap at end of %d-byte payload", apperrors.ErrFormat, len(src))
	}
	return dst, nil
}

// EncodeGaps appends the gap encoding of ids to dst. ids must be
// non-decreasing; repeated ids encode as zero gaps.
func EncodeGaps(dst []byte, ids []uint32) ([]byte, error) {
	var last uint32
	var group [5]byte
	for i, id := range ids {
		if id < last {
			return dst, fmt.Errorf("%w: ids not ascending at position %d (%d after %d)", apperrors.ErrInvalidInput, i, id, last)
		}
		gap := id - last
		last = id

		n := len(group) - 1
		group[n] = byte(gap&0x7f) | 0x80
		for gap >>= 7; gap > 0; gap >>= 7 {
			n--
			group[n] = byte(gap & 0x7f)
		}
		dst = append(dst, group[n:]...)
	}
	return dst, nil
}

// EncodedLen returns the number of bytes EncodeGaps would produce for ids,
// which must be non-decreasing.
func EncodedLen(ids []uint32) int {
	var last uint32
	total := 0
	for _, id := range ids {
		gap := id - last
		last = id
		total++
		for gap >>= 7; gap > 0; gap >>= 7 {
			total++
		}
	}
	return total
}
