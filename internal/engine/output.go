package engine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/counting"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/scoring/topk"
	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// WriteScores writes results as (score f32, id u32) pairs, best first.
func WriteScores(w io.Writer, order binary.ByteOrder, results []topk.Candidate) error {
	bw := bufio.NewWriter(w)
	var buf [8]byte
	for _, c := range results {
		order.PutUint32(buf[0:4], math.Float32bits(c.Score))
		order.PutUint32(buf[4:8], c.ID)
		if _, err := bw.Write(buf[:]); err != nil {
			return fmt.Errorf("writing scores: %w", err)
		}
	}
	return bw.Flush()
}

// WriteCounts writes the matched document count as u32 followed by one i32
// per feature.
func WriteCounts(w io.Writer, order binary.ByteOrder, res *counting.Result) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, order, res.Matched); err != nil {
		return fmt.Errorf("writing matched count: %w", err)
	}
	if err := binary.Write(bw, order, res.Counts); err != nil {
		return fmt.Errorf("writing feature counts: %w", err)
	}
	return bw.Flush()
}

// ReadWeights reads n float64 weights, the layout the cscore binary expects
// on stdin.
func ReadWeights(r io.Reader, n int, order binary.ByteOrder) ([]float64, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative feature count %d", apperrors.ErrInvalidInput, n)
	}
	if n > counting.MaxFeatures {
		return nil, fmt.Errorf("%w: feature count %d exceeds %d", apperrors.ErrInvalidInput, n, counting.MaxFeatures)
	}
	weights := make([]float64, n)
	if err := binary.Read(r, order, weights); err != nil {
		return nil, fmt.Errorf("%w: reading %d weights: %v", apperrors.ErrInvalidInput, n, err)
	}
	return weights, nil
}
