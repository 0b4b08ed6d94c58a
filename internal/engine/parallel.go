package engine

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/citestream"
)

// chunk is a run of raw records whose payloads live in arena.
type chunk struct {
	seq   int
	recs  []citestream.RawRecord
	arena []byte
}

// runParallel reads raw records on one goroutine and hands fixed-size chunks
// to e.workers decoders, each with a private accumulator. Accumulators are
// merged in worker order once every chunk is done. The first error cancels
// the whole run.
func runParallel[A accumulator[A]](ctx context.Context, e *Engine, rd *citestream.Reader, numCites uint64, newAcc func() (A, error)) (A, error) {
	var zero A
	accs := make([]A, e.workers)
	for i := range accs {
		acc, err := newAcc()
		if err != nil {
			return zero, err
		}
		accs[i] = acc
	}

	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan chunk, e.workers)

	g.Go(func() error {
		defer close(chunks)
		seq := 0
		cur := chunk{recs: make([]citestream.RawRecord, 0, e.chunkSize)}
		send := func() error {
			if len(cur.recs) == 0 {
				return nil
			}
			select {
			case chunks <- cur:
			case <-gctx.Done():
				return gctx.Err()
			}
			e.logger.Debug("chunk dispatched", "chunk", seq, "records", len(cur.recs))
			seq++
			cur = chunk{seq: seq, recs: make([]citestream.RawRecord, 0, e.chunkSize), arena: make([]byte, 0, cap(cur.arena))}
			return nil
		}
		for numCites == 0 || rd.Records() < numCites {
			raw, err := rd.NextRaw()
			if err == io.EOF {
				if numCites > 0 {
					return shortStream(rd.Records(), numCites)
				}
				break
			}
			if err != nil {
				return err
			}
			off := len(cur.arena)
			cur.arena = append(cur.arena, raw.Payload...)
			raw.Payload = cur.arena[off:len(cur.arena):len(cur.arena)]
			cur.recs = append(cur.recs, raw)
			if len(cur.recs) == e.chunkSize {
				if err := send(); err != nil {
					return err
				}
			}
		}
		return send()
	})

	for w := range accs {
		acc := accs[w]
		g.Go(func() error {
			features := make([]uint32, 0, 256)
			for c := range chunks {
				for _, raw := range c.recs {
					var err error
					features, err = e.format.Decode(features[:0], raw)
					if err != nil {
						return err
					}
					if err := acc.Add(raw.ID, raw.Date, features); err != nil {
						return fmt.Errorf("record %d: %w", raw.Seq, err)
					}
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return zero, err
	}
	for _, acc := range accs[1:] {
		accs[0].Merge(acc)
	}
	return accs[0], nil
}
