package citestream

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// Record is one decoded citation. Features are ascending as encoded.
type Record struct {
	ID       uint32
	Date     uint32
	Features []uint32
}

// RawRecord is a record whose feature payload has not been decoded yet.
type RawRecord struct {
	// Seq is the zero-based position of the record in its stream.
	Seq     uint64
	ID      uint32
	Date    uint32
	Length  uint16
	Payload []byte
}

// Reader streams records sequentially. It is not safe for concurrent use.
type Reader struct {
	br       *bufio.Reader
	format   Format
	header   []byte
	payload  []byte
	features []uint32
	seq      uint64
}

const readBufferSize = 256 << 10

func NewReader(r io.Reader, f Format) (*Reader, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &Reader{
		br:       bufio.NewReaderSize(r, readBufferSize),
		format:   f,
		header:   make([]byte, f.headerSize()),
		payload:  make([]byte, 0, 1024),
		features: make([]uint32, 0, 256),
	}, nil
}

// Format returns the layout the reader was built with.
func (r *Reader) Format() Format { return r.format }

// Records returns how many complete records have been read so far.
func (r *Reader) Records() uint64 { return r.seq }

// NextRaw reads the next record without decoding its payload. The payload
// aliases a reader buffer that is overwritten by the following call.
// It returns io.EOF only at a record boundary.
func (r *Reader) NextRaw() (RawRecord, error) {
	if _, err := io.ReadFull(r.br, r.header); err != nil {
		if err == io.EOF {
			return RawRecord{}, io.EOF
		}
		return RawRecord{}, r.truncated("header", err)
	}

	order := r.format.Order
	raw := RawRecord{Seq: r.seq, ID: order.Uint32(r.header[0:4])}
	off := 4
	if r.format.HasDate {
		raw.Date = order.Uint32(r.header[4:8])
		off = 8
	}
	raw.Length = order.Uint16(r.header[off : off+2])

	size := r.format.payloadBytes(raw.Length)
	if size > r.format.MaxPayload {
		return RawRecord{}, fmt.Errorf("%w: record %d (id %d) declares %d payload bytes, limit %d",
			apperrors.ErrFormat, r.seq, raw.ID, size, r.format.MaxPayload)
	}
	if cap(r.payload) < size {
		r.payload = make([]byte, size)
	}
	r.payload = r.payload[:size]
	if _, err := io.ReadFull(r.br, r.payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return RawRecord{}, r.truncated("payload", err)
	}
	raw.Payload = r.payload
	r.seq++
	return raw, nil
}

// Next reads and decodes the next record. Record.Features is valid until the
// following call.
func (r *Reader) Next() (Record, error) {
	raw, err := r.NextRaw()
	if err != nil {
		return Record{}, err
	}
	r.features, err = r.format.Decode(r.features[:0], raw)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: raw.ID, Date: raw.Date, Features: r.features}, nil
}

func (r *Reader) truncated(part string, err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: record %d truncated in %s", apperrors.ErrFormat, r.seq, part)
	}
	return fmt.Errorf("reading record %d %s: %w", r.seq, part, err)
}

// Decode appends the feature ids of raw to dst.
func (f Format) Decode(dst []uint32, raw RawRecord) ([]uint32, error) {
	if f.Encoding == Plain {
		return f.decodePlain(dst, raw)
	}
	start := len(dst)
	dst, err := DecodeGaps(dst, raw.Payload)
	if err != nil {
		return dst, fmt.Errorf("record %d (id %d): %w", raw.Seq, raw.ID, err)
	}
	if f.FeatureWidth == 16 {
		for _, id := range dst[start:] {
			if id > f.maxFeature() {
				return dst, fmt.Errorf("%w: record %d (id %d): feature %d exceeds 16 bits",
					apperrors.ErrFormat, raw.Seq, raw.ID, id)
			}
		}
	}
	return dst, nil
}

func (f Format) decodePlain(dst []uint32, raw RawRecord) ([]uint32, error) {
	width := f.entrySize()
	if len(raw.Payload) != int(raw.Length)*width {
		return dst, fmt.Errorf("%w: record %d (id %d): %d payload bytes for %d entries",
			apperrors.ErrFormat, raw.Seq, raw.ID, len(raw.Payload), raw.Length)
	}
	for i := 0; i < len(raw.Payload); i += width {
		if width == 2 {
			dst = append(dst, uint32(f.Order.Uint16(raw.Payload[i:])))
		} else {
			dst = append(dst, f.Order.Uint32(raw.Payload[i:]))
		}
	}
	return dst, nil
}
