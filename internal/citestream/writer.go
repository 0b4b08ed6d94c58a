package citestream

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// Writer appends records to a stream in a given Format. Call Flush when done.
type Writer struct {
	bw      *bufio.Writer
	format  Format
	header  []byte
	payload []byte
	count   uint64
}

func NewWriter(w io.Writer, f Format) (*Writer, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &Writer{
		bw:     bufio.NewWriterSize(w, 64<<10),
		format: f,
		header: make([]byte, f.headerSize()),
	}, nil
}

// Write encodes one record. Features must be ascending for VByte streams.
func (w *Writer) Write(rec Record) error {
	f := w.format
	for _, id := range rec.Features {
		if id > f.maxFeature() {
			return fmt.Errorf("%w: record %d: feature %d exceeds %d bits", apperrors.ErrInvalidInput, rec.ID, id, f.FeatureWidth)
		}
	}

	var length int
	var err error
	w.payload = w.payload[:0]
	if f.Encoding == Plain {
		length = len(rec.Features)
		var entry [4]byte
		for _, id := range rec.Features {
			if f.FeatureWidth == 16 {
				f.Order.PutUint16(entry[:2], uint16(id))
				w.payload = append(w.payload, entry[:2]...)
			} else {
				f.Order.PutUint32(entry[:], id)
				w.payload = append(w.payload, entry[:]...)
			}
		}
	} else {
		w.payload, err = EncodeGaps(w.payload, rec.Features)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.ID, err)
		}
		length = len(w.payload)
	}
	if length > math.MaxUint16 || len(w.payload) > f.MaxPayload {
		return fmt.Errorf("%w: record %d: %d payload bytes exceed limit %d", apperrors.ErrInvalidInput, rec.ID, len(w.payload), f.MaxPayload)
	}

	f.Order.PutUint32(w.header[0:4], rec.ID)
	off := 4
	if f.HasDate {
		f.Order.PutUint32(w.header[4:8], rec.Date)
		off = 8
	}
	f.Order.PutUint16(w.header[off:off+2], uint16(length))

	if _, err := w.bw.Write(w.header); err != nil {
		return fmt.Errorf("writing record header: %w", err)
	}
	if _, err := w.bw.Write(w.payload); err != nil {
		return fmt.Errorf("writing record payload: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 { return w.count }

func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// WriteFile atomically creates path holding records. It writes to a .tmp
// file first and renames on success. Files named *.zst or *.lz4 are
// compressed accordingly.
func WriteFile(path string, f Format, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating stream directory: %w", err)
	}
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp stream file: %w", err)
	}
	defer func() {
		file.Close()
		os.Remove(tmpPath)
	}()

	comp, err := compressor(file, compressionFor(path, CompressionAuto))
	if err != nil {
		return err
	}
	w, err := NewWriter(comp, f)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing stream: %w", err)
	}
	if err := comp.Close(); err != nil {
		return fmt.Errorf("closing compressor: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing stream file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing stream file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming stream file: %w", err)
	}
	return nil
}
