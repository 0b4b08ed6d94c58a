package citestream

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// Compression names accepted by OpenOptions.
const (
	CompressionAuto = "auto"
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// OpenOptions controls how Open turns a path into a byte stream.
type OpenOptions struct {
	// Compression is auto (by extension), none, zstd or lz4.
	Compression string
	// Mmap maps uncompressed files read-only instead of reading through the
	// file descriptor. Ignored for compressed files and on platforms without
	// mmap.
	Mmap bool
}

// Open returns the decompressed contents of the stream file at path.
func Open(path string, opts OpenOptions) (io.ReadCloser, error) {
	kind := compressionFor(path, opts.Compression)
	if kind == "" {
		return nil, fmt.Errorf("%w: unknown compression %q", apperrors.ErrConfig, opts.Compression)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: stream %s", apperrors.ErrNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("opening stream file: %w", err)
	}

	switch kind {
	case CompressionZstd:
		dec, err := zstd.NewReader(file, zstd.WithDecoderConcurrency(1))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return &stackedCloser{Reader: dec, close: func() error {
			dec.Close()
			return file.Close()
		}}, nil
	case CompressionLZ4:
		return &stackedCloser{Reader: lz4.NewReader(file), close: file.Close}, nil
	}

	if opts.Mmap {
		data, unmap, err := mapFile(file)
		if err == nil {
			file.Close()
			return &stackedCloser{Reader: bytes.NewReader(data), close: unmap}, nil
		}
		if err != errMmapUnsupported {
			file.Close()
			return nil, fmt.Errorf("mapping stream file: %w", err)
		}
	}
	return file, nil
}

// compressionFor resolves auto to a concrete kind by extension. It returns
// "" for unknown names.
func compressionFor(path, name string) string {
	switch name {
	case "", CompressionAuto:
		switch strings.ToLower(filepath.Ext(path)) {
		case ".zst", ".zstd":
			return CompressionZstd
		case ".lz4":
			return CompressionLZ4
		default:
			return CompressionNone
		}
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return name
	default:
		return ""
	}
}

// compressor wraps w for the given compression kind. Closing the result
// flushes the compressor but leaves w open.
func compressor(w io.Writer, kind string) (io.WriteCloser, error) {
	switch kind {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		return enc, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type stackedCloser struct {
	io.Reader
	close func() error
}

func (s *stackedCloser) Close() error { return s.close() }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
