// Package citestream reads and writes citation record streams: a sequence of
// fixed headers (document id, optional completion date, payload length)
// each followed by a feature vector that is either gap-encoded variable-byte
// or plain fixed-width.
package citestream

import (
	"encoding/binary"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
)

// Encoding selects how a record's feature vector is stored.
type Encoding int

const (
	// VByte stores ascending ids as variable-byte gaps. The record length
	// field counts payload bytes.
	VByte Encoding = iota
	// Plain stores ids as fixed-width integers. The record length field
	// counts entries.
	Plain
)

func (e Encoding) String() string {
	if e == Plain {
		return config.EncodingPlain
	}
	return config.EncodingVByte
}

// Format describes the on-disk layout of a stream. Producer and consumer
// must agree on every field; nothing in the stream identifies the format.
type Format struct {
	FeatureWidth int
	Encoding     Encoding
	HasDate      bool
	Order        binary.ByteOrder
	// MaxPayload bounds the payload of a single record in bytes. Larger
	// declared lengths are rejected before any payload byte is read.
	MaxPayload int
}

// DefaultFormat is the current stream layout: dated records with 32-bit
// gap-encoded features in little-endian order.
func DefaultFormat() Format {
	f, _ := FormatFromConfig(config.DefaultEngine())
	return f
}

// FormatFromConfig converts the engine section of the configuration.
func FormatFromConfig(cfg config.EngineConfig) (Format, error) {
	if err := cfg.Validate(); err != nil {
		return Format{}, err
	}
	f := Format{
		FeatureWidth: cfg.FeatureWidth,
		HasDate:      cfg.HasDate,
		Order:        binary.LittleEndian,
		MaxPayload:   cfg.MaxPayload,
	}
	if cfg.Encoding == config.EncodingPlain {
		f.Encoding = Plain
	}
	if cfg.ByteOrder == "big" {
		f.Order = binary.BigEndian
	}
	return f, nil
}

// Validate rejects formats the reader cannot honour.
func (f Format) Validate() error {
	if f.FeatureWidth != 16 && f.FeatureWidth != 32 {
		return fmt.Errorf("%w: feature width must be 16 or 32, got %d", apperrors.ErrConfig, f.FeatureWidth)
	}
	if f.Encoding != VByte && f.Encoding != Plain {
		return fmt.Errorf("%w: unknown encoding %d", apperrors.ErrConfig, f.Encoding)
	}
	if f.Order == nil {
		return fmt.Errorf("%w: byte order not set", apperrors.ErrConfig)
	}
	if f.MaxPayload <= 0 {
		return fmt.Errorf("%w: max payload must be positive", apperrors.ErrConfig)
	}
	return nil
}

// headerSize is the byte length of the fixed record header.
func (f Format) headerSize() int {
	if f.HasDate {
		return 10
	}
	return 6
}

// entrySize is the width of one plain-mode entry in bytes.
func (f Format) entrySize() int {
	return f.FeatureWidth / 8
}

// maxFeature is the largest id representable at the configured width.
func (f Format) maxFeature() uint32 {
	if f.FeatureWidth == 16 {
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

// payloadBytes converts the header length field to a payload size in bytes.
func (f Format) payloadBytes(length uint16) int {
	if f.Encoding == Plain {
		return int(length) * f.entrySize()
	}
	return int(length)
}
