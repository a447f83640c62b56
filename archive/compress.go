// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm used for a cold
// partition column block. Tags are stored in partition column headers
// (1 byte each). These values are format constants — changing them
// breaks partition compatibility.
type CompressionTag uint8

const (
	// CompressionNone indicates uncompressed data. Used when the
	// compressed form would not be smaller (tiny or high-entropy
	// columns).
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. Fast with a
	// modest ratio; the choice for latency-sensitive installs.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd at its default level. Better
	// ratios for the text-heavy columns (paths, JSON payloads) that
	// dominate event data. The default.
	CompressionZstd CompressionTag = 2
)

// errIncompressible signals that compression would not shrink the
// data; the caller stores the block uncompressed instead.
var errIncompressible = errors.New("data is incompressible")

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a compression tag from its string
// representation (the storage.compression config value).
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// compressBlock compresses a column block with the requested
// algorithm. When the data does not shrink (or the tag is
// CompressionNone), the input is returned unchanged with
// CompressionNone, so partitions never grow from compression.
func compressBlock(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionLZ4:
		compressed, err := compressLZ4(data)
		if errors.Is(err, errIncompressible) {
			return data, CompressionNone, nil
		}
		if err != nil {
			return nil, 0, err
		}
		return compressed, CompressionLZ4, nil

	case CompressionZstd:
		compressed, err := compressZstd(data)
		if errors.Is(err, errIncompressible) {
			return data, CompressionNone, nil
		}
		if err != nil {
			return nil, 0, err
		}
		return compressed, CompressionZstd, nil

	default:
		return nil, 0, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// decompressBlock reverses compressBlock given the stored tag and the
// known uncompressed size.
func decompressBlock(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed block: got %d bytes, expected %d", len(compressed), uncompressedSize)
		}
		return compressed, nil

	case CompressionLZ4:
		return decompressLZ4(compressed, uncompressedSize)

	case CompressionZstd:
		return decompressZstd(compressed, uncompressedSize)

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// LZ4: block mode.

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible. Also reject output that did not actually shrink.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// Zstd: default level. Encoder and decoder are reused across calls to
// avoid repeated initialization; both are safe for concurrent use.

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	decompressed, err := zstdDecoder.DecodeAll(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(decompressed) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(decompressed), uncompressedSize)
	}
	return decompressed, nil
}
