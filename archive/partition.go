// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/vidurai-project/vidurai/event"
	"github.com/vidurai-project/vidurai/lib/codec"
)

// Cold partition format (".vcp", vidurai columnar partition):
//
//	magic(8) | row count(4, LE) | column index(6 × 44) | column blocks
//
// Each column index entry is 32-byte BLAKE3 hash of the uncompressed
// block + 1-byte compression tag + 3 reserved bytes + 4-byte
// compressed size + 4-byte uncompressed size. Columns are stored in a
// fixed order (timestamp, type, file, project, session, payload), so
// no column names appear on disk. Partitions are write-once: they are
// created by archival and never mutated.
const (
	partitionVersion = 1

	// partitionHeaderSize is the fixed header: 8-byte magic + 4-byte
	// row count.
	partitionHeaderSize = 12

	// columnIndexEntrySize is one column index entry.
	columnIndexEntrySize = 44

	// partitionColumnCount is the fixed number of columns.
	partitionColumnCount = 6
)

// partitionMagic is the 8-byte partition file signature.
var partitionMagic = [8]byte{'V', 'C', 'P', 'A', 'R', 'T', partitionVersion, 0}

// columnIndexEntry describes one column block.
type columnIndexEntry struct {
	hash             [32]byte
	compression      CompressionTag
	compressedSize   uint32
	uncompressedSize uint32
}

// columnSet is the transposed form of a slice of envelopes. The
// payload column holds each envelope's data map as compact JSON so
// free-form values survive the round trip exactly as the hot tier
// stored them.
type columnSet struct {
	timestamps []float64
	types      []string
	files      []string
	projects   []string
	sessions   []string
	payloads   [][]byte
}

// transpose converts row-oriented envelopes into columns.
func transpose(envelopes []*event.Envelope) (*columnSet, error) {
	columns := &columnSet{
		timestamps: make([]float64, 0, len(envelopes)),
		types:      make([]string, 0, len(envelopes)),
		files:      make([]string, 0, len(envelopes)),
		projects:   make([]string, 0, len(envelopes)),
		sessions:   make([]string, 0, len(envelopes)),
		payloads:   make([][]byte, 0, len(envelopes)),
	}
	for _, envelope := range envelopes {
		var payload []byte
		if len(envelope.Data) > 0 {
			encoded, err := json.Marshal(envelope.Data)
			if err != nil {
				return nil, fmt.Errorf("encoding event payload: %w", err)
			}
			payload = encoded
		}
		columns.timestamps = append(columns.timestamps, envelope.Timestamp)
		columns.types = append(columns.types, envelope.Type)
		columns.files = append(columns.files, envelope.File)
		columns.projects = append(columns.projects, envelope.Project)
		columns.sessions = append(columns.sessions, envelope.SessionID)
		columns.payloads = append(columns.payloads, payload)
	}
	return columns, nil
}

// rows converts columns back into envelopes.
func (c *columnSet) rows() ([]*event.Envelope, error) {
	envelopes := make([]*event.Envelope, 0, len(c.timestamps))
	for i := range c.timestamps {
		envelope := &event.Envelope{
			Timestamp: c.timestamps[i],
			Type:      c.types[i],
			File:      c.files[i],
			Project:   c.projects[i],
			SessionID: c.sessions[i],
		}
		if len(c.payloads[i]) > 0 {
			if err := json.Unmarshal(c.payloads[i], &envelope.Data); err != nil {
				return nil, fmt.Errorf("decoding event payload row %d: %w", i, err)
			}
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}

// encodedColumns returns the CBOR encoding of each column in storage
// order.
func (c *columnSet) encodedColumns() ([][]byte, error) {
	values := []any{c.timestamps, c.types, c.files, c.projects, c.sessions, c.payloads}
	blocks := make([][]byte, 0, partitionColumnCount)
	for _, value := range values {
		block, err := codec.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding column: %w", err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// writePartition writes envelopes as one partition file. The write is
// atomic: data goes to a temporary file in the same directory, is
// synced, and renamed into place, so a crash never leaves a partial
// partition visible to queries.
func writePartition(path string, envelopes []*event.Envelope, tag CompressionTag) error {
	if len(envelopes) == 0 {
		return fmt.Errorf("refusing to write empty partition")
	}

	columns, err := transpose(envelopes)
	if err != nil {
		return err
	}
	blocks, err := columns.encodedColumns()
	if err != nil {
		return err
	}

	var buffer bytes.Buffer
	buffer.Write(partitionMagic[:])

	var rowCount [4]byte
	binary.LittleEndian.PutUint32(rowCount[:], uint32(len(envelopes)))
	buffer.Write(rowCount[:])

	compressed := make([][]byte, 0, len(blocks))
	for _, block := range blocks {
		data, actualTag, err := compressBlock(block, tag)
		if err != nil {
			return fmt.Errorf("compressing column: %w", err)
		}
		entry := columnIndexEntry{
			hash:             blake3.Sum256(block),
			compression:      actualTag,
			compressedSize:   uint32(len(data)),
			uncompressedSize: uint32(len(block)),
		}
		writeIndexEntry(&buffer, entry)
		compressed = append(compressed, data)
	}
	for _, data := range compressed {
		buffer.Write(data)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating partition directory: %w", err)
	}

	temporary, err := os.CreateTemp(filepath.Dir(path), ".vcp-*")
	if err != nil {
		return fmt.Errorf("creating temporary partition: %w", err)
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath)

	if _, err := temporary.Write(buffer.Bytes()); err != nil {
		temporary.Close()
		return fmt.Errorf("writing partition: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return fmt.Errorf("syncing partition: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("closing partition: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		return fmt.Errorf("publishing partition: %w", err)
	}
	return nil
}

func writeIndexEntry(buffer *bytes.Buffer, entry columnIndexEntry) {
	buffer.Write(entry.hash[:])
	buffer.WriteByte(byte(entry.compression))
	buffer.Write([]byte{0, 0, 0})
	var sizes [8]byte
	binary.LittleEndian.PutUint32(sizes[0:4], entry.compressedSize)
	binary.LittleEndian.PutUint32(sizes[4:8], entry.uncompressedSize)
	buffer.Write(sizes[:])
}

// readPartition loads all envelopes from a partition file, verifying
// the magic and every column's BLAKE3 hash.
func readPartition(path string) ([]*event.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading partition: %w", err)
	}
	if len(data) < partitionHeaderSize+partitionColumnCount*columnIndexEntrySize {
		return nil, fmt.Errorf("partition %s: truncated header", path)
	}
	if !bytes.Equal(data[:8], partitionMagic[:]) {
		return nil, fmt.Errorf("partition %s: bad magic", path)
	}
	rowCount := binary.LittleEndian.Uint32(data[8:12])

	entries := make([]columnIndexEntry, partitionColumnCount)
	offset := partitionHeaderSize
	for i := range entries {
		entry := &entries[i]
		copy(entry.hash[:], data[offset:offset+32])
		entry.compression = CompressionTag(data[offset+32])
		entry.compressedSize = binary.LittleEndian.Uint32(data[offset+36 : offset+40])
		entry.uncompressedSize = binary.LittleEndian.Uint32(data[offset+40 : offset+44])
		offset += columnIndexEntrySize
	}

	columns := &columnSet{}
	targets := []any{
		&columns.timestamps, &columns.types, &columns.files,
		&columns.projects, &columns.sessions, &columns.payloads,
	}
	for i, entry := range entries {
		end := offset + int(entry.compressedSize)
		if end > len(data) {
			return nil, fmt.Errorf("partition %s: truncated column %d", path, i)
		}
		block, err := decompressBlock(data[offset:end], entry.compression, int(entry.uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("partition %s: column %d: %w", path, i, err)
		}
		if blake3.Sum256(block) != entry.hash {
			return nil, fmt.Errorf("partition %s: column %d checksum mismatch", path, i)
		}
		if err := codec.Unmarshal(block, targets[i]); err != nil {
			return nil, fmt.Errorf("partition %s: decoding column %d: %w", path, i, err)
		}
		offset = end
	}
	if offset != len(data) {
		return nil, fmt.Errorf("partition %s: %d trailing bytes", path, len(data)-offset)
	}

	if len(columns.timestamps) != int(rowCount) {
		return nil, fmt.Errorf("partition %s: header says %d rows, timestamp column has %d",
			path, rowCount, len(columns.timestamps))
	}
	for i, length := range []int{
		len(columns.types), len(columns.files), len(columns.projects),
		len(columns.sessions), len(columns.payloads),
	} {
		if length != int(rowCount) {
			return nil, fmt.Errorf("partition %s: column %d has %d rows, want %d", path, i+1, length, rowCount)
		}
	}

	return columns.rows()
}

// partitionRowCount reads just the fixed header to report how many
// events a partition holds. Stats uses it to avoid decompressing
// every partition.
func partitionRowCount(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening partition: %w", err)
	}
	defer file.Close()

	var header [partitionHeaderSize]byte
	if _, err := io.ReadFull(file, header[:]); err != nil {
		return 0, fmt.Errorf("partition %s: reading header: %w", path, err)
	}
	if !bytes.Equal(header[:8], partitionMagic[:]) {
		return 0, fmt.Errorf("partition %s: bad magic", path)
	}
	return int(binary.LittleEndian.Uint32(header[8:12])), nil
}

// partitionDay extracts the day a partition covers from its path
// relative to the cold root (cold/YYYY/MM/DD/events_*.vcp). Returns
// false for paths that do not follow the layout.
func partitionDay(coldDir, path string) (time.Time, bool) {
	relative, err := filepath.Rel(coldDir, path)
	if err != nil {
		return time.Time{}, false
	}
	segments := splitPath(relative)
	if len(segments) != 4 {
		return time.Time{}, false
	}
	day, err := time.Parse("2006/01/02", segments[0]+"/"+segments[1]+"/"+segments[2])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func splitPath(path string) []string {
	var segments []string
	for {
		directory, file := filepath.Split(path)
		if file != "" {
			segments = append([]string{file}, segments...)
		}
		directory = filepath.Clean(directory)
		if directory == "." || directory == string(filepath.Separator) || directory == path {
			break
		}
		path = directory
	}
	return segments
}
