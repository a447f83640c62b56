// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vidurai-project/vidurai/event"
)

func samplePartitionEvents() []*event.Envelope {
	return []*event.Envelope{
		{
			Timestamp: 1755648000.5,
			Type:      "file_edit",
			File:      "/project/src/app.ts",
			Project:   "vidurai",
			Data:      map[string]any{"gist": "refactored handler", "lines": float64(42)},
			SessionID: "session-1",
		},
		{
			Timestamp: 1755648010.25,
			Type:      "terminal",
			Project:   "vidurai",
			Data:      map[string]any{"command": "go test ./..."},
		},
		{
			Timestamp: 1755648020,
			Type:      "focus",
			File:      "/project/src/app.ts",
			Project:   "other",
		},
	}
}

func TestPartitionRoundTrip(t *testing.T) {
	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "events_test.vcp")
			original := samplePartitionEvents()

			if err := writePartition(path, original, tag); err != nil {
				t.Fatalf("writePartition: %v", err)
			}
			restored, err := readPartition(path)
			if err != nil {
				t.Fatalf("readPartition: %v", err)
			}
			if len(restored) != len(original) {
				t.Fatalf("restored %d events, want %d", len(restored), len(original))
			}
			for i, envelope := range restored {
				want := original[i]
				if envelope.Timestamp != want.Timestamp {
					t.Errorf("event %d: timestamp = %v, want %v", i, envelope.Timestamp, want.Timestamp)
				}
				if envelope.Type != want.Type || envelope.File != want.File ||
					envelope.Project != want.Project || envelope.SessionID != want.SessionID {
					t.Errorf("event %d: fields differ: got %+v, want %+v", i, envelope, want)
				}
				if len(envelope.Data) != len(want.Data) {
					t.Errorf("event %d: data has %d keys, want %d", i, len(envelope.Data), len(want.Data))
				}
				for key, value := range want.Data {
					if envelope.Data[key] != value {
						t.Errorf("event %d: data[%q] = %v, want %v", i, key, envelope.Data[key], value)
					}
				}
			}
		})
	}
}

func TestPartitionRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events_empty.vcp")
	if err := writePartition(path, nil, CompressionZstd); err == nil {
		t.Fatal("expected error for empty partition")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("no file should exist after a rejected write")
	}
}

func TestPartitionDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events_corrupt.vcp")
	if err := writePartition(path, samplePartitionEvents(), CompressionNone); err != nil {
		t.Fatalf("writePartition: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// Flip a byte in the column data region, past the header and index.
	data[len(data)-3] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := readPartition(path); err == nil {
		t.Error("expected checksum error for corrupted partition")
	}
}

func TestPartitionRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events_magic.vcp")
	if err := os.WriteFile(path, make([]byte, 1024), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := readPartition(path); err == nil {
		t.Error("expected bad magic error")
	}
	if _, err := partitionRowCount(path); err == nil {
		t.Error("expected bad magic error from row count")
	}
}

func TestPartitionRowCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events_count.vcp")
	if err := writePartition(path, samplePartitionEvents(), CompressionZstd); err != nil {
		t.Fatalf("writePartition: %v", err)
	}
	rows, err := partitionRowCount(path)
	if err != nil {
		t.Fatalf("partitionRowCount: %v", err)
	}
	if rows != 3 {
		t.Errorf("rows = %d, want 3", rows)
	}
}

func TestPartitionDay(t *testing.T) {
	coldDir := filepath.Join("data", "cold")

	day, ok := partitionDay(coldDir, filepath.Join(coldDir, "2026", "08", "20", "events_abc.vcp"))
	if !ok {
		t.Fatal("expected a valid partition day")
	}
	want := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	if !day.Equal(want) {
		t.Errorf("day = %v, want %v", day, want)
	}

	if _, ok := partitionDay(coldDir, filepath.Join(coldDir, "stray.vcp")); ok {
		t.Error("flat path should not parse as a partition day")
	}
	if _, ok := partitionDay(coldDir, filepath.Join(coldDir, "not", "a", "date", "events_abc.vcp")); ok {
		t.Error("non-date path should not parse as a partition day")
	}
}
