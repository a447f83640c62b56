// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the canonical event record. Producers (IDE extensions,
// terminal hooks, browser glue) submit envelopes over IPC; the
// stabilizer cleans the stream and the archiver persists one envelope
// per hot-tier NDJSON line. An Envelope is immutable once constructed —
// the pipeline copies rather than mutates.
type Envelope struct {
	// Timestamp is epoch seconds with fractional precision. Within one
	// hot file timestamps are non-decreasing.
	Timestamp float64 `json:"timestamp"`

	// Type classifies the event: "file_edit", "diagnostic", "terminal",
	// "focus", and so on. Required; the stabilizer drops envelopes with
	// an empty type.
	Type string `json:"event_type"`

	// File is the workspace path the event concerns, when applicable.
	File string `json:"file,omitempty"`

	// Project identifies the workspace the event belongs to.
	Project string `json:"project,omitempty"`

	// Data carries producer-specific payload fields.
	Data map[string]any `json:"data,omitempty"`

	// SessionID ties the event to a producer session.
	SessionID string `json:"session_id,omitempty"`
}

// Time converts the envelope timestamp to a time.Time.
func (e *Envelope) Time() time.Time {
	seconds := int64(e.Timestamp)
	nanos := int64((e.Timestamp - float64(seconds)) * 1e9)
	return time.Unix(seconds, nanos).UTC()
}

// Key is the debounce/dedup identity: events with the same type and
// file collapse together.
func (e *Envelope) Key() string {
	return e.Type + "\x00" + e.File
}

// AppendLine appends the envelope's NDJSON representation (including
// the trailing newline) to buffer and returns the extended slice.
func (e *Envelope) AppendLine(buffer []byte) ([]byte, error) {
	encoded, err := json.Marshal(e)
	if err != nil {
		return buffer, fmt.Errorf("encoding envelope: %w", err)
	}
	buffer = append(buffer, encoded...)
	return append(buffer, '\n'), nil
}

// ParseLine decodes one hot-tier NDJSON line into an Envelope. Returns
// an error for malformed lines; callers skip and count these rather
// than aborting the scan.
func ParseLine(line []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, fmt.Errorf("parsing event line: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("event line missing event_type")
	}
	return &envelope, nil
}
