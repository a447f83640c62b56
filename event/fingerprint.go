// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"github.com/zeebo/blake3"

	"github.com/vidurai-project/vidurai/lib/codec"
)

// Fingerprint is a BLAKE3 hash of an envelope's structural content.
// Two envelopes with the same fingerprint are duplicates for dedup
// purposes even when their timestamps differ.
type Fingerprint [32]byte

// fingerprintContent is the subset of envelope fields that defines
// structural identity. Timestamp and session are deliberately
// excluded: a duplicate is the same logical occurrence reported again,
// not the same instant.
type fingerprintContent struct {
	Type    string         `cbor:"type"`
	File    string         `cbor:"file,omitempty"`
	Project string         `cbor:"project,omitempty"`
	Data    map[string]any `cbor:"data,omitempty"`
}

// ComputeFingerprint hashes the envelope's structural content. The
// content is first encoded with deterministic CBOR so that map
// iteration order never changes the hash.
func ComputeFingerprint(e *Envelope) (Fingerprint, error) {
	canonical, err := codec.Marshal(fingerprintContent{
		Type:    e.Type,
		File:    e.File,
		Project: e.Project,
		Data:    e.Data,
	})
	if err != nil {
		return Fingerprint{}, err
	}
	return blake3.Sum256(canonical), nil
}
