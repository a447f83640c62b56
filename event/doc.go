// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the canonical event records shared by every
// stage of the capture pipeline: the immutable Envelope that producers
// submit, the Stabilized wrapper the stabilizer emits, and the BLAKE3
// content fingerprint used for deduplication.
package event
