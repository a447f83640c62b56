// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the daemon's standard CBOR encoding
// configuration.
//
// Vidurai uses two serialization formats with a clear boundary:
//
//   - JSON for external surfaces: the NDJSON IPC protocol, hot-tier
//     event lines, CLI output.
//   - CBOR for internal binary data: cold partition column blocks and
//     the canonical byte form hashed for event fingerprints.
//
// This package provides the shared encoding and decoding modes so that
// every package encodes identically without duplicating configuration.
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, which is what
// makes BLAKE3 fingerprints over encoded event content stable across
// map iteration order.
//
// For buffer-oriented operations (column blocks, fingerprints):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
package codec
