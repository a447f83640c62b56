// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique identifiers for request IDs, session IDs, or event
// payloads that must be distinguishable in shared fixtures.
//
//	requestID := testutil.UniqueID("req")   // "req-1", "req-2", ...
//	session := testutil.UniqueID("session") // "session-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
