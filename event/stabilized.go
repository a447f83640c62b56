// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "time"

// Stabilized wraps the envelope that survived debouncing, together
// with how many raw submissions collapsed into it. Stabilized events
// flow to subscribers and the archiver; the archiver persists only the
// underlying envelope.
type Stabilized struct {
	// Envelope is the last submission standing when the debounce timer
	// fired.
	Envelope *Envelope

	// DebounceCount is the number of raw submissions collapsed into
	// this emission. 1 means the event was never resubmitted inside
	// the debounce window.
	DebounceCount int

	// FirstSeen is when the first collapsed submission arrived.
	FirstSeen time.Time

	// LastSeen is when the final collapsed submission arrived.
	LastSeen time.Time
}
