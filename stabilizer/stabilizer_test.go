// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package stabilizer

import (
	"sync"
	"testing"
	"time"

	"github.com/vidurai-project/vidurai/event"
	"github.com/vidurai-project/vidurai/lib/clock"
)

// collector accumulates emissions from subscriber callbacks.
type collector struct {
	mu      sync.Mutex
	events  []*event.Stabilized
	batches [][]*event.Stabilized
}

func (c *collector) onEvent(stabilized *event.Stabilized) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, stabilized)
}

func (c *collector) onBatch(batch []*event.Stabilized) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *collector) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestStabilizer(t *testing.T, options Options) (*Stabilizer, *collector, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	options.Clock = fakeClock
	stabilizer := New(options)
	sink := &collector{}
	stabilizer.OnEvent(sink.onEvent)
	stabilizer.OnBatch(sink.onBatch)
	return stabilizer, sink, fakeClock
}

func TestFiltering(t *testing.T) {
	stabilizer, sink, _ := newTestStabilizer(t, Options{})

	ignored := []string{
		"/project/node_modules/lodash/index.js",
		"/project/.git/HEAD",
		"/project/dist/bundle.js",
		"/project/file.tmp",
	}
	for _, path := range ignored {
		if stabilizer.Submit(&event.Envelope{Type: "file_edit", File: path}) {
			t.Errorf("Submit(%q) should be rejected", path)
		}
	}

	stabilizer.Flush()
	if sink.eventCount() != 0 {
		t.Errorf("emitted %d events, want 0", sink.eventCount())
	}
	if stats := stabilizer.Stats(); stats.Filtered != 4 {
		t.Errorf("filtered = %d, want 4", stats.Filtered)
	}
}

func TestValidationRequiresType(t *testing.T) {
	stabilizer, sink, _ := newTestStabilizer(t, Options{})

	if stabilizer.Submit(&event.Envelope{File: "/project/src/a.ts"}) {
		t.Error("event without type should be rejected")
	}
	if stabilizer.Submit(nil) {
		t.Error("nil envelope should be rejected")
	}

	stabilizer.Flush()
	stats := stabilizer.Stats()
	if stats.Filtered != 2 {
		t.Errorf("filtered = %d, want 2", stats.Filtered)
	}
	if stats.Received != 2 {
		t.Errorf("received = %d, want 2", stats.Received)
	}
	if sink.eventCount() != 0 {
		t.Error("invalid events must never be emitted")
	}
}

func TestNormalFilePasses(t *testing.T) {
	stabilizer, sink, _ := newTestStabilizer(t, Options{})

	if !stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/project/src/index.ts"}) {
		t.Fatal("normal source file should be accepted")
	}
	stabilizer.Flush()

	if sink.eventCount() != 1 {
		t.Fatalf("emitted %d events, want 1", sink.eventCount())
	}
	if stats := stabilizer.Stats(); stats.Processed != 1 {
		t.Errorf("processed = %d, want 1", stats.Processed)
	}
}

func TestDebounceCollapsesRapidEdits(t *testing.T) {
	stabilizer, sink, fakeClock := newTestStabilizer(t, Options{
		DebounceDelay: 100 * time.Millisecond,
	})

	for i := 0; i < 5; i++ {
		stabilizer.Submit(&event.Envelope{
			Type: "file_edit",
			File: "/project/src/app.ts",
			Data: map[string]any{"gist": i},
		})
	}

	if sink.eventCount() != 0 {
		t.Fatal("events should still be pending inside the debounce window")
	}

	fakeClock.Advance(150 * time.Millisecond)

	if sink.eventCount() != 1 {
		t.Fatalf("emitted %d events after debounce, want 1", sink.eventCount())
	}
	if got := sink.events[0].DebounceCount; got != 5 {
		t.Errorf("debounce_count = %d, want 5", got)
	}
	if got := sink.events[0].Envelope.Data["gist"]; got != 4 {
		t.Errorf("emitted envelope should be the last submission, got gist=%v", got)
	}
	if stats := stabilizer.Stats(); stats.Debounced != 4 {
		t.Errorf("debounced = %d, want 4", stats.Debounced)
	}
}

func TestDebounceTimerRestartsPerSubmission(t *testing.T) {
	stabilizer, sink, fakeClock := newTestStabilizer(t, Options{
		DebounceDelay: 100 * time.Millisecond,
	})

	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/a.ts", Data: map[string]any{"n": 1}})
	fakeClock.Advance(80 * time.Millisecond)
	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/a.ts", Data: map[string]any{"n": 2}})
	fakeClock.Advance(80 * time.Millisecond)

	// 160ms after the first submission, but only 80ms after the
	// second: the restarted timer must not have fired.
	if sink.eventCount() != 0 {
		t.Fatal("restarted debounce timer fired early")
	}

	fakeClock.Advance(30 * time.Millisecond)
	if sink.eventCount() != 1 {
		t.Fatalf("emitted %d events, want 1", sink.eventCount())
	}
}

func TestStaleDebounceFireIsIgnored(t *testing.T) {
	stabilizer, sink, fakeClock := newTestStabilizer(t, Options{DebounceDelay: 300 * time.Millisecond})

	envelope := &event.Envelope{Type: "file_edit", File: "/project/src/a.ts"}
	stabilizer.Submit(envelope)
	fakeClock.Advance(100 * time.Millisecond)
	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/project/src/a.ts"})

	// A fire that was already in flight when the re-submission
	// restarted the quiet period carries the superseded generation; it
	// must not emit early or clear the pending entry.
	stabilizer.fireKey(envelope.Key(), 0)
	if sink.eventCount() != 0 {
		t.Fatalf("stale fire emitted %d events, want 0", sink.eventCount())
	}
	if stabilizer.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1 (entry must survive the stale fire)", stabilizer.PendingCount())
	}

	// The restarted quiet period still emits, collapsed.
	fakeClock.Advance(300 * time.Millisecond)
	if sink.eventCount() != 1 {
		t.Fatalf("emitted %d events, want 1", sink.eventCount())
	}
	sink.mu.Lock()
	debounceCount := sink.events[0].DebounceCount
	sink.mu.Unlock()
	if debounceCount != 2 {
		t.Errorf("DebounceCount = %d, want 2", debounceCount)
	}
}

func TestIndependentKeysDoNotInterfere(t *testing.T) {
	stabilizer, sink, fakeClock := newTestStabilizer(t, Options{
		DebounceDelay: 100 * time.Millisecond,
	})

	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/a.ts"})
	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/b.ts"})
	stabilizer.Submit(&event.Envelope{Type: "diagnostic", File: "/a.ts"})

	fakeClock.Advance(120 * time.Millisecond)

	if sink.eventCount() != 3 {
		t.Fatalf("emitted %d events, want 3 (one per key)", sink.eventCount())
	}
	for _, emitted := range sink.events {
		if emitted.DebounceCount != 1 {
			t.Errorf("key %q debounce_count = %d, want 1", emitted.Envelope.Key(), emitted.DebounceCount)
		}
	}
}

func TestDeduplication(t *testing.T) {
	stabilizer, sink, _ := newTestStabilizer(t, Options{DebounceDelay: 0})

	stabilizer.Submit(&event.Envelope{Type: "focus", File: "/project/src/app.ts"})
	if stabilizer.Submit(&event.Envelope{Type: "focus", File: "/project/src/app.ts"}) {
		t.Error("duplicate submission should be rejected")
	}

	if sink.eventCount() != 1 {
		t.Fatalf("emitted %d events, want 1", sink.eventCount())
	}
	if stats := stabilizer.Stats(); stats.Deduplicated != 1 {
		t.Errorf("deduplicated = %d, want 1", stats.Deduplicated)
	}
}

func TestDedupWindowExpires(t *testing.T) {
	stabilizer, sink, fakeClock := newTestStabilizer(t, Options{
		DebounceDelay: 0,
		DedupWindow:   2 * time.Second,
	})

	stabilizer.Submit(&event.Envelope{Type: "focus", File: "/a.ts"})
	fakeClock.Advance(3 * time.Second)
	if !stabilizer.Submit(&event.Envelope{Type: "focus", File: "/a.ts"}) {
		t.Error("identical event outside the dedup window should be accepted")
	}

	if sink.eventCount() != 2 {
		t.Errorf("emitted %d events, want 2", sink.eventCount())
	}
}

func TestDedupDistinguishesContent(t *testing.T) {
	stabilizer, sink, _ := newTestStabilizer(t, Options{DebounceDelay: 0})

	stabilizer.Submit(&event.Envelope{Type: "diagnostic", File: "/a.ts", Data: map[string]any{"ln": 1}})
	stabilizer.Submit(&event.Envelope{Type: "diagnostic", File: "/a.ts", Data: map[string]any{"ln": 2}})

	if sink.eventCount() != 2 {
		t.Errorf("emitted %d events, want 2 (different content is not a duplicate)", sink.eventCount())
	}
}

func TestRateLimiting(t *testing.T) {
	stabilizer, _, _ := newTestStabilizer(t, Options{
		DebounceDelay:      0,
		MaxEventsPerSecond: 5,
		DisableFilter:      true,
	})

	for i := 0; i < 10; i++ {
		stabilizer.Submit(&event.Envelope{
			Type: "terminal",
			Data: map[string]any{"command": i},
		})
	}

	stats := stabilizer.Stats()
	if stats.RateLimited != 5 {
		t.Errorf("rate_limited = %d, want 5", stats.RateLimited)
	}
	if stats.Processed != 5 {
		t.Errorf("processed = %d, want 5", stats.Processed)
	}
}

func TestRateLimitRefills(t *testing.T) {
	stabilizer, _, fakeClock := newTestStabilizer(t, Options{
		DebounceDelay:      0,
		MaxEventsPerSecond: 2,
	})

	for i := 0; i < 4; i++ {
		stabilizer.Submit(&event.Envelope{Type: "terminal", Data: map[string]any{"n": i}})
	}
	if stats := stabilizer.Stats(); stats.RateLimited != 2 {
		t.Fatalf("rate_limited = %d, want 2", stats.RateLimited)
	}

	fakeClock.Advance(time.Second)
	if !stabilizer.Submit(&event.Envelope{Type: "terminal", Data: map[string]any{"n": 99}}) {
		t.Error("rate window should refill after one second")
	}
}

func TestBatching(t *testing.T) {
	stabilizer, sink, fakeClock := newTestStabilizer(t, Options{
		DebounceDelay:  0,
		EnableBatching: true,
		BatchWindow:    50 * time.Millisecond,
		MaxBatchSize:   10,
		DisableFilter:  true,
	})

	for i := 1; i <= 3; i++ {
		stabilizer.Submit(&event.Envelope{Type: "terminal", Data: map[string]any{"command": i}})
	}

	if len(sink.batches) != 0 {
		t.Fatal("batch should not be released before the window elapses")
	}

	fakeClock.Advance(60 * time.Millisecond)

	if len(sink.batches) != 1 {
		t.Fatalf("released %d batches, want 1", len(sink.batches))
	}
	if len(sink.batches[0]) != 3 {
		t.Errorf("batch size = %d, want 3", len(sink.batches[0]))
	}
}

func TestBatchReleasesOnSize(t *testing.T) {
	stabilizer, sink, _ := newTestStabilizer(t, Options{
		DebounceDelay:  0,
		EnableBatching: true,
		BatchWindow:    time.Hour,
		MaxBatchSize:   2,
		DisableFilter:  true,
	})

	stabilizer.Submit(&event.Envelope{Type: "terminal", Data: map[string]any{"n": 1}})
	stabilizer.Submit(&event.Envelope{Type: "terminal", Data: map[string]any{"n": 2}})

	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Fatalf("batch should release on reaching max size, got %v", sink.batches)
	}
}

func TestFlushEmitsAllPending(t *testing.T) {
	stabilizer, sink, _ := newTestStabilizer(t, Options{
		DebounceDelay: 10 * time.Second,
	})

	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/project/src/a.ts"})
	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/project/src/b.ts"})

	if sink.eventCount() != 0 {
		t.Fatal("events should be pending before flush")
	}

	stabilizer.Flush()

	if sink.eventCount() != 2 {
		t.Fatalf("flush emitted %d events, want 2", sink.eventCount())
	}
	if stabilizer.PendingCount() != 0 {
		t.Error("flush must leave zero pending state")
	}

	// Idempotent: a second flush emits nothing new.
	stabilizer.Flush()
	if sink.eventCount() != 2 {
		t.Error("second flush should be a no-op")
	}
}

func TestFlushedTimersDoNotRefire(t *testing.T) {
	stabilizer, sink, fakeClock := newTestStabilizer(t, Options{
		DebounceDelay: time.Second,
	})

	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/a.ts"})
	stabilizer.Flush()
	fakeClock.Advance(2 * time.Second)

	if sink.eventCount() != 1 {
		t.Errorf("emitted %d events, want exactly 1 (no double emission after flush)", sink.eventCount())
	}
}

func TestStopRejectsFurtherSubmissions(t *testing.T) {
	stabilizer, sink, _ := newTestStabilizer(t, Options{
		DebounceDelay: time.Minute,
	})

	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/a.ts"})
	stabilizer.Stop()

	if sink.eventCount() != 1 {
		t.Fatal("stop must flush pending events")
	}
	if stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/b.ts"}) {
		t.Error("submissions after stop must be rejected")
	}
}

func TestSubscriberPanicIsolated(t *testing.T) {
	stabilizer, sink, _ := newTestStabilizer(t, Options{DebounceDelay: 0})
	stabilizer.OnEvent(func(*event.Stabilized) {
		panic("subscriber bug")
	})

	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/a.ts"})
	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/b.ts"})

	if sink.eventCount() != 2 {
		t.Errorf("panicking subscriber must not stop the pipeline, emitted %d", sink.eventCount())
	}
}

func TestStatsTracking(t *testing.T) {
	stabilizer, _, _ := newTestStabilizer(t, Options{})

	stabilizer.Submit(&event.Envelope{Type: "file_edit", File: "/project/node_modules/x"})
	if stats := stabilizer.Stats(); stats.Received != 1 {
		t.Errorf("received = %d, want 1", stats.Received)
	}

	stabilizer.ResetStats()
	if stats := stabilizer.Stats(); stats.Received != 0 {
		t.Errorf("reset should clear counters, received = %d", stats.Received)
	}
}
