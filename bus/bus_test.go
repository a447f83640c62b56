// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/vidurai-project/vidurai/event"
)

func stabilized(eventType, file string) *event.Stabilized {
	return &event.Stabilized{
		Envelope:      &event.Envelope{Type: eventType, File: file, Timestamp: 1},
		DebounceCount: 1,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := New(0, quietLogger())

	var all, edits, terminals int
	b.Subscribe(nil, func(*event.Stabilized) { all++ })
	b.Subscribe([]string{"file_edit"}, func(*event.Stabilized) { edits++ })
	b.Subscribe([]string{"terminal"}, func(*event.Stabilized) { terminals++ })

	b.Publish(stabilized("file_edit", "/a.ts"))
	b.Publish(stabilized("file_edit", "/b.ts"))
	b.Publish(stabilized("diagnostic", "/a.ts"))

	if all != 3 {
		t.Errorf("all-subscriber saw %d events, want 3", all)
	}
	if edits != 2 {
		t.Errorf("file_edit subscriber saw %d events, want 2", edits)
	}
	if terminals != 0 {
		t.Errorf("terminal subscriber saw %d events, want 0", terminals)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(0, quietLogger())

	var count int
	subscription := b.Subscribe(nil, func(*event.Stabilized) { count++ })

	b.Publish(stabilized("file_edit", "/a.ts"))
	subscription.Cancel()
	subscription.Cancel() // idempotent
	b.Publish(stabilized("file_edit", "/b.ts"))

	if count != 1 {
		t.Errorf("cancelled subscriber saw %d events, want 1", count)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := New(0, quietLogger())

	var survivor int
	b.Subscribe(nil, func(*event.Stabilized) { panic("subscriber bug") })
	b.Subscribe(nil, func(*event.Stabilized) { survivor++ })

	b.Publish(stabilized("file_edit", "/a.ts"))
	b.Publish(stabilized("file_edit", "/b.ts"))

	if survivor != 2 {
		t.Errorf("surviving subscriber saw %d events, want 2", survivor)
	}
}

func TestReplayReturnsRecentInOrder(t *testing.T) {
	b := New(4, quietLogger())

	for i := 0; i < 6; i++ {
		b.Publish(stabilized("file_edit", fmt.Sprintf("/f%d.ts", i)))
	}

	replayed := b.Replay(0)
	if len(replayed) != 4 {
		t.Fatalf("replayed %d events, want ring capacity 4", len(replayed))
	}
	for i, stabilizedEvent := range replayed {
		want := fmt.Sprintf("/f%d.ts", i+2)
		if stabilizedEvent.Envelope.File != want {
			t.Errorf("replay[%d] = %s, want %s", i, stabilizedEvent.Envelope.File, want)
		}
	}

	limited := b.Replay(2)
	if len(limited) != 2 {
		t.Fatalf("replayed %d events with limit 2", len(limited))
	}
	if limited[1].Envelope.File != "/f5.ts" {
		t.Errorf("limited replay should end at the newest event, got %s", limited[1].Envelope.File)
	}

	if b.Published() != 6 {
		t.Errorf("Published() = %d, want 6", b.Published())
	}
}

func TestReplayEmptyBus(t *testing.T) {
	b := New(0, quietLogger())
	if replayed := b.Replay(0); replayed != nil {
		t.Errorf("empty bus replay = %v, want nil", replayed)
	}
}

func TestPublishIgnoresNil(t *testing.T) {
	b := New(0, quietLogger())
	b.Publish(nil)
	b.Publish(&event.Stabilized{})
	if b.Published() != 0 {
		t.Errorf("Published() = %d, want 0", b.Published())
	}
}
