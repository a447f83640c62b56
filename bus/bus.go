// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus fans stabilized events out to in-process subscribers
// (the IPC layer, primarily) and keeps a bounded replay ring so a
// subscriber that connects late can backfill recent history.
package bus

import (
	"log/slog"
	"sync"

	"github.com/vidurai-project/vidurai/event"
)

// DefaultReplaySize is the default replay ring capacity in events.
// 1024 stabilized events cover several minutes of heavy editing, which
// is all a reconnecting consumer needs to bridge its gap.
const DefaultReplaySize = 1024

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine; slow handlers slow publishing.
type Handler func(*event.Stabilized)

// Subscription identifies one registered handler. Cancel it to stop
// receiving events.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.mutex.Lock()
	defer s.bus.mutex.Unlock()
	delete(s.bus.subscribers, s.id)
}

type subscriber struct {
	// eventTypes is nil for subscribe-all.
	eventTypes map[string]struct{}
	handler    Handler
}

// Bus is the in-process fan-out point for stabilized events. Safe for
// concurrent use.
type Bus struct {
	logger *slog.Logger

	mutex       sync.Mutex
	nextID      uint64
	subscribers map[uint64]*subscriber

	// Replay ring: ring[i] holds sequence (totalPublished - stored + i)
	// in publish order once the ring has wrapped.
	ring           []*event.Stabilized
	writePosition  int
	totalPublished uint64
}

// New creates a bus with a replay ring of the given capacity (events).
// Pass 0 for DefaultReplaySize. Logger may be nil.
func New(replaySize int, logger *slog.Logger) *Bus {
	if replaySize <= 0 {
		replaySize = DefaultReplaySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:      logger,
		subscribers: make(map[uint64]*subscriber),
		ring:        make([]*event.Stabilized, replaySize),
	}
}

// Subscribe registers a handler for the given event types. An empty
// type list subscribes to everything.
func (b *Bus) Subscribe(eventTypes []string, handler Handler) *Subscription {
	entry := &subscriber{handler: handler}
	if len(eventTypes) > 0 {
		entry.eventTypes = make(map[string]struct{}, len(eventTypes))
		for _, eventType := range eventTypes {
			entry.eventTypes[eventType] = struct{}{}
		}
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = entry
	return &Subscription{bus: b, id: id}
}

// Publish records the event in the replay ring and delivers it to
// every matching subscriber. A panicking handler is logged and skipped;
// it never takes down the publisher or starves other subscribers.
func (b *Bus) Publish(stabilized *event.Stabilized) {
	if stabilized == nil || stabilized.Envelope == nil {
		return
	}

	b.mutex.Lock()
	b.ring[b.writePosition] = stabilized
	b.writePosition = (b.writePosition + 1) % len(b.ring)
	b.totalPublished++

	handlers := make([]Handler, 0, len(b.subscribers))
	for _, entry := range b.subscribers {
		if entry.eventTypes != nil {
			if _, ok := entry.eventTypes[stabilized.Envelope.Type]; !ok {
				continue
			}
		}
		handlers = append(handlers, entry.handler)
	}
	b.mutex.Unlock()

	for _, handler := range handlers {
		b.invoke(handler, stabilized)
	}
}

func (b *Bus) invoke(handler Handler, stabilized *event.Stabilized) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event subscriber panicked",
				"event_type", stabilized.Envelope.Type,
				"panic", recovered)
		}
	}()
	handler(stabilized)
}

// Replay returns up to limit of the most recent published events, in
// publish order. Pass 0 for everything the ring holds.
func (b *Bus) Replay(limit int) []*event.Stabilized {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	stored := b.totalPublished
	if stored > uint64(len(b.ring)) {
		stored = uint64(len(b.ring))
	}
	count := int(stored)
	if limit > 0 && limit < count {
		count = limit
	}
	if count == 0 {
		return nil
	}

	// Walk backward from the last write, then reverse into publish order.
	result := make([]*event.Stabilized, count)
	position := b.writePosition
	for i := count - 1; i >= 0; i-- {
		position--
		if position < 0 {
			position += len(b.ring)
		}
		result[i] = b.ring[position]
	}
	return result
}

// Published returns the total number of events ever published.
func (b *Bus) Published() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.totalPublished
}
