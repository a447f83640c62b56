// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// Package stabilizer turns the raw, bursty event stream into one safe
// to persist: validation, path filtering, per-key debouncing, content
// deduplication, rate limiting, and optional batching.
//
// The pipeline order for each submission is validate → filter → rate
// limit → dedup → debounce. Every drop is counted, never raised as an
// error; Submit's boolean only tells the producer whether the event
// entered the pipeline.
package stabilizer

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vidurai-project/vidurai/event"
	"github.com/vidurai-project/vidurai/filter"
	"github.com/vidurai-project/vidurai/lib/clock"
)

// Options configures a Stabilizer. Zero values select the defaults
// noted on each field.
type Options struct {
	// Clock injects time for debounce/batch timers. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger receives drop/skip diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Filter is the path/type filter consulted for events carrying a
	// file path. Defaults to the built-in noise rules. Set
	// DisableFilter to bypass filtering entirely.
	Filter        *filter.Filter
	DisableFilter bool

	// DebounceDelay is the per-key quiet period. Zero emits
	// immediately (no debouncing). Default 300ms when negative.
	DebounceDelay time.Duration

	// DedupWindow is how long after an emission a structurally
	// identical event for the same key is dropped. Default 2s.
	DedupWindow time.Duration

	// MaxEventsPerSecond caps accepted events per rolling second.
	// Default 100.
	MaxEventsPerSecond int

	// EnableBatching accumulates emissions into batches released on
	// MaxBatchSize or BatchWindow, whichever comes first.
	EnableBatching bool
	BatchWindow    time.Duration
	MaxBatchSize   int
}

// Stats are the running pipeline counters. Received is every Submit
// call; Processed is every emission; the remaining counters classify
// drops. An event contributes to at most one drop counter.
type Stats struct {
	Received     uint64 `json:"received"`
	Processed    uint64 `json:"processed"`
	Filtered     uint64 `json:"filtered"`
	Debounced    uint64 `json:"debounced"`
	Deduplicated uint64 `json:"deduplicated"`
	RateLimited  uint64 `json:"rate_limited"`
}

// pendingEntry is one key's debounce state: the latest envelope and a
// cancellable timer. Re-submission replaces the envelope and restarts
// the timer; it never stacks a second timer for the same key. The
// generation counter identifies the live timer: a fire whose callback
// was already in flight when a re-submission restarted the quiet
// period carries a stale generation and is ignored.
type pendingEntry struct {
	envelope    *event.Envelope
	fingerprint event.Fingerprint
	count       int
	firstSeen   time.Time
	lastSeen    time.Time
	generation  uint64
	timer       *clock.Timer
}

// emission records what was last emitted for a key, for dedup.
type emissionRecord struct {
	fingerprint event.Fingerprint
	at          time.Time
}

// Stabilizer is safe for concurrent use. Construct with New, register
// subscribers, then Submit events. Stop flushes pending state and
// rejects further submissions.
type Stabilizer struct {
	clock   clock.Clock
	logger  *slog.Logger
	filter  *filter.Filter
	limiter *rate.Limiter
	options Options

	mu          sync.Mutex
	stopped     bool
	pending     map[string]*pendingEntry
	lastEmitted map[string]emissionRecord
	batch       []*event.Stabilized
	batchTimer  *clock.Timer
	stats       Stats

	eventSubscribers []func(*event.Stabilized)
	batchSubscribers []func([]*event.Stabilized)
}

// New creates a Stabilizer from options.
func New(options Options) *Stabilizer {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Filter == nil {
		options.Filter, _ = filter.New(nil)
	}
	if options.DebounceDelay < 0 {
		options.DebounceDelay = 300 * time.Millisecond
	}
	if options.DedupWindow <= 0 {
		options.DedupWindow = 2 * time.Second
	}
	if options.MaxEventsPerSecond <= 0 {
		options.MaxEventsPerSecond = 100
	}
	if options.BatchWindow <= 0 {
		options.BatchWindow = time.Second
	}
	if options.MaxBatchSize <= 0 {
		options.MaxBatchSize = 50
	}

	return &Stabilizer{
		clock:  options.Clock,
		logger: options.Logger,
		filter: options.Filter,
		limiter: rate.NewLimiter(
			rate.Limit(options.MaxEventsPerSecond),
			options.MaxEventsPerSecond,
		),
		options:     options,
		pending:     make(map[string]*pendingEntry),
		lastEmitted: make(map[string]emissionRecord),
	}
}

// OnEvent registers a per-event subscriber. Subscribers run after the
// pipeline state is updated; a panic in one is recovered and logged
// without affecting other subscribers or subsequent events.
func (s *Stabilizer) OnEvent(fn func(*event.Stabilized)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSubscribers = append(s.eventSubscribers, fn)
}

// OnBatch registers a per-batch subscriber (batching mode only).
func (s *Stabilizer) OnBatch(fn func([]*event.Stabilized)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchSubscribers = append(s.batchSubscribers, fn)
}

// Submit feeds one raw envelope into the pipeline. Returns true when
// the event was accepted (it will be emitted, possibly collapsed into
// another emission); false when it was dropped and counted.
func (s *Stabilizer) Submit(envelope *event.Envelope) bool {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return false
	}

	s.stats.Received++
	now := s.clock.Now()

	// Validation: event_type is required. Malformed events are counted
	// as filtered, never raised.
	if envelope == nil || envelope.Type == "" {
		s.stats.Filtered++
		s.mu.Unlock()
		return false
	}

	if !s.options.DisableFilter && s.filter.ShouldIgnore(envelope.File) {
		s.stats.Filtered++
		s.mu.Unlock()
		s.logger.Debug("event filtered", "file", envelope.File)
		return false
	}

	// Rate limit on accepted events, before any per-key state is
	// touched, so a flood cannot grow the pending map.
	if !s.limiter.AllowN(now, 1) {
		s.stats.RateLimited++
		s.mu.Unlock()
		return false
	}

	fingerprint, err := event.ComputeFingerprint(envelope)
	if err != nil {
		// Unfingerprintable data (non-encodable values) skips dedup
		// but still flows through the pipeline.
		s.logger.Debug("fingerprint failed", "error", err)
	}

	key := envelope.Key()

	// Dedup: identical content for a key that was emitted within the
	// recency window is dropped entirely.
	if err == nil {
		if record, emitted := s.lastEmitted[key]; emitted &&
			record.fingerprint == fingerprint &&
			now.Sub(record.at) <= s.options.DedupWindow {
			s.stats.Deduplicated++
			s.mu.Unlock()
			return false
		}
	}

	if entry, exists := s.pending[key]; exists {
		// Collapse into the pending emission: latest envelope wins,
		// the quiet period restarts.
		entry.envelope = envelope
		entry.fingerprint = fingerprint
		entry.count++
		entry.lastSeen = now
		s.stats.Debounced++
		entry.timer.Stop()
		entry.generation++
		generation := entry.generation
		entry.timer = s.clock.AfterFunc(s.options.DebounceDelay, func() {
			s.fireKey(key, generation)
		})
		s.mu.Unlock()
		return true
	}

	entry := &pendingEntry{
		envelope:    envelope,
		fingerprint: fingerprint,
		count:       1,
		firstSeen:   now,
		lastSeen:    now,
	}

	if s.options.DebounceDelay <= 0 {
		// No debouncing: emit synchronously.
		deliveries := s.emitLocked(entry, key)
		s.mu.Unlock()
		s.deliver(deliveries)
		return true
	}

	s.pending[key] = entry
	entry.timer = s.clock.AfterFunc(s.options.DebounceDelay, func() {
		s.fireKey(key, entry.generation)
	})
	s.mu.Unlock()
	return true
}

// fireKey is the debounce timer callback for one key.
func (s *Stabilizer) fireKey(key string, generation uint64) {
	s.mu.Lock()
	entry, exists := s.pending[key]
	if !exists || entry.generation != generation {
		// Flushed, or a re-submission restarted the quiet period while
		// this fire was in flight; the replacement timer owns the key.
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	deliveries := s.emitLocked(entry, key)
	s.mu.Unlock()
	s.deliver(deliveries)
}

// delivery is work to perform outside the lock: subscriber callbacks
// must not run with internal state locked.
type delivery struct {
	stabilized *event.Stabilized
	batch      []*event.Stabilized
}

// emitLocked finalizes one emission: updates counters and the dedup
// record, and either queues the event into the current batch or
// prepares per-event delivery. Must be called with s.mu held.
func (s *Stabilizer) emitLocked(entry *pendingEntry, key string) []delivery {
	s.stats.Processed++
	s.lastEmitted[key] = emissionRecord{
		fingerprint: entry.fingerprint,
		at:          s.clock.Now(),
	}

	stabilized := &event.Stabilized{
		Envelope:      entry.envelope,
		DebounceCount: entry.count,
		FirstSeen:     entry.firstSeen,
		LastSeen:      entry.lastSeen,
	}

	if !s.options.EnableBatching {
		return []delivery{{stabilized: stabilized}}
	}

	s.batch = append(s.batch, stabilized)
	if len(s.batch) >= s.options.MaxBatchSize {
		return s.releaseBatchLocked()
	}
	if s.batchTimer == nil {
		s.batchTimer = s.clock.AfterFunc(s.options.BatchWindow, s.fireBatch)
	}
	return nil
}

// fireBatch is the batch window timer callback.
func (s *Stabilizer) fireBatch() {
	s.mu.Lock()
	deliveries := s.releaseBatchLocked()
	s.mu.Unlock()
	s.deliver(deliveries)
}

// releaseBatchLocked hands the accumulated batch off for delivery and
// resets batch state. Must be called with s.mu held.
func (s *Stabilizer) releaseBatchLocked() []delivery {
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	if len(s.batch) == 0 {
		return nil
	}
	batch := s.batch
	s.batch = nil
	return []delivery{{batch: batch}}
}

// deliver invokes subscriber callbacks. A panic in a subscriber is
// recovered and logged; it must not prevent processing of subsequent
// events or other subscribers.
func (s *Stabilizer) deliver(deliveries []delivery) {
	if len(deliveries) == 0 {
		return
	}

	s.mu.Lock()
	eventSubscribers := make([]func(*event.Stabilized), len(s.eventSubscribers))
	copy(eventSubscribers, s.eventSubscribers)
	batchSubscribers := make([]func([]*event.Stabilized), len(s.batchSubscribers))
	copy(batchSubscribers, s.batchSubscribers)
	s.mu.Unlock()

	for _, d := range deliveries {
		if d.stabilized != nil {
			for _, fn := range eventSubscribers {
				s.invoke(func() { fn(d.stabilized) })
			}
		}
		if d.batch != nil {
			for _, fn := range batchSubscribers {
				batch := d.batch
				s.invoke(func() { fn(batch) })
			}
		}
	}
}

func (s *Stabilizer) invoke(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("subscriber panicked", "panic", recovered)
		}
	}()
	fn()
}

// Flush synchronously emits every pending debounced event and releases
// the accumulated batch. All per-key timers are cancelled; on return
// there is zero pending state. Flush is idempotent.
func (s *Stabilizer) Flush() {
	s.mu.Lock()

	// Emit pending entries in first-seen order so flushed output is
	// deterministic.
	keys := make([]string, 0, len(s.pending))
	for key := range s.pending {
		keys = append(keys, key)
	}
	sortByFirstSeen(keys, s.pending)

	var deliveries []delivery
	for _, key := range keys {
		entry := s.pending[key]
		delete(s.pending, key)
		entry.timer.Stop()
		deliveries = append(deliveries, s.emitLocked(entry, key)...)
	}
	deliveries = append(deliveries, s.releaseBatchLocked()...)
	s.mu.Unlock()

	s.deliver(deliveries)
}

// Stop flushes pending state and rejects all further submissions.
func (s *Stabilizer) Stop() {
	s.Flush()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Stats returns a snapshot of the pipeline counters.
func (s *Stabilizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats zeroes all pipeline counters.
func (s *Stabilizer) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
}

// PendingCount returns the number of keys with a live debounce timer.
func (s *Stabilizer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// sortByFirstSeen orders keys by their pending entry's FirstSeen,
// oldest first. Insertion sort: the pending map is small (bounded by
// distinct active keys within one debounce window).
func sortByFirstSeen(keys []string, pending map[string]*pendingEntry) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && pending[keys[j]].firstSeen.Before(pending[keys[j-1]].firstSeen); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
