// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive implements the two-tier event store: an append-only
// NDJSON hot tier for recent events and a write-once columnar cold
// tier for history. The Archiver owns rotation, the hot-to-cold
// archival sweep, retention cleanup, and tier-transparent queries.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidurai-project/vidurai/event"
	"github.com/vidurai-project/vidurai/lib/clock"
	"github.com/vidurai-project/vidurai/lib/cron"
)

// Options configures an Archiver. Zero values select the production
// defaults noted on each field.
type Options struct {
	// BaseDir is the storage root. hot/ and cold/ are created under
	// it. Required.
	BaseDir string

	// HotMaxSize rotates the open hot file once it reaches this many
	// bytes. Default 10 MiB.
	HotMaxSize int64

	// HotMaxAge rotates the open hot file once it has been open this
	// long, and gates archival eligibility: a closed file is archived
	// only after it has been idle this long. Default 24h.
	HotMaxAge time.Duration

	// HotRetentionDays bounds how long closed hot files survive when
	// cleanup is allowed to touch them. Default 7.
	HotRetentionDays int

	// ColdRetentionDays bounds how long cold partitions survive.
	// Default 90.
	ColdRetentionDays int

	// ArchivalEnabled turns the hot-to-cold sweep on. When false the
	// archiver runs degraded: events accumulate in the hot tier and
	// ArchiveHotFiles is a no-op.
	ArchivalEnabled bool

	// AllowUnarchivedCleanup lets retention cleanup delete closed hot
	// files that were never archived. Off by default: losing
	// unarchived events requires an explicit opt-in.
	AllowUnarchivedCleanup bool

	// Compression selects the cold partition block compression.
	// Default zstd.
	Compression CompressionTag

	// SweepInterval is how often RunMaintenance triggers the archival
	// sweep. Default 5m.
	SweepInterval time.Duration

	// CleanupSchedule is a 5-field cron expression for retention
	// cleanup. Default "0 * * * *" (hourly).
	CleanupSchedule string

	// Clock supplies time. Default clock.Real().
	Clock clock.Clock

	// Logger receives operational logs. Default slog.Default().
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of both tiers, recomputed from
// disk on every call so it never drifts from reality.
type Stats struct {
	HotFiles     int   `json:"hot_files"`
	HotEvents    int   `json:"hot_events"`
	HotSizeBytes int64 `json:"hot_size_bytes"`

	ColdFiles     int   `json:"cold_files"`
	ColdEvents    int   `json:"cold_events"`
	ColdSizeBytes int64 `json:"cold_size_bytes"`
}

// CleanupResult reports how many files retention cleanup removed from
// each tier.
type CleanupResult struct {
	Hot  int `json:"hot"`
	Cold int `json:"cold"`
}

// QueryOptions filters a Query. Zero values leave that dimension
// unconstrained.
type QueryOptions struct {
	// EventTypes restricts results to these types.
	EventTypes []string

	// Project restricts results to one project.
	Project string

	// StartTime and EndTime bound the result timestamps (unix seconds,
	// inclusive). Zero means unbounded.
	StartTime float64
	EndTime   float64

	// Limit caps the number of results (applied after the time-ordered
	// merge). Zero means unlimited.
	Limit int
}

// Archiver is the two-tier event store. Safe for concurrent use.
type Archiver struct {
	options Options
	hotDir  string
	coldDir string
	clock   clock.Clock
	logger  *slog.Logger
	cleanup cron.Schedule

	mutex         sync.Mutex
	stopped       bool
	open          *os.File
	openPath      string
	openSequence  uint64
	openSize      int64
	openedAt      time.Time
	lastTimestamp float64
}

// New creates the tier directories, scans existing hot files, and
// opens a fresh hot file at the next sequence number. Files left by a
// previous run become closed files, eligible for archival.
func New(options Options) (*Archiver, error) {
	if options.BaseDir == "" {
		return nil, errors.New("archive: BaseDir is required")
	}
	if options.HotMaxSize <= 0 {
		options.HotMaxSize = 10 << 20
	}
	if options.HotMaxAge < 0 {
		return nil, errors.New("archive: HotMaxAge must not be negative")
	}
	if options.HotMaxAge == 0 {
		options.HotMaxAge = 24 * time.Hour
	}
	if options.HotRetentionDays <= 0 {
		options.HotRetentionDays = 7
	}
	if options.ColdRetentionDays <= 0 {
		options.ColdRetentionDays = 90
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = 5 * time.Minute
	}
	if options.CleanupSchedule == "" {
		options.CleanupSchedule = "0 * * * *"
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	schedule, err := cron.Parse(options.CleanupSchedule)
	if err != nil {
		return nil, fmt.Errorf("archive: cleanup schedule: %w", err)
	}

	archiver := &Archiver{
		options: options,
		hotDir:  filepath.Join(options.BaseDir, "hot"),
		coldDir: filepath.Join(options.BaseDir, "cold"),
		clock:   options.Clock,
		logger:  options.Logger,
		cleanup: schedule,
	}
	if err := os.MkdirAll(archiver.hotDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating hot tier: %w", err)
	}
	if err := os.MkdirAll(archiver.coldDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating cold tier: %w", err)
	}

	existing, err := listHotFiles(archiver.hotDir, 0)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	next := uint64(1)
	if len(existing) > 0 {
		next = existing[len(existing)-1].sequence + 1
	}
	if err := archiver.openHotFileLocked(next); err != nil {
		return nil, err
	}

	archiver.logger.Info("archiver ready",
		"hot_dir", archiver.hotDir,
		"cold_dir", archiver.coldDir,
		"open_file", filepath.Base(archiver.openPath),
		"archival_enabled", options.ArchivalEnabled)
	return archiver, nil
}

// openHotFileLocked opens the hot file for the given sequence. Caller
// holds the mutex (or is New, before the archiver is shared).
func (a *Archiver) openHotFileLocked(sequence uint64) error {
	path := filepath.Join(a.hotDir, hotFileName(sequence))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("archive: opening hot file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("archive: stat hot file: %w", err)
	}
	a.open = file
	a.openPath = path
	a.openSequence = sequence
	a.openSize = info.Size()
	a.openedAt = a.clock.Now()
	return nil
}

// rotateLocked closes the open hot file and opens the next sequence.
func (a *Archiver) rotateLocked() error {
	previous := filepath.Base(a.openPath)
	if err := a.open.Close(); err != nil {
		return fmt.Errorf("archive: closing hot file: %w", err)
	}
	if err := a.openHotFileLocked(a.openSequence + 1); err != nil {
		return err
	}
	a.logger.Info("rotated hot file",
		"closed", previous,
		"opened", filepath.Base(a.openPath))
	return nil
}

// Write appends one event to the hot tier. Returns false (without
// error) for events that fail validation. Timestamps are stamped with
// the current time when missing and clamped so the file's timestamps
// never decrease.
func (a *Archiver) Write(envelope *event.Envelope) (bool, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.writeLocked(envelope)
}

// WriteBatch appends a batch, returning how many events were written.
// Invalid events are skipped; an I/O error stops the batch.
func (a *Archiver) WriteBatch(envelopes []*event.Envelope) (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	written := 0
	for _, envelope := range envelopes {
		ok, err := a.writeLocked(envelope)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	return written, nil
}

func (a *Archiver) writeLocked(envelope *event.Envelope) (bool, error) {
	if a.stopped {
		return false, errors.New("archive: archiver is stopped")
	}
	if envelope == nil || envelope.Type == "" {
		return false, nil
	}

	// Work on a copy so timestamp stamping never mutates the caller's
	// envelope.
	record := *envelope
	if record.Timestamp == 0 {
		now := a.clock.Now()
		record.Timestamp = float64(now.UnixNano()) / float64(time.Second)
	}
	if record.Timestamp < a.lastTimestamp {
		record.Timestamp = a.lastTimestamp
	}
	a.lastTimestamp = record.Timestamp

	line, err := record.AppendLine(nil)
	if err != nil {
		return false, fmt.Errorf("archive: encoding event: %w", err)
	}

	// Rotation happens before the write: the max size is a hard
	// boundary, so an append that would cross it goes to a fresh file,
	// and no event is ever split across files.
	wouldExceed := a.openSize+int64(len(line)) > a.options.HotMaxSize
	tooOld := a.clock.Now().Sub(a.openedAt) >= a.options.HotMaxAge
	if a.openSize > 0 && (wouldExceed || tooOld) {
		if err := a.rotateLocked(); err != nil {
			return false, err
		}
	}

	if _, err := a.open.Write(line); err != nil {
		return false, fmt.Errorf("archive: writing event: %w", err)
	}
	a.openSize += int64(len(line))
	return true, nil
}

// ArchiveHotFiles converts eligible closed hot files into cold
// partitions and returns how many files were archived. A file is
// eligible once it is closed and has been idle for HotMaxAge. The
// source file is deleted only after every partition written from it
// has been read back and verified; on failure the partial partitions
// are removed so a retry cannot duplicate events. No-op returning 0
// when archival is disabled.
func (a *Archiver) ArchiveHotFiles() (int, error) {
	if !a.options.ArchivalEnabled {
		return 0, nil
	}

	a.mutex.Lock()
	if a.stopped {
		a.mutex.Unlock()
		return 0, errors.New("archive: archiver is stopped")
	}
	files, err := listHotFiles(a.hotDir, a.openSequence)
	a.mutex.Unlock()
	if err != nil {
		return 0, fmt.Errorf("archive: %w", err)
	}

	now := a.clock.Now()
	archived := 0
	var failures []error
	for _, file := range files {
		if file.state != hotFileClosed {
			continue
		}
		if now.Sub(file.modTime) < a.options.HotMaxAge {
			continue
		}
		if err := a.archiveHotFile(file); err != nil {
			a.logger.Error("archival failed",
				"file", filepath.Base(file.path), "error", err)
			failures = append(failures, err)
			continue
		}
		archived++
	}
	return archived, errors.Join(failures...)
}

// archiveHotFile converts one closed hot file into day-keyed cold
// partitions, verifies them, and deletes the source.
func (a *Archiver) archiveHotFile(file hotFileInfo) error {
	envelopes, corrupt, err := readHotFile(file.path)
	if err != nil {
		return err
	}
	if corrupt > 0 {
		a.logger.Warn("skipped corrupt lines during archival",
			"file", filepath.Base(file.path), "corrupt_lines", corrupt)
	}
	if len(envelopes) == 0 {
		// Nothing to preserve; drop the empty file.
		return os.Remove(file.path)
	}

	byDay := make(map[string][]*event.Envelope)
	for _, envelope := range envelopes {
		day := envelope.Time().UTC().Format("2006/01/02")
		byDay[day] = append(byDay[day], envelope)
	}

	var written []string
	fail := func(err error) error {
		for _, path := range written {
			os.Remove(path)
		}
		return err
	}
	for day, group := range byDay {
		t, err := time.Parse("2006/01/02", day)
		if err != nil {
			return fail(err)
		}
		path := filepath.Join(a.coldDir,
			t.Format("2006"), t.Format("01"), t.Format("02"),
			"events_"+uuid.NewString()+".vcp")
		if err := writePartition(path, group, a.options.Compression); err != nil {
			return fail(err)
		}
		written = append(written, path)

		verified, err := readPartition(path)
		if err != nil {
			return fail(fmt.Errorf("verifying %s: %w", path, err))
		}
		if len(verified) != len(group) {
			return fail(fmt.Errorf("verifying %s: wrote %d events, read back %d",
				path, len(group), len(verified)))
		}
	}

	if err := os.Remove(file.path); err != nil {
		return fmt.Errorf("removing archived source: %w", err)
	}
	a.logger.Info("archived hot file",
		"file", filepath.Base(file.path),
		"state", hotFileArchived.String(),
		"events", len(envelopes),
		"partitions", len(written))
	return nil
}

// CleanupOldFiles applies retention to both tiers and returns how
// many files were removed from each. The open hot file is never
// removed. Closed hot files past retention are removed only when
// AllowUnarchivedCleanup is set; otherwise they are left for the
// archival sweep.
func (a *Archiver) CleanupOldFiles() (CleanupResult, error) {
	var result CleanupResult

	a.mutex.Lock()
	if a.stopped {
		a.mutex.Unlock()
		return result, errors.New("archive: archiver is stopped")
	}
	openSequence := a.openSequence
	a.mutex.Unlock()

	now := a.clock.Now()
	var failures []error

	if a.options.AllowUnarchivedCleanup {
		files, err := listHotFiles(a.hotDir, openSequence)
		if err != nil {
			failures = append(failures, err)
		}
		hotCutoff := now.Add(-time.Duration(a.options.HotRetentionDays) * 24 * time.Hour)
		for _, file := range files {
			if file.state != hotFileClosed {
				continue
			}
			if file.modTime.After(hotCutoff) {
				continue
			}
			if err := os.Remove(file.path); err != nil {
				failures = append(failures, err)
				continue
			}
			a.logger.Info("removed expired hot file", "file", filepath.Base(file.path))
			result.Hot++
		}
	}

	coldCutoff := now.UTC().AddDate(0, 0, -a.options.ColdRetentionDays)
	err := filepath.WalkDir(a.coldDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != ".vcp" {
			return nil
		}
		day, ok := partitionDay(a.coldDir, path)
		if !ok {
			return nil
		}
		if !day.Before(coldCutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		a.logger.Info("removed expired partition", "partition", path)
		result.Cold++
		return nil
	})
	if err != nil {
		failures = append(failures, err)
	}

	return result, errors.Join(failures...)
}

// Query returns events matching the options from both tiers, ordered
// by timestamp ascending. Cold partitions are pruned by their path
// date before being read.
func (a *Archiver) Query(options QueryOptions) ([]*event.Envelope, error) {
	types := make(map[string]struct{}, len(options.EventTypes))
	for _, eventType := range options.EventTypes {
		types[eventType] = struct{}{}
	}
	matches := func(envelope *event.Envelope) bool {
		if len(types) > 0 {
			if _, ok := types[envelope.Type]; !ok {
				return false
			}
		}
		if options.Project != "" && envelope.Project != options.Project {
			return false
		}
		if options.StartTime != 0 && envelope.Timestamp < options.StartTime {
			return false
		}
		if options.EndTime != 0 && envelope.Timestamp > options.EndTime {
			return false
		}
		return true
	}

	var results []*event.Envelope

	// Cold tier first: partitions hold strictly older events. Prune by
	// the day encoded in the partition path; a day's partition covers
	// [day, day+24h).
	err := filepath.WalkDir(a.coldDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != ".vcp" {
			return nil
		}
		if day, ok := partitionDay(a.coldDir, path); ok {
			dayStart := float64(day.Unix())
			dayEnd := float64(day.Add(24 * time.Hour).Unix())
			if options.EndTime != 0 && dayStart > options.EndTime {
				return nil
			}
			if options.StartTime != 0 && dayEnd <= options.StartTime {
				return nil
			}
		}
		envelopes, err := readPartition(path)
		if err != nil {
			return err
		}
		for _, envelope := range envelopes {
			if matches(envelope) {
				results = append(results, envelope)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: querying cold tier: %w", err)
	}

	a.mutex.Lock()
	openSequence := a.openSequence
	a.mutex.Unlock()
	files, err := listHotFiles(a.hotDir, openSequence)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	for _, file := range files {
		envelopes, corrupt, err := readHotFile(file.path)
		if err != nil {
			return nil, fmt.Errorf("archive: querying hot tier: %w", err)
		}
		if corrupt > 0 {
			a.logger.Warn("skipped corrupt lines during query",
				"file", filepath.Base(file.path), "corrupt_lines", corrupt)
		}
		for _, envelope := range envelopes {
			if matches(envelope) {
				results = append(results, envelope)
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})
	if options.Limit > 0 && len(results) > options.Limit {
		results = results[:options.Limit]
	}
	return results, nil
}

// Stats recomputes tier statistics from disk.
func (a *Archiver) Stats() (Stats, error) {
	var stats Stats

	a.mutex.Lock()
	openSequence := a.openSequence
	a.mutex.Unlock()
	files, err := listHotFiles(a.hotDir, openSequence)
	if err != nil {
		return stats, fmt.Errorf("archive: %w", err)
	}
	for _, file := range files {
		count, err := countHotFileEvents(file.path)
		if err != nil {
			return stats, fmt.Errorf("archive: %w", err)
		}
		stats.HotFiles++
		stats.HotEvents += count
		stats.HotSizeBytes += file.size
	}

	err = filepath.WalkDir(a.coldDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != ".vcp" {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rows, err := partitionRowCount(path)
		if err != nil {
			return err
		}
		stats.ColdFiles++
		stats.ColdEvents += rows
		stats.ColdSizeBytes += info.Size()
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("archive: scanning cold tier: %w", err)
	}
	return stats, nil
}

// RunMaintenance runs the archival sweep on SweepInterval and
// retention cleanup on the cron schedule until ctx is cancelled. The
// cleanup schedule is checked on each sweep tick, so cleanup fires on
// the first tick at or after its scheduled time.
func (a *Archiver) RunMaintenance(ctx context.Context) error {
	nextCleanup, err := a.cleanup.Next(a.clock.Now())
	if err != nil {
		return fmt.Errorf("archive: cleanup schedule: %w", err)
	}

	ticker := a.clock.NewTicker(a.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if archived, err := a.ArchiveHotFiles(); err != nil {
				a.logger.Error("archival sweep failed", "error", err)
			} else if archived > 0 {
				a.logger.Info("archival sweep complete", "files", archived)
			}

			now := a.clock.Now()
			if now.Before(nextCleanup) {
				continue
			}
			if result, err := a.CleanupOldFiles(); err != nil {
				a.logger.Error("retention cleanup failed", "error", err)
			} else if result.Hot > 0 || result.Cold > 0 {
				a.logger.Info("retention cleanup complete",
					"hot_removed", result.Hot, "cold_removed", result.Cold)
			}
			nextCleanup, err = a.cleanup.Next(now)
			if err != nil {
				return fmt.Errorf("archive: cleanup schedule: %w", err)
			}
		}
	}
}

// Rotate closes the open hot file and opens the next one regardless
// of size or age. Used at shutdown checkpoints and by tests.
func (a *Archiver) Rotate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.stopped {
		return errors.New("archive: archiver is stopped")
	}
	return a.rotateLocked()
}

// Stop closes the open hot file. Further writes fail.
func (a *Archiver) Stop() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	if err := a.open.Close(); err != nil {
		return fmt.Errorf("archive: closing hot file: %w", err)
	}
	return nil
}
