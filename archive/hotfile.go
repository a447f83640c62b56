// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vidurai-project/vidurai/event"
)

// Hot tier layout: hot/events_NNNNNNNNN.jsonl, one JSON envelope per
// line, appended in arrival order. Exactly one file per archiver is
// open for writing (the highest sequence number); rotation closes it
// and opens the next sequence. Closed files sit until the archival
// sweep converts them to cold partitions and deletes them.

// hotFileGlob matches hot tier event files.
const hotFileGlob = "events_*.jsonl"

// hotFileName formats the hot file name for a sequence number.
func hotFileName(sequence uint64) string {
	return fmt.Sprintf("events_%09d.jsonl", sequence)
}

// hotFileSequence parses the sequence number out of a hot file name.
// Returns false for names that do not follow the layout.
func hotFileSequence(name string) (uint64, bool) {
	digits, found := strings.CutPrefix(name, "events_")
	if !found {
		return 0, false
	}
	digits, found = strings.CutSuffix(digits, ".jsonl")
	if !found || digits == "" {
		return 0, false
	}
	sequence, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return sequence, true
}

// hotFileState is a hot file's position in the OPEN -> CLOSED ->
// ARCHIVED lifecycle. Archived files are deleted from the hot tier
// once their partitions verify, so a scan only ever observes the
// first two states; hotFileArchived exists for logging the final
// transition.
type hotFileState int

const (
	hotFileOpen hotFileState = iota
	hotFileClosed
	hotFileArchived
)

func (s hotFileState) String() string {
	switch s {
	case hotFileOpen:
		return "open"
	case hotFileClosed:
		return "closed"
	case hotFileArchived:
		return "archived"
	}
	return "unknown"
}

// hotFileInfo describes one hot file found on disk.
type hotFileInfo struct {
	path     string
	sequence uint64
	state    hotFileState
	size     int64
	modTime  time.Time
}

// listHotFiles scans the hot directory and returns the event files in
// sequence order, classified against the currently open sequence
// (0 when no file is open, as during startup recovery — everything a
// previous run left behind is closed). Files that do not match the
// naming scheme are ignored (editor droppings, partially-written temp
// files).
func listHotFiles(hotDir string, openSequence uint64) ([]hotFileInfo, error) {
	entries, err := os.ReadDir(hotDir)
	if err != nil {
		return nil, fmt.Errorf("scanning hot tier: %w", err)
	}

	var files []hotFileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sequence, ok := hotFileSequence(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		state := hotFileClosed
		if openSequence != 0 && sequence >= openSequence {
			state = hotFileOpen
		}
		files = append(files, hotFileInfo{
			path:     filepath.Join(hotDir, entry.Name()),
			sequence: sequence,
			state:    state,
			size:     info.Size(),
			modTime:  info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].sequence < files[j].sequence })
	return files, nil
}

// maxHotLineSize bounds a single NDJSON line when reading hot files
// back. Envelopes are small; anything beyond this is corruption.
const maxHotLineSize = 4 << 20

// readHotFile parses all envelopes from one hot file. Corrupt lines
// are skipped and counted rather than failing the read: a partial
// final line after a crash must not block archival of the events
// before it.
func readHotFile(path string) (envelopes []*event.Envelope, corrupt int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening hot file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxHotLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		envelope, err := event.ParseLine(line)
		if err != nil {
			corrupt++
			continue
		}
		envelopes = append(envelopes, envelope)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", path, err)
	}
	return envelopes, corrupt, nil
}

// countHotFileEvents counts parseable envelopes in a hot file without
// materializing them. Used by Stats.
func countHotFileEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening hot file: %w", err)
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxHotLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := event.ParseLine(line); err == nil {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	return count, nil
}
