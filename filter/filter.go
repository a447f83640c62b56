// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// Package filter implements the static path/type ignore rules consulted
// by the stabilizer. Build artifacts, VCS internals, temp files, and
// lockfiles generate high-volume, low-signal events; filtering them
// before debouncing keeps the pipeline and the archive clean.
package filter

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// ignoredDirectories are path segments that mark a file as noise
// wherever they appear in the path. Matching is exact per segment, so
// "my_node_modules_fork" is not caught.
var ignoredDirectories = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	".hg":          {},
	".svn":         {},
	"dist":         {},
	"build":        {},
	"out":          {},
	"target":       {},
	"__pycache__":  {},
	".venv":        {},
	"venv":         {},
	".tox":         {},
	"vendor":       {},
	".next":        {},
	".cache":       {},
	"coverage":     {},
}

// ignoredBasenames are glob patterns matched against the file's base
// name: temp/swap files and dependency lockfiles.
var ignoredBasenames = []string{
	"*.tmp",
	"*.temp",
	"*.swp",
	"*.swo",
	"*.bak",
	"*.log",
	"*~",
	".DS_Store",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"Cargo.lock",
	"poetry.lock",
	"Pipfile.lock",
	"composer.lock",
	"Gemfile.lock",
}

// defaultFilter backs the package-level ShouldIgnoreFile helper.
var defaultFilter = mustNew(nil)

// Filter decides whether a path should be excluded from the pipeline.
// The zero value is unusable; construct with New.
type Filter struct {
	basenames []glob.Glob
	extra     []glob.Glob
}

// New builds a filter with the built-in noise rules plus the given
// extra glob patterns. Extra patterns are matched against the full
// normalized (forward-slash) path with '/' as the separator, so
// "**/generated/**" behaves as expected.
func New(extraPatterns []string) (*Filter, error) {
	filter := &Filter{}
	for _, pattern := range ignoredBasenames {
		filter.basenames = append(filter.basenames, glob.MustCompile(pattern))
	}
	for _, pattern := range extraPatterns {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling ignore pattern %q: %w", pattern, err)
		}
		filter.extra = append(filter.extra, compiled)
	}
	return filter, nil
}

func mustNew(extraPatterns []string) *Filter {
	filter, err := New(extraPatterns)
	if err != nil {
		panic(err)
	}
	return filter
}

// ShouldIgnore reports whether the path matches an ignore rule. An
// empty path never matches: events without a file (terminal output,
// focus changes) pass through.
func (f *Filter) ShouldIgnore(filePath string) bool {
	if filePath == "" {
		return false
	}

	// Producers on Windows submit backslash paths.
	normalized := strings.ReplaceAll(filePath, "\\", "/")

	for _, segment := range strings.Split(normalized, "/") {
		if _, ignored := ignoredDirectories[segment]; ignored {
			return true
		}
	}

	base := path.Base(normalized)
	for _, pattern := range f.basenames {
		if pattern.Match(base) {
			return true
		}
	}

	// Extra patterns match either the full path ("**/generated/**")
	// or the base name ("*.pb.go").
	for _, pattern := range f.extra {
		if pattern.Match(normalized) || pattern.Match(base) {
			return true
		}
	}
	return false
}

// ShouldIgnoreFile applies the built-in rules without extra patterns.
// Producers use it to pre-filter before submitting over IPC.
func ShouldIgnoreFile(filePath string) bool {
	return defaultFilter.ShouldIgnore(filePath)
}
