// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes build metadata for the vidurai binaries.
package version

import "fmt"

// Version is the semantic version, overridden at build time via
// -ldflags "-X .../lib/version.Version=v0.3.0".
var Version = "dev"

// Commit is the VCS revision, overridden at build time.
var Commit = "unknown"

// Info returns a human-readable version string.
func Info() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
