// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the vidurai daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - VIDURAI_CONFIG environment variable, or
//   - --config flag passed to the daemon
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// A missing config file is acceptable only through Default(), which the
// daemon uses when no --config flag is given.
//
// The config file may contain environment-specific sections
// (development, production) that override base values when the
// environment matches.
package config
