// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode defines how much styling CLI output carries.
type Mode string

const (
	// ModeRich enables colors, icons, boxes and in-place progress bars.
	ModeRich Mode = "rich"

	// ModeMinimal uses icons and plain text, one progress line per update.
	ModeMinimal Mode = "minimal"

	// ModeMachine outputs tab-separated plain text for scripts.
	ModeMachine Mode = "machine"
)

// ModeEnvVar overrides terminal detection.
const ModeEnvVar = "LENS_OUTPUT"

// ParseMode converts a flag or environment value to a Mode. Unknown values
// give ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return ModeMinimal
	case "machine", "plain", "quiet", "q":
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode picks the mode for output written to f: the LENS_OUTPUT value
// when set, ModeRich for a terminal and ModeMachine otherwise.
func DetectMode(f *os.File) Mode {
	if v := os.Getenv(ModeEnvVar); v != "" {
		return ParseMode(v)
	}
	if f != nil && IsTerminal(f) {
		return ModeRich
	}
	return ModeMachine
}

// IsTerminal reports whether f is a terminal, including Cygwin ptys.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
