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
	"fmt"
	"strings"
)

// ModelRow is one line of the installed-model listing.
type ModelRow struct {
	Name   string
	SizeMB float64
	Vision bool
}

// Models prints the installed models.
func (p *Printer) Models(rows []ModelRow) {
	if len(rows) == 0 {
		p.Warning("No models installed")
		return
	}
	if p.Mode == ModeMachine {
		for _, r := range rows {
			fmt.Fprintf(p.Out, "%s\t%.1f\t%t\n", r.Name, r.SizeMB, r.Vision)
		}
		return
	}

	p.Title(fmt.Sprintf("Installed models (%d)", len(rows)))
	for _, r := range rows {
		icon := IconBullet
		if r.Vision {
			icon = IconEye
		}
		fmt.Fprintf(p.Out, "  %s %-32s %s\n", icon.Render(), r.Name, Styles.Muted.Render(fmt.Sprintf("%8.1f MB", r.SizeMB)))
	}
}

// HistoryRow is one past interaction.
type HistoryRow struct {
	Timestamp string
	Model     string
	Prompt    string
	Duration  float64
	Success   bool
}

// History prints past interactions, oldest first.
func (p *Printer) History(rows []HistoryRow) {
	if len(rows) == 0 {
		p.Info("History is empty")
		return
	}
	for _, r := range rows {
		prompt := Truncate(strings.ReplaceAll(r.Prompt, "\n", " "), 60)
		if p.Mode == ModeMachine {
			fmt.Fprintf(p.Out, "%s\t%s\t%.2f\t%t\t%s\n", r.Timestamp, r.Model, r.Duration, r.Success, prompt)
			continue
		}
		status := IconSuccess
		if !r.Success {
			status = IconError
		}
		fmt.Fprintf(p.Out, "%s %s %s %s %s\n",
			status.Render(),
			Styles.Muted.Render(r.Timestamp),
			Styles.Highlight.Render(r.Model),
			prompt,
			Styles.Muted.Render(fmt.Sprintf("(%.2fs)", r.Duration)))
	}
}

// Truncate shortens s to at most n runes, marking the cut with "…".
func Truncate(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(runes[:n-1]) + "…"
}
