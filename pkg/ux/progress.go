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

// barWidth is the number of cells in a rendered download bar.
const barWidth = 30

// PullStep is one progress update of a model download.
type PullStep struct {
	Status      string
	Percent     float64
	CompletedMB float64
	TotalMB     float64
}

// PullView renders model download progress.
//
// In ModeRich the bar is redrawn in place with a carriage return. The other
// modes print one line per status change, and machine output is
// tab-separated: status, percent, completed MB, total MB.
type PullView struct {
	printer    *Printer
	model      string
	lastStatus string
	lastWidth  int
}

// NewPullView creates a view for pulling model.
func NewPullView(p *Printer, model string) *PullView {
	return &PullView{printer: p, model: model}
}

// Update renders step.
func (v *PullView) Update(step PullStep) {
	switch v.printer.Mode {
	case ModeMachine:
		fmt.Fprintf(v.printer.Out, "%s\t%.2f\t%.1f\t%.1f\n", step.Status, step.Percent, step.CompletedMB, step.TotalMB)
	case ModeMinimal:
		if step.Status != v.lastStatus {
			fmt.Fprintf(v.printer.Out, "%s %s %s\n", IconArrow, v.model, step.Status)
		}
	default:
		line := fmt.Sprintf("%s %s %s", Styles.Highlight.Render(v.model), ProgressBar(step.Percent, barWidth),
			Styles.Muted.Render(step.Status))
		if step.TotalMB > 0 {
			line += Styles.Muted.Render(fmt.Sprintf(" %.1f/%.1f MB", step.CompletedMB, step.TotalMB))
		}
		pad := v.lastWidth - len(line)
		v.lastWidth = len(line)
		if pad < 0 {
			pad = 0
		}
		fmt.Fprintf(v.printer.Out, "\r%s%s", line, strings.Repeat(" ", pad))
	}
	v.lastStatus = step.Status
}

// Done ends the view after a successful pull.
func (v *PullView) Done() {
	v.endLine()
	v.printer.Success(fmt.Sprintf("Pulled %s", v.model))
}

// Fail ends the view after a failed pull.
func (v *PullView) Fail(reason string) {
	v.endLine()
	v.printer.Error(fmt.Sprintf("Pull of %s failed: %s", v.model, reason))
}

func (v *PullView) endLine() {
	if v.printer.Mode == ModeRich && v.lastWidth > 0 {
		fmt.Fprintln(v.printer.Out)
	}
}
