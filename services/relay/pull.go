// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianLens/services/llm"
)

// Normalized pull statuses.
const (
	PullStatusDownloadingManifest = "downloading manifest"
	PullStatusDownloading         = "downloading"
	PullStatusVerifying           = "verifying"
	PullStatusDone                = "done"
	PullStatusError               = "error"
)

const bytesPerMB = 1 << 20

// errPullFinished stops the upstream scan once success has been relayed.
var errPullFinished = errors.New("pull finished")

// PullUpstream is the pull half of the Ollama client.
type PullUpstream interface {
	PullStream(ctx context.Context, name string, onUpdate llm.PullFunc) error
}

// PullProgress is one relayed progress event.
type PullProgress struct {
	Status          string  `json:"status"`
	Detail          string  `json:"detail,omitempty"`
	Digest          string  `json:"digest,omitempty"`
	Completed       int64   `json:"completed"`
	Total           int64   `json:"total"`
	ProgressPercent float64 `json:"progress_percent"`
	CompletedMB     float64 `json:"completed_mb"`
	TotalMB         float64 `json:"total_mb"`
	Error           string  `json:"error,omitempty"`
}

// Terminal reports whether p ends the pull stream.
func (p PullProgress) Terminal() bool {
	return p.Status == PullStatusDone || p.Status == PullStatusError
}

// Normalize maps a raw upstream update to a PullProgress.
//
// "pulling manifest" becomes "downloading manifest", "pulling <digest>"
// becomes "downloading", anything starting with "verifying" becomes
// "verifying" and "success" becomes "done". Other statuses pass through.
// The raw status is kept in Detail.
func Normalize(u llm.PullUpdate) PullProgress {
	raw := strings.TrimSpace(u.Status)
	lower := strings.ToLower(raw)

	p := PullProgress{
		Status:    raw,
		Detail:    raw,
		Digest:    u.Digest,
		Completed: u.Completed,
		Total:     u.Total,
	}

	switch {
	case lower == "pulling manifest":
		p.Status = PullStatusDownloadingManifest
	case strings.HasPrefix(lower, "pulling "), lower == PullStatusDownloading:
		p.Status = PullStatusDownloading
	case strings.HasPrefix(lower, "verifying"):
		p.Status = PullStatusVerifying
	case lower == "success":
		p.Status = PullStatusDone
	}

	p.ProgressPercent = percent(u.Completed, u.Total)
	p.CompletedMB = megabytes(u.Completed)
	p.TotalMB = megabytes(u.Total)
	if p.Status == PullStatusDone {
		p.ProgressPercent = 100
	}
	return p
}

func percent(completed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return round(float64(completed)/float64(total)*100, 2)
}

func megabytes(n int64) float64 {
	return round(float64(n)/bytesPerMB, 1)
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// Puller relays model pulls.
type Puller struct {
	upstream PullUpstream
}

// NewPuller creates a Puller.
func NewPuller(upstream PullUpstream) *Puller {
	return &Puller{upstream: upstream}
}

// Pull relays a model pull to emit.
//
// # Description
//
// Each upstream update is normalized and emitted as soon as it is parsed.
// Exactly one terminal event follows: "done" at 100 percent when upstream
// reports success, otherwise "error", including when upstream cannot be
// reached or closes without reporting success.
//
// # Outputs
//
//   - error: nil after a "done" event; the upstream failure after an
//     "error" event; or the emit error if the caller went away, in which
//     case no further events are attempted.
func (p *Puller) Pull(ctx context.Context, name string, emit func(PullProgress) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return inputErrorf("Model name is required")
	}

	var (
		emitErr error
		last    PullProgress
		done    bool
	)

	err := p.upstream.PullStream(ctx, name, func(u llm.PullUpdate) error {
		progress := Normalize(u)
		if progress.Total > 0 {
			last = progress
		}
		if progress.Status == PullStatusDone {
			progress.Completed, progress.Total = last.Total, last.Total
			progress.CompletedMB, progress.TotalMB = last.TotalMB, last.TotalMB
		}
		if err := emit(progress); err != nil {
			emitErr = err
			return err
		}
		if progress.Status == PullStatusDone {
			done = true
			return errPullFinished
		}
		return nil
	})

	if emitErr != nil {
		return emitErr
	}
	if done {
		slog.Info("Model pulled", "model", name)
		return nil
	}

	if err == nil {
		err = &llm.ModelError{
			Type:        llm.ModelErrorPullFailed,
			Model:       name,
			Message:     "Pull ended before completion",
			Detail:      "connection closed without a success status",
			Remediation: "Try the pull again",
		}
	}
	slog.Warn("Model pull failed", "model", name, "error", err)

	final := PullProgress{
		Status:          PullStatusError,
		Error:           err.Error(),
		Completed:       last.Completed,
		Total:           last.Total,
		ProgressPercent: last.ProgressPercent,
		CompletedMB:     last.CompletedMB,
		TotalMB:         last.TotalMB,
	}
	if emitErr := emit(final); emitErr != nil {
		return emitErr
	}
	return err
}
