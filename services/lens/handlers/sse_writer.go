// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-contrib/sse"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// Each event is framed by gin-contrib/sse as
//
//	id:<uuid>
//	event:<type>
//	data:<json>
//
// followed by a blank line, and flushed immediately. Response headers are
// set on the first write, so a handler can still answer with a plain JSON
// error until it emits its first event.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The heartbeat goroutine
// writes keepalives while the relay writes events.
type SSEWriter interface {
	// WriteEvent writes one event whose data is JSON-encoded.
	WriteEvent(event string, data any) error

	// WriteKeepAlive writes an SSE comment line.
	WriteKeepAlive() error

	// Started reports whether anything has been written.
	Started() bool
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	started bool
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter for w.
//
// # Outputs
//
//   - SSEWriter: Ready to write events.
//   - error: Non-nil if w doesn't support flushing.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event string, data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.begin()
	err := sse.Encode(w.writer, sse.Event{
		Id:    uuid.NewString(),
		Event: event,
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.begin()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// begin sends headers once. Callers hold mu.
func (w *sseWriter) begin() {
	if w.started {
		return
	}
	w.started = true
	SetSSEHeaders(w.writer)
	w.writer.WriteHeader(http.StatusOK)
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
