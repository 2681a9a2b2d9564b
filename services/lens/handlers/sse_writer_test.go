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
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noFlushWriter struct {
	header http.Header
}

func (w *noFlushWriter) Header() http.Header         { return w.header }
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(int)             {}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(&noFlushWriter{header: http.Header{}})
	assert.Error(t, err)
}

func TestSSEWriter_HeadersOnFirstWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	assert.False(t, w.Started())
	assert.Empty(t, rec.Header().Get("Content-Type"))

	require.NoError(t, w.WriteEvent("chunk", testPayload{Content: "hi"}))
	assert.True(t, w.Started())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)
}

// testPayload is a minimal event payload.
type testPayload struct {
	Content string `json:"content"`
}

func TestSSEWriter_Framing(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent("chunk", testPayload{Content: "a"}))
	require.NoError(t, w.WriteKeepAlive())
	require.NoError(t, w.WriteEvent("done", testPayload{Content: "b"}))

	body := rec.Body.String()
	assert.Contains(t, body, ": ping\n\n")

	events := parseSSE(t, strings.NewReader(body))
	require.Len(t, events, 2)
	assert.Equal(t, "chunk", events[0].Event)
	assert.JSONEq(t, `{"content":"a"}`, events[0].Data)
	assert.Equal(t, "done", events[1].Event)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestSSEWriter_ConcurrentWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = w.WriteEvent("chunk", testPayload{Content: "x"})
		}()
		go func() {
			defer wg.Done()
			_ = w.WriteKeepAlive()
		}()
	}
	wg.Wait()

	events := parseSSE(t, strings.NewReader(rec.Body.String()))
	assert.Len(t, events, 20)
}

// slowKeepAliveWriter holds each keepalive open briefly and tracks writes
// still in progress.
type slowKeepAliveWriter struct {
	inFlight atomic.Int32
	writes   atomic.Int32
}

func (w *slowKeepAliveWriter) WriteEvent(string, any) error { return nil }

func (w *slowKeepAliveWriter) WriteKeepAlive() error {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	time.Sleep(5 * time.Millisecond)
	w.writes.Add(1)
	return nil
}

func (w *slowKeepAliveWriter) Started() bool { return true }

func TestStartHeartbeat_StopWaitsForInFlightWrite(t *testing.T) {
	w := &slowKeepAliveWriter{}
	stop := startHeartbeat(context.Background(), w, time.Millisecond)

	require.Eventually(t, func() bool { return w.writes.Load() >= 2 }, time.Second, time.Millisecond)
	stop()

	assert.Equal(t, int32(0), w.inFlight.Load())
	after := w.writes.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, w.writes.Load())

	// stop is idempotent
	stop()
}

func TestStartHeartbeat_ExitsOnContextCancel(t *testing.T) {
	w := &slowKeepAliveWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	stop := startHeartbeat(ctx, w, time.Millisecond)

	cancel()
	finished := make(chan struct{})
	go func() {
		stop()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("stop did not return after cancel")
	}
}
