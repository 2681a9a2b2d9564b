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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianLens/services/history"
	"github.com/AleutianAI/AleutianLens/services/llm"
	"github.com/AleutianAI/AleutianLens/services/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

type testEnv struct {
	relay     *Relay
	history   *history.Store
	sessions  *sessions.Store
	uploadDir string
	hits      *atomic.Int32
}

// newTestEnv wires a Relay to a mock Ollama server driven by handler.
func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()

	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	hist, err := history.New(filepath.Join(dir, "history.json"), 10)
	require.NoError(t, err)

	sess, err := sessions.Open(sessions.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	uploadDir := filepath.Join(dir, "uploads")
	r, err := New(Config{
		Upstream:  llm.NewOllamaClient(server.URL, time.Second),
		Sessions:  sess,
		History:   hist,
		UploadDir: uploadDir,
	})
	require.NoError(t, err)

	return &testEnv{relay: r, history: hist, sessions: sess, uploadDir: uploadDir, hits: hits}
}

func storyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	fmt.Fprintln(w, `{"response": "Once"}`)
	fmt.Fprintln(w, `{"response":" upon"}`)
	fmt.Fprintln(w, `{"response":" a"}`)
	fmt.Fprintln(w, `{"response":" time"}`)
}

func assertUploadDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "transient uploads must be removed")
}

// =============================================================================
// Buffered mode
// =============================================================================

func TestAnalyze_BufferedConcatenatesAndRecordsHistory(t *testing.T) {
	env := newTestEnv(t, storyHandler)

	res, err := env.relay.Analyze(context.Background(), AnalyzeRequest{Model: "mistral", Prompt: "story"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "Once upon a time", res.Text)
	assert.True(t, strings.HasPrefix(res.Rendered, "Response (took "))
	assert.Contains(t, res.Rendered, "seconds):\n\nOnce upon a time")

	entries := env.history.Load()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "mistral", entries[0].Model)
	assert.Equal(t, "story", entries[0].Prompt)
	assert.Greater(t, entries[0].Duration, 0.0)
	assert.Equal(t, entries, res.History)
}

func TestAnalyze_VisionRequestSendsOneImage(t *testing.T) {
	image := []byte("\x89PNG fake image bytes")
	var captured llm.Message

	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body struct {
			Messages []llm.Message `json:"messages"`
			Stream   bool          `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		require.Len(t, body.Messages, 1)
		captured = body.Messages[0]
		fmt.Fprintln(w, `{"message":{"content":"I see a test image."}}`)
	})

	res, err := env.relay.Analyze(context.Background(), AnalyzeRequest{
		Model:  "llava",
		Prompt: "What is this?",
		File:   &Upload{Filename: "photo.PNG", Content: bytes.NewReader(image)},
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Contains(t, res.Rendered, "I see a test image.")
	require.Len(t, captured.Images, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString(image), captured.Images[0])
	assert.Equal(t, "Prompt: What is this?\nPlease analyze this image and answer the prompt.", captured.Content)
	assertUploadDirEmpty(t, env.uploadDir)
}

func TestAnalyze_TextFileInlinedIntoChat(t *testing.T) {
	var captured llm.Message
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body struct {
			Messages []llm.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		captured = body.Messages[0]
		fmt.Fprintln(w, `{"message":{"content":"Summary."}}`)
	})

	res, err := env.relay.Analyze(context.Background(), AnalyzeRequest{
		Model:  "mistral",
		Prompt: "Summarize",
		File:   &Upload{Filename: "notes.txt", Content: strings.NewReader("line one\nline two")},
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "Here is the document content:\n\nline one\nline two\n\nPrompt: Summarize", captured.Content)
	assert.Empty(t, captured.Images)
	assertUploadDirEmpty(t, env.uploadDir)
}

func TestAnalyze_InputErrorsMakeNoUpstreamCall(t *testing.T) {
	env := newTestEnv(t, storyHandler)

	tests := []struct {
		name string
		req  AnalyzeRequest
	}{
		{"vision model without file", AnalyzeRequest{Model: "llava", Prompt: "what?"}},
		{"no model selected", AnalyzeRequest{Prompt: "hi"}},
		{"blank prompt", AnalyzeRequest{Model: "mistral", Prompt: "   "}},
		{"disallowed extension", AnalyzeRequest{
			Model: "llava", Prompt: "p",
			File: &Upload{Filename: "doc.txt", Content: strings.NewReader("x")},
		}},
		{"binary text file", AnalyzeRequest{
			Model: "mistral", Prompt: "p",
			File: &Upload{Filename: "data.csv", Content: bytes.NewReader([]byte{0xff, 0xfe, 0x00})},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.relay.Analyze(context.Background(), tt.req)
			assert.Nil(t, res)
			require.Error(t, err)
			assert.True(t, IsInputError(err), "got %T: %v", err, err)
		})
	}

	assert.Equal(t, int32(0), env.hits.Load(), "no upstream call may happen for input errors")
	assert.Empty(t, env.history.Load(), "input errors are not recorded")
	assertUploadDirEmpty(t, env.uploadDir)
}

func TestAnalyze_NoModelSelectedIsSentinel(t *testing.T) {
	env := newTestEnv(t, storyHandler)

	_, err := env.relay.Analyze(context.Background(), AnalyzeRequest{SessionID: "s1", Prompt: "hi"})
	assert.ErrorIs(t, err, ErrNoModelSelected)
}

func TestAnalyze_UsesSessionModelAndWritesBackExplicit(t *testing.T) {
	var models []string
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		models = append(models, body.Model)
		fmt.Fprintln(w, `{"response":"ok"}`)
	})
	ctx := context.Background()

	_, err := env.relay.Analyze(ctx, AnalyzeRequest{SessionID: "s1", Model: "mistral", Prompt: "a"})
	require.NoError(t, err)

	sel, found, err := env.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "mistral", sel.Model)

	_, err = env.relay.Analyze(ctx, AnalyzeRequest{SessionID: "s1", Prompt: "b"})
	require.NoError(t, err)

	assert.Equal(t, []string{"mistral", "mistral"}, models)
}

func TestAnalyze_UpstreamFailureRenderedAndRecorded(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"backend exploded"}`)
	})

	res, err := env.relay.Analyze(context.Background(), AnalyzeRequest{Model: "mistral", Prompt: "p"})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Rendered, "Error (after "))
	assert.Contains(t, res.Rendered, "backend exploded")

	entries := env.history.Load()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, res.Rendered, entries[0].Result)
}

func TestAnalyze_UploadStorageFailureRenderedAndRecorded(t *testing.T) {
	env := newTestEnv(t, storyHandler)
	require.NoError(t, os.RemoveAll(env.uploadDir))

	res, err := env.relay.Analyze(context.Background(), AnalyzeRequest{
		Model:  "mistral",
		Prompt: "summarize",
		File:   &Upload{Filename: "notes.txt", Content: strings.NewReader("line one")},
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Rendered, "Error (after "))
	assert.Contains(t, res.Rendered, ErrUploadFailed.Error())
	assert.NotContains(t, res.Rendered, env.uploadDir)
	assert.Equal(t, int32(0), env.hits.Load())

	entries := env.history.Load()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, res.Rendered, entries[0].Result)
}

func TestAnalyze_HistoryWriteFailureDoesNotBlock(t *testing.T) {
	env := newTestEnv(t, storyHandler)
	require.NoError(t, os.RemoveAll(filepath.Dir(env.history.Path())))

	res, err := env.relay.Analyze(context.Background(), AnalyzeRequest{Model: "mistral", Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Error(t, res.HistoryErr)
}

// =============================================================================
// Streaming mode
// =============================================================================

func TestStream_EmitsStartChunksDone(t *testing.T) {
	env := newTestEnv(t, storyHandler)

	var events []StreamEvent
	res, err := env.relay.Stream(context.Background(), AnalyzeRequest{Model: "mistral", Prompt: "story"},
		func(e StreamEvent) error {
			events = append(events, e)
			return nil
		})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Len(t, events, 6)
	assert.Equal(t, EventStart, events[0].Type)
	requestID := events[0].RequestID
	assert.NotEmpty(t, requestID)

	var chunks []string
	for _, e := range events[1:5] {
		assert.Equal(t, EventChunk, e.Type)
		assert.Equal(t, requestID, e.RequestID)
		chunks = append(chunks, e.Chunk)
	}
	assert.Equal(t, []string{"Once", " upon", " a", " time"}, chunks)

	assert.Equal(t, EventDone, events[5].Type)
	assert.Equal(t, "Once upon a time", events[5].Result.Text)
	assert.Equal(t, 0, env.relay.Registry().Len(), "registry entry must be released")
	assert.Len(t, env.history.Load(), 1)
}

func TestStream_UpstreamErrorEmitsErrorEvent(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"half"}`)
		fmt.Fprintln(w, `{"error":"out of memory"}`)
	})

	var last StreamEvent
	res, err := env.relay.Stream(context.Background(), AnalyzeRequest{Model: "mistral", Prompt: "p"},
		func(e StreamEvent) error {
			last = e
			return nil
		})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Result.Rendered, "out of memory")
	assert.Equal(t, 0, env.relay.Registry().Len())
	assert.False(t, env.history.Load()[0].Success)
}

func TestStream_UploadStorageFailureEmitsErrorEvent(t *testing.T) {
	env := newTestEnv(t, storyHandler)
	require.NoError(t, os.RemoveAll(env.uploadDir))

	var events []StreamEvent
	res, err := env.relay.Stream(context.Background(), AnalyzeRequest{
		Model:  "mistral",
		Prompt: "summarize",
		File:   &Upload{Filename: "notes.txt", Content: strings.NewReader("line one")},
	}, func(e StreamEvent) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, EventStart, events[0].Type)
	assert.Equal(t, EventError, events[1].Type)
	assert.Contains(t, events[1].Result.Rendered, ErrUploadFailed.Error())
	assert.False(t, res.Success)
	assert.Equal(t, 0, env.relay.Registry().Len())
	assert.False(t, env.history.Load()[0].Success)
}

func TestStream_AbortClosesUpstreamAndEmitsError(t *testing.T) {
	upstreamClosed := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"thinking"}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamClosed)
	})

	events := make(chan StreamEvent, 16)
	done := make(chan *Result, 1)
	go func() {
		res, err := env.relay.Stream(context.Background(), AnalyzeRequest{Model: "mistral", Prompt: "p"},
			func(e StreamEvent) error {
				events <- e
				return nil
			})
		assert.NoError(t, err)
		done <- res
	}()

	start := <-events
	require.Equal(t, EventStart, start.Type)
	chunk := <-events
	require.Equal(t, EventChunk, chunk.Type)

	abortedID, err := env.relay.Abort("")
	require.NoError(t, err)
	assert.Equal(t, start.RequestID, abortedID)

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.True(t, res.Aborted)
		assert.Contains(t, res.Rendered, "Request aborted by user")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after abort")
	}

	final := <-events
	assert.Equal(t, EventError, final.Type)

	select {
	case <-upstreamClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection was not closed")
	}

	_, err = env.relay.Abort(start.RequestID)
	assert.ErrorIs(t, err, ErrNothingToAbort)
	assert.Equal(t, 0, env.relay.Registry().Len())
}

func TestStream_EmitFailureStopsStream(t *testing.T) {
	env := newTestEnv(t, storyHandler)
	gone := errors.New("client gone")

	calls := 0
	_, err := env.relay.Stream(context.Background(), AnalyzeRequest{Model: "mistral", Prompt: "p"},
		func(e StreamEvent) error {
			calls++
			if e.Type == EventChunk {
				return gone
			}
			return nil
		})

	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, env.relay.Registry().Len())
}

func TestStream_InputErrorBeforeAnyEvent(t *testing.T) {
	env := newTestEnv(t, storyHandler)

	_, err := env.relay.Stream(context.Background(), AnalyzeRequest{Model: "llava", Prompt: "p"},
		func(StreamEvent) error {
			t.Fatal("no events expected")
			return nil
		})
	assert.True(t, IsInputError(err))
	assert.Equal(t, int32(0), env.hits.Load())
}
