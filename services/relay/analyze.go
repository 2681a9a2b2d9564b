// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay forwards analyze and pull requests to Ollama and relays the
// streamed results back to the caller.
//
// # Analyze
//
// Relay turns one request (model, prompt, optional file) into one upstream
// generate or chat call. Analyze buffers the whole answer; Stream pushes
// each chunk as it arrives and registers the upstream call in a Registry
// so it can be aborted. Either way exactly one history entry is written per
// request that reaches upstream.
//
// # Pull
//
// Puller relays /api/pull progress with normalized statuses and derived
// percentage and megabyte fields, always ending in exactly one terminal
// event.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianLens/services/history"
	"github.com/AleutianAI/AleutianLens/services/llm"
	"github.com/AleutianAI/AleutianLens/services/prompts"
	"github.com/AleutianAI/AleutianLens/services/sessions"
	"github.com/google/uuid"
)

// DefaultMaxUploadBytes caps the size of an uploaded file.
const DefaultMaxUploadBytes int64 = 32 << 20

// =============================================================================
// Collaborators
// =============================================================================

// Upstream is the streaming half of the Ollama client.
type Upstream interface {
	GenerateStream(ctx context.Context, req llm.GenerateRequest, onChunk llm.ChunkFunc) error
	ChatStream(ctx context.Context, req llm.ChatRequest, onChunk llm.ChunkFunc) error
}

// SelectionStore remembers each session's selected model.
type SelectionStore interface {
	Get(ctx context.Context, id string) (sessions.Selection, bool, error)
	SetModel(ctx context.Context, id, model string) (sessions.Selection, error)
}

// HistoryStore records finished interactions.
type HistoryStore interface {
	Add(entry history.Entry) ([]history.Entry, error)
	Load() []history.Entry
}

// =============================================================================
// Request / Result Types
// =============================================================================

// Upload is a file attached to an analyze request.
type Upload struct {
	Filename string
	Content  io.Reader
}

// AnalyzeRequest is one user request.
type AnalyzeRequest struct {
	// SessionID identifies the caller's selection. May be empty.
	SessionID string

	// Model overrides the session's selected model when non-empty.
	Model string

	Prompt string

	// File is optional unless the model requires one.
	File *Upload
}

// Result is the outcome of a request that reached upstream.
type Result struct {
	Success  bool
	Model    string
	Prompt   string
	Text     string
	Rendered string
	Duration time.Duration

	// RequestID is set for streamed requests.
	RequestID string

	// Aborted is true when the stream was cancelled through Abort.
	Aborted bool

	// History is the stored sequence after this request was recorded.
	History []history.Entry

	// HistoryErr is set when the history write failed. The result is still
	// valid.
	HistoryErr error
}

// EventType names a streamed analyze event.
type EventType string

const (
	EventStart EventType = "start"
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// StreamEvent is one event of a streamed analyze call.
type StreamEvent struct {
	Type      EventType
	RequestID string

	// Chunk is set on chunk events.
	Chunk string

	// Result is set on done and error events.
	Result *Result
}

// EmitFunc delivers a streamed event. An error stops the stream.
type EmitFunc func(StreamEvent) error

// =============================================================================
// Relay
// =============================================================================

// Config configures a Relay.
type Config struct {
	Upstream  Upstream
	Sessions  SelectionStore
	History   HistoryStore
	Registry  *Registry
	UploadDir string

	// MaxUploadBytes caps file size. Zero uses DefaultMaxUploadBytes.
	MaxUploadBytes int64
}

// Relay runs analyze requests against Ollama.
//
// # Thread Safety
//
// Safe for concurrent use. Each request writes its upload to a unique file.
type Relay struct {
	upstream  Upstream
	sessions  SelectionStore
	history   HistoryStore
	registry  *Registry
	uploadDir string
	maxUpload int64
}

// New creates a Relay. The upload directory is created if missing.
func New(cfg Config) (*Relay, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("relay requires an upstream client")
	}
	if cfg.History == nil {
		return nil, errors.New("relay requires a history store")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if err := os.MkdirAll(cfg.UploadDir, 0750); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &Relay{
		upstream:  cfg.Upstream,
		sessions:  cfg.Sessions,
		history:   cfg.History,
		registry:  cfg.Registry,
		uploadDir: cfg.UploadDir,
		maxUpload: cfg.MaxUploadBytes,
	}, nil
}

// Registry returns the active-stream registry.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Abort cancels a streamed request. An empty id targets the most recent.
func (r *Relay) Abort(id string) (string, error) {
	return r.registry.Abort(id)
}

// ResolveModel returns the explicit model if given, otherwise the session's
// selected model.
func (r *Relay) ResolveModel(ctx context.Context, sessionID, explicit string) (string, error) {
	if model := strings.TrimSpace(explicit); model != "" {
		return model, nil
	}
	if r.sessions != nil && sessionID != "" {
		sel, found, err := r.sessions.Get(ctx, sessionID)
		if err != nil {
			slog.Warn("Could not read session selection", "session_id", sessionID, "error", err)
		} else if found && sel.Model != "" {
			return sel.Model, nil
		}
	}
	return "", &InputError{Message: ErrNoModelSelected.Error(), Err: ErrNoModelSelected}
}

// Analyze runs req in buffered mode.
//
// # Outputs
//
//   - *Result: Always set when err is nil. Upstream failures are reported as
//     a Result with Success=false, not as an error.
//   - error: *InputError when the request is rejected before upstream.
func (r *Relay) Analyze(ctx context.Context, req AnalyzeRequest) (*Result, error) {
	start := time.Now()

	call, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	defer call.cleanup()

	var text strings.Builder
	err = call.dispatch(ctx, func(chunk string) error {
		text.WriteString(chunk)
		return nil
	})
	return r.finish(call, start, text.String(), err, false), nil
}

// Stream runs req in streaming mode.
//
// # Description
//
// The upstream call is registered under a fresh request id. Events are
// emitted in order: one start event carrying the id, a chunk event per
// upstream chunk, then exactly one done or error event. The registry entry
// is removed on every exit path.
//
// # Outputs
//
//   - *Result: Set when the request reached upstream.
//   - error: *InputError before any event is emitted, or the error returned
//     by emit when the caller went away.
func (r *Relay) Stream(ctx context.Context, req AnalyzeRequest, emit EmitFunc) (*Result, error) {
	start := time.Now()

	call, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	defer call.cleanup()

	streamCtx, cancel := context.WithCancel(ctx)
	handle := r.registry.Register(cancel)
	defer r.registry.Release(handle)

	slog.Debug("Analyze stream registered", "request_id", handle.ID(), "model", call.model)

	if err := emit(StreamEvent{Type: EventStart, RequestID: handle.ID()}); err != nil {
		return nil, err
	}

	var emitErr error
	var text strings.Builder
	err = call.dispatch(streamCtx, func(chunk string) error {
		text.WriteString(chunk)
		if err := emit(StreamEvent{Type: EventChunk, RequestID: handle.ID(), Chunk: chunk}); err != nil {
			emitErr = err
			return err
		}
		return nil
	})

	result := r.finish(call, start, text.String(), err, handle.Aborted())
	result.RequestID = handle.ID()

	if emitErr != nil {
		return result, emitErr
	}

	final := StreamEvent{Type: EventDone, RequestID: handle.ID(), Result: result}
	if !result.Success {
		final.Type = EventError
	}
	if err := emit(final); err != nil {
		return result, err
	}
	return result, nil
}

// =============================================================================
// Internals
// =============================================================================

type preparedCall struct {
	model    string
	prompt   string
	dispatch func(ctx context.Context, onChunk llm.ChunkFunc) error
	cleanup  func()
}

// prepare performs every check that can reject the request, persists and
// reads the upload, and builds the upstream call.
func (r *Relay) prepare(ctx context.Context, req AnalyzeRequest) (*preparedCall, error) {
	model, err := r.ResolveModel(ctx, req.SessionID, req.Model)
	if err != nil {
		return nil, err
	}
	if err := prompts.ValidatePrompt(req.Prompt); err != nil {
		return nil, &InputError{Message: err.Error(), Err: err}
	}

	vision := llm.IsVisionModel(model)
	types := llm.SupportedFileTypes(model)
	hasFile := req.File != nil && req.File.Content != nil && req.File.Filename != ""

	if types.Required && !hasFile {
		return nil, inputErrorf("Model %s requires an image file. Supported types: %s",
			model, strings.Join(types.Extensions, ", "))
	}

	call := &preparedCall{model: model, prompt: req.Prompt, cleanup: func() {}}

	if hasFile {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.File.Filename), "."))
		if !types.Allows(ext) {
			return nil, inputErrorf("Invalid file type. Supported types for %s: %s",
				model, strings.Join(types.Extensions, ", "))
		}

		data, cleanup, err := r.persistUpload(req.File.Content, ext)
		if err != nil {
			if IsInputError(err) {
				return nil, err
			}
			// Storage failures still end in a rendered error and a failed
			// history entry.
			slog.Error("Failed to store upload", "model", model, "error", err)
			call.dispatch = func(context.Context, llm.ChunkFunc) error {
				return ErrUploadFailed
			}
			r.rememberModel(ctx, req, model)
			return call, nil
		}
		call.cleanup = cleanup

		msg := llm.Message{Role: "user"}
		if vision {
			msg.Content = fmt.Sprintf("Prompt: %s\nPlease analyze this image and answer the prompt.", req.Prompt)
			msg.Images = []string{base64.StdEncoding.EncodeToString(data)}
		} else {
			if !utf8.Valid(data) {
				cleanup()
				return nil, inputErrorf("Could not read file. Make sure it's a valid text file.")
			}
			msg.Content = fmt.Sprintf("Here is the document content:\n\n%s\n\nPrompt: %s", string(data), req.Prompt)
		}

		chat := llm.ChatRequest{Model: model, Messages: []llm.Message{msg}}
		call.dispatch = func(ctx context.Context, onChunk llm.ChunkFunc) error {
			return r.upstream.ChatStream(ctx, chat, onChunk)
		}
	} else {
		gen := llm.GenerateRequest{Model: model, Prompt: req.Prompt}
		call.dispatch = func(ctx context.Context, onChunk llm.ChunkFunc) error {
			return r.upstream.GenerateStream(ctx, gen, onChunk)
		}
	}

	r.rememberModel(ctx, req, model)
	return call, nil
}

// rememberModel writes an explicitly requested model back to the session.
func (r *Relay) rememberModel(ctx context.Context, req AnalyzeRequest, model string) {
	if req.Model == "" || r.sessions == nil || req.SessionID == "" {
		return
	}
	if _, err := r.sessions.SetModel(ctx, req.SessionID, model); err != nil {
		slog.Warn("Could not record selected model", "session_id", req.SessionID, "error", err)
	}
}

// persistUpload writes content to a generated file under the upload
// directory and reads it back. The returned cleanup removes the file.
func (r *Relay) persistUpload(content io.Reader, ext string) ([]byte, func(), error) {
	path := filepath.Join(r.uploadDir, uuid.NewString()+"."+ext)
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to remove upload", "path", path, "error", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("save upload: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(content, r.maxUpload+1))
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		cleanup()
		return nil, nil, fmt.Errorf("save upload: %w", errors.Join(err, closeErr))
	}
	if n > r.maxUpload {
		cleanup()
		return nil, nil, inputErrorf("File is too large (max %d MB)", r.maxUpload>>20)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("read upload: %w", err)
	}
	return data, cleanup, nil
}

// finish renders the outcome and records it in history.
func (r *Relay) finish(call *preparedCall, start time.Time, text string, callErr error, aborted bool) *Result {
	elapsed := time.Since(start)
	result := &Result{
		Success:  callErr == nil,
		Model:    call.model,
		Prompt:   call.prompt,
		Text:     text,
		Duration: elapsed,
		Aborted:  aborted,
	}

	if callErr == nil {
		result.Rendered = fmt.Sprintf("Response (took %.2f seconds):\n\n%s", elapsed.Seconds(), text)
	} else {
		message := callErr.Error()
		switch {
		case aborted:
			message = "Request aborted by user"
		case llm.IsModelError(callErr, llm.ModelErrorContextCancelled):
			message = "Request cancelled"
		}
		result.Rendered = fmt.Sprintf("Error (after %.2f seconds): %s", elapsed.Seconds(), message)
		slog.Warn("Analyze request failed", "model", call.model, "aborted", aborted, "error", callErr)
	}

	entry := history.NewEntry(call.model, call.prompt, result.Rendered, elapsed, result.Success)
	entries, err := r.history.Add(entry)
	if err != nil {
		slog.Error("Failed to record history entry", "model", call.model, "error", err)
		result.HistoryErr = err
		entries = r.history.Load()
	}
	result.History = entries
	return result
}
