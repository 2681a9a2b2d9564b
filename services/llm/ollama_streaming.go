// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Request Types
// =============================================================================

// Message is one chat message. Images holds base64-encoded image data.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// GenerateRequest is a single-prompt completion request.
type GenerateRequest struct {
	Model   string
	Prompt  string
	Options map[string]interface{}
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model    string
	Messages []Message
	Options  map[string]interface{}
}

// ChunkFunc receives each non-empty piece of generated text in upstream
// order. Returning an error stops the stream and is returned to the caller.
type ChunkFunc func(chunk string) error

// PullUpdate is one raw progress line from /api/pull.
type PullUpdate struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// PullFunc receives each parsed pull progress update.
type PullFunc func(update PullUpdate) error

// =============================================================================
// Wire Types
// =============================================================================

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaPullRequest struct {
	Name   string `json:"name"`
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

type streamMessage struct {
	Content string `json:"content"`
}

// streamLine covers every field a generate, chat, or pull line may carry.
type streamLine struct {
	Response  *string        `json:"response"`
	Message   *streamMessage `json:"message"`
	Status    string         `json:"status"`
	Digest    string         `json:"digest"`
	Total     int64          `json:"total"`
	Completed int64          `json:"completed"`
	Error     string         `json:"error"`
	Done      bool           `json:"done"`
}

// =============================================================================
// Streaming Calls
// =============================================================================

// GenerateStream streams /api/generate, calling onChunk for each piece of
// text.
//
// # Description
//
// Streaming is always requested upstream so the call can be abandoned by
// cancelling ctx. There is no client-side timeout.
//
// Lines are parsed best-effort: blank lines, invalid JSON, and JSON with no
// recognized field are skipped. A line with an "error" field ends the
// stream with a ModelErrorStreamFailed embedding the upstream message. The
// stream ends normally on a "done" line or when upstream closes.
//
// # Outputs
//
//   - error: *ModelError for upstream failures, ctx cancellation, or
//     non-200 status; otherwise the error returned by onChunk.
func (c *OllamaClient) GenerateStream(ctx context.Context, req GenerateRequest, onChunk ChunkFunc) error {
	ctx, span := tracer.Start(ctx, "OllamaClient.GenerateStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	payload := ollamaGenerateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Stream:  true,
		Options: req.Options,
	}
	return c.streamText(ctx, span, "/api/generate", req.Model, payload, onChunk)
}

// ChatStream streams /api/chat, calling onChunk for each piece of message
// content. Parsing and termination follow GenerateStream.
func (c *OllamaClient) ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) error {
	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	)

	payload := ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
		Options:  req.Options,
	}
	return c.streamText(ctx, span, "/api/chat", req.Model, payload, onChunk)
}

// PullStream streams /api/pull, calling onUpdate for every parsed progress
// line including the final "success" line.
//
// An "error" line ends the stream with a ModelErrorPullFailed. Upstream
// closing the connection returns nil; callers decide whether a success
// line was seen.
func (c *OllamaClient) PullStream(ctx context.Context, name string, onUpdate PullFunc) error {
	ctx, span := tracer.Start(ctx, "OllamaClient.PullStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", name))

	payload := ollamaPullRequest{Name: name, Model: name, Stream: true}
	body, err := c.openStream(ctx, span, "/api/pull", name, payload)
	if err != nil {
		var me *ModelError
		if errors.As(err, &me) && me.Type == ModelErrorInvalidResponse {
			me.Type = ModelErrorPullFailed
			me.Message = "Pull failed: " + me.Message
		}
		return err
	}
	defer body.Close()

	err = scanLines(ctx, body, name, func(line streamLine) (bool, error) {
		if line.Error != "" {
			return true, &ModelError{
				Type:        ModelErrorPullFailed,
				Model:       name,
				Message:     "Pull failed",
				Detail:      line.Error,
				Remediation: "Check the model name and network connection, then try again",
			}
		}
		status := line.Status
		if status == "" {
			if line.Total == 0 && line.Completed == 0 {
				return false, nil
			}
			status = "downloading"
		}
		update := PullUpdate{
			Status:    status,
			Digest:    line.Digest,
			Total:     line.Total,
			Completed: line.Completed,
		}
		if err := onUpdate(update); err != nil {
			return true, err
		}
		return false, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	slog.Debug("Ollama pull stream closed", "model", name)
	return nil
}

func (c *OllamaClient) streamText(ctx context.Context, span trace.Span, path, model string,
	payload interface{}, onChunk ChunkFunc) error {

	body, err := c.openStream(ctx, span, path, model, payload)
	if err != nil {
		return err
	}
	defer body.Close()

	chunks := 0
	err = scanLines(ctx, body, model, func(line streamLine) (bool, error) {
		if line.Error != "" {
			return true, &ModelError{
				Type:        ModelErrorStreamFailed,
				Model:       model,
				Message:     "Ollama reported an error",
				Detail:      line.Error,
				Remediation: "Check Ollama logs for errors",
			}
		}
		var text string
		switch {
		case line.Response != nil:
			text = *line.Response
		case line.Message != nil:
			text = line.Message.Content
		}
		if text != "" {
			chunks++
			if err := onChunk(text); err != nil {
				return true, err
			}
		}
		return line.Done, nil
	})
	span.SetAttributes(attribute.Int("llm.chunks", chunks))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// openStream posts payload to path and returns the response body on a 200.
func (c *OllamaClient) openStream(ctx context.Context, span trace.Span, path, model string,
	payload interface{}) (io.ReadCloser, error) {

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, c.connectionError(span, model, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, span, model, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(span, model, resp)
	}
	return resp.Body, nil
}

// scanLines feeds each decodable NDJSON line to handle until it reports
// stop, returns an error, or the body ends.
func scanLines(ctx context.Context, body io.Reader, model string, handle func(streamLine) (bool, error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			slog.Debug("Skipping malformed stream line", "model", model, "line", string(raw), "error", err)
			continue
		}

		stop, err := handle(line)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}

	if err := ctx.Err(); err != nil {
		return &ModelError{
			Type:    ModelErrorContextCancelled,
			Model:   model,
			Message: "Request cancelled",
			Detail:  err.Error(),
		}
	}
	if err := scanner.Err(); err != nil {
		return &ModelError{
			Type:        ModelErrorStreamFailed,
			Model:       model,
			Message:     "Error reading Ollama stream",
			Detail:      err.Error(),
			Remediation: "Check network connection and try again",
		}
	}
	return nil
}
