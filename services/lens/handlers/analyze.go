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
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLens/services/lens/datatypes"
	"github.com/AleutianAI/AleutianLens/services/lens/middleware"
	"github.com/AleutianAI/AleutianLens/services/lens/observability"
	"github.com/AleutianAI/AleutianLens/services/relay"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// Constants
// =============================================================================

// heartbeatInterval is the interval for sending keepalive pings.
// Set to 15s to stay well under typical proxy idle timeouts.
const heartbeatInterval = 15 * time.Second

// SSE event names.
const (
	eventStart    = "start"
	eventChunk    = "chunk"
	eventDone     = "done"
	eventError    = "error"
	eventProgress = "progress"
)

var tracer = otel.Tracer("aleutian.lens.handlers")

// =============================================================================
// Analyze
// =============================================================================

// HandleAnalyze runs one analyze request.
//
// # Description
//
// Reads multipart or urlencoded form fields "model", "prompt", "stream" and
// an optional "file". The response is buffered JSON unless stream is true or
// the client sends Accept: text/event-stream, in which case the answer is
// relayed as start, chunk and done/error events.
//
// Rejected requests (no model, blank prompt, missing or invalid file) get a
// 400 with {"error": ...} in both modes. Upstream failures are not HTTP
// errors: they come back as a result with success=false.
//
// # Inputs
//
//   - analyzer: The relay running the request.
//   - metrics: Optional. Nil disables metrics.
//
// # Outputs
//
//   - gin.HandlerFunc: Handler for POST /api/analyze.
func HandleAnalyze(analyzer Analyzer, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleAnalyze")
		defer span.End()

		req, closeFile, err := analyzeRequestFromForm(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		defer closeFile()

		streaming := wantsStream(c)
		span.SetAttributes(
			attribute.Bool("lens.stream", streaming),
			attribute.Bool("lens.has_file", req.File != nil),
		)

		if streaming {
			streamAnalyze(ctx, c, analyzer, req, metrics)
			return
		}

		res, err := analyzer.Analyze(ctx, req)
		if err != nil {
			respondAnalyzeError(c, err, metrics, observability.ModeBuffered)
			return
		}

		recordResult(metrics, observability.ModeBuffered, res)
		if !res.Success {
			span.SetStatus(codes.Error, res.Rendered)
		}
		c.JSON(http.StatusOK, analyzeResponse(res))
	}
}

// streamAnalyze relays req as server-sent events.
func streamAnalyze(ctx context.Context, c *gin.Context, analyzer Analyzer,
	req relay.AnalyzeRequest, metrics *observability.Metrics) {

	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Streaming not supported"})
		return
	}

	start := time.Now()
	firstChunk := true
	stopHeartbeat := func() {}
	defer func() { stopHeartbeat() }()

	res, err := analyzer.Stream(ctx, req, func(ev relay.StreamEvent) error {
		switch ev.Type {
		case relay.EventStart:
			metrics.StreamStarted()
			stopHeartbeat = startHeartbeat(ctx, writer, heartbeatInterval)
			return writer.WriteEvent(eventStart, datatypes.StartPayload{RequestID: ev.RequestID})
		case relay.EventChunk:
			if firstChunk {
				firstChunk = false
				metrics.RecordTimeToFirstChunk(time.Since(start).Seconds())
			}
			return writer.WriteEvent(eventChunk, datatypes.ChunkPayload{RequestID: ev.RequestID, Content: ev.Chunk})
		case relay.EventDone:
			return writer.WriteEvent(eventDone, analyzeResponse(ev.Result))
		default:
			return writer.WriteEvent(eventError, analyzeResponse(ev.Result))
		}
	})

	if err != nil && !writer.Started() {
		respondAnalyzeError(c, err, metrics, observability.ModeStream)
		return
	}

	status := observability.StatusDisconnected
	if err == nil {
		status = resultStatus(res)
	} else {
		slog.Info("Analyze stream client went away", "error", err)
	}
	if res != nil && res.HistoryErr != nil {
		metrics.RecordHistoryWriteFailure()
	}
	metrics.RecordAnalyze(observability.ModeStream, status)
	metrics.StreamEnded(time.Since(start).Seconds(), status)
}

// startHeartbeat writes keepalive comments every interval until ctx ends or
// the returned stop is called. stop returns only after the last write has
// finished, so nothing touches the response once the handler returns.
func startHeartbeat(ctx context.Context, writer SSEWriter, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					slog.Debug("Failed to write keepalive", "error", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

// =============================================================================
// Abort
// =============================================================================

// HandleAbort cancels an active analyze stream. request_id is optional; an
// empty id aborts the most recent stream.
func HandleAbort(analyzer Analyzer, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.AbortRequest
		_ = c.ShouldBind(&req)
		if req.RequestID == "" {
			req.RequestID = c.Query("request_id")
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.StatusResponse{Status: "error", Message: err.Error()})
			return
		}

		id, err := analyzer.Abort(req.RequestID)
		if errors.Is(err, relay.ErrNothingToAbort) {
			metrics.RecordAbort(false)
			c.JSON(http.StatusNotFound, datatypes.StatusResponse{Status: "error", Message: err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.StatusResponse{Status: "error", Message: err.Error()})
			return
		}

		metrics.RecordAbort(true)
		slog.Info("Analysis aborted", "request_id", id)
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Analysis aborted", "request_id": id})
	}
}

// =============================================================================
// Helpers
// =============================================================================

// analyzeRequestFromForm builds a relay request from the form. The returned
// func closes the uploaded file.
func analyzeRequestFromForm(c *gin.Context) (relay.AnalyzeRequest, func(), error) {
	req := relay.AnalyzeRequest{
		SessionID: middleware.GetSessionID(c),
		Model:     strings.TrimSpace(c.PostForm("model")),
		Prompt:    c.PostForm("prompt"),
	}
	noop := func() {}

	header, err := c.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		return req, noop, nil
	case err != nil:
		return req, noop, errors.New("Could not read uploaded file")
	case header.Filename == "":
		return req, noop, nil
	}

	f, err := header.Open()
	if err != nil {
		return req, noop, errors.New("Could not read uploaded file")
	}
	req.File = &relay.Upload{Filename: header.Filename, Content: f}
	return req, closer(f), nil
}

func closer(f multipart.File) func() {
	return func() {
		if err := f.Close(); err != nil {
			slog.Debug("Failed to close uploaded file", "error", err)
		}
	}
}

// wantsStream reports whether the client asked for server-sent events.
func wantsStream(c *gin.Context) bool {
	for _, v := range []string{c.PostForm("stream"), c.Query("stream")} {
		if on, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil && on {
			return true
		}
	}
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func respondAnalyzeError(c *gin.Context, err error, metrics *observability.Metrics, mode observability.Mode) {
	if relay.IsInputError(err) {
		metrics.RecordAnalyze(mode, observability.StatusInvalid)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
		return
	}
	slog.Error("Analyze request failed before upstream", "error", err)
	metrics.RecordAnalyze(mode, observability.StatusError)
	c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Analysis failed"})
}

func recordResult(metrics *observability.Metrics, mode observability.Mode, res *relay.Result) {
	if res.HistoryErr != nil {
		metrics.RecordHistoryWriteFailure()
	}
	metrics.RecordAnalyze(mode, resultStatus(res))
}

func resultStatus(res *relay.Result) string {
	switch {
	case res == nil:
		return observability.StatusError
	case res.Success:
		return observability.StatusSuccess
	case res.Aborted:
		return observability.StatusAborted
	default:
		return observability.StatusError
	}
}

func analyzeResponse(res *relay.Result) datatypes.AnalyzeResponse {
	if res == nil {
		return datatypes.AnalyzeResponse{}
	}
	return datatypes.AnalyzeResponse{
		Success:   res.Success,
		Model:     res.Model,
		Prompt:    res.Prompt,
		Result:    res.Rendered,
		Duration:  res.Duration.Seconds(),
		RequestID: res.RequestID,
		Aborted:   res.Aborted,
		History:   res.History,
	}
}
