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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianLens/services/lens/datatypes"
	"github.com/AleutianAI/AleutianLens/services/lens/observability"
	"github.com/AleutianAI/AleutianLens/services/relay"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// HandlePullModel downloads a model and relays progress as server-sent
// events.
//
// # Description
//
// The model name comes from ?name= (GET, for EventSource) or a JSON/form
// body (POST). Non-terminal updates are sent as "progress" events, then
// exactly one "done" or "error" event closes the stream. Each event's data
// is a relay.PullProgress.
//
// # Inputs
//
//   - puller: The pull relay.
//   - limiter: Caps pull initiations. Nil disables the limit.
//   - metrics: Optional. Nil disables metrics.
//
// # Outputs
//
//   - 400 {"error": ...} when no name is given.
//   - 429 {"error": ...} when the limiter rejects the pull.
//   - 200 text/event-stream otherwise, including for upstream failures.
func HandlePullModel(puller Puller, limiter *rate.Limiter, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandlePullModel")
		defer span.End()

		var req datatypes.PullRequest
		if c.Request.Method != http.MethodGet {
			_ = c.ShouldBind(&req)
		}
		if req.Name == "" {
			req.Name = c.Query("name")
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		span.SetAttributes(attribute.String("lens.model", req.Name))

		if limiter != nil && !limiter.Allow() {
			slog.Warn("Pull rate limit exceeded", "model", req.Name)
			c.JSON(http.StatusTooManyRequests, datatypes.ErrorResponse{Error: "Too many pull requests, try again shortly"})
			return
		}

		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Streaming not supported"})
			return
		}

		slog.Info("Pulling model", "model", req.Name)
		err = puller.Pull(ctx, req.Name, func(p relay.PullProgress) error {
			metrics.RecordPullEvent(p.Status)
			event := eventProgress
			switch p.Status {
			case relay.PullStatusDone:
				event = eventDone
			case relay.PullStatusError:
				event = eventError
			}
			return writer.WriteEvent(event, p)
		})

		if err != nil && !writer.Started() {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		if err != nil {
			slog.Debug("Pull stream ended with error", "model", req.Name, "error", err)
		}
	}
}
