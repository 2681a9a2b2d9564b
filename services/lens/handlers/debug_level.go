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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianLens/pkg/logging"
	"github.com/AleutianAI/AleutianLens/services/lens/datatypes"
	"github.com/AleutianAI/AleutianLens/services/lens/middleware"
	"github.com/gin-gonic/gin"
)

// HandleGetDebugLevel reports the process threshold and the session's
// stored preference.
func HandleGetDebugLevel(store SelectionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		current := logging.CurrentLevel().String()
		resp := datatypes.DebugLevelResponse{
			Status:            "success",
			Level:             current,
			CurrentDebugLevel: current,
			Levels:            logging.LevelNames,
		}

		sel, found, err := store.Get(c.Request.Context(), middleware.GetSessionID(c))
		if err != nil {
			slog.Warn("Could not read session selection", "error", err)
		}
		if found {
			resp.SessionLevel = sel.DebugLevel
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleSetDebugLevel changes the logging threshold.
//
// # Description
//
// Accepts JSON or form data with a "level" field (case-insensitive, INFO
// when missing). The level is applied to the process-wide threshold and
// stored as the session's preference. A failure to store the preference is
// logged; the threshold change still stands.
//
// # Outputs
//
//   - 200 {"status":"success","level":...,"current_debug_level":...}
//   - 400 {"status":"error","message":"Invalid debug level: ..."}
func HandleSetDebugLevel(store SelectionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.DebugLevelRequest
		_ = c.ShouldBind(&req)

		level, err := req.Normalize()
		if err != nil {
			slog.Error("Invalid debug level requested", "level", level)
			c.JSON(http.StatusBadRequest, datatypes.StatusResponse{Status: "error", Message: err.Error()})
			return
		}

		applied, err := logging.SetLevelByName(level)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.StatusResponse{Status: "error", Message: err.Error()})
			return
		}

		if _, err := store.SetDebugLevel(c.Request.Context(), middleware.GetSessionID(c), applied.String()); err != nil {
			slog.Warn("Could not store debug level preference", "level", applied.String(), "error", err)
		}

		slog.Info("Debug level changed", "level", applied.String())
		slog.Debug("Debug output enabled")

		c.JSON(http.StatusOK, datatypes.DebugLevelResponse{
			Status:            "success",
			Level:             applied.String(),
			CurrentDebugLevel: applied.String(),
			SessionLevel:      applied.String(),
			Levels:            logging.LevelNames,
			Message:           fmt.Sprintf("Debug level set to %s", applied.String()),
		})
	}
}
