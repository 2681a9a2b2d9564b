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
	"strconv"

	"github.com/AleutianAI/AleutianLens/services/lens/datatypes"
	"github.com/gin-gonic/gin"
)

// HandleGetHistory returns stored interactions, oldest first. ?limit=N keeps
// only the last N; 0 or absent returns everything.
func HandleGetHistory(store HistoryReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "limit must be a non-negative integer"})
				return
			}
			limit = n
		}
		c.JSON(http.StatusOK, store.Recent(limit))
	}
}

// HandleClearHistory empties the interaction log.
func HandleClearHistory(store HistoryReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Clear(); err != nil {
			slog.Error("Failed to clear history", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.StatusResponse{Status: "error", Message: "Failed to clear history"})
			return
		}
		slog.Info("History cleared")
		c.JSON(http.StatusOK, datatypes.StatusResponse{Status: "success"})
	}
}
