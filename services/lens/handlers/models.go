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
	"strings"

	"github.com/AleutianAI/AleutianLens/pkg/logging"
	"github.com/AleutianAI/AleutianLens/services/lens/datatypes"
	"github.com/AleutianAI/AleutianLens/services/lens/middleware"
	"github.com/AleutianAI/AleutianLens/services/llm"
	"github.com/gin-gonic/gin"
)

// HealthCheck reports that the gateway is serving.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleListModels returns the installed models. The list is empty when
// Ollama is unreachable.
func HandleListModels(models ModelCatalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := models.AvailableModels(c.Request.Context())
		c.JSON(http.StatusOK, datatypes.ModelsResponse{Models: list})
	}
}

// HandleShowModel returns /api/show details for one model.
func HandleShowModel(models ModelCatalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.TrimSpace(c.Param("name"))
		info, err := models.ShowModel(c.Request.Context(), name)
		if err != nil {
			status := http.StatusBadGateway
			if llm.IsModelError(err, llm.ModelErrorNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

// HandleLibraryModels returns the curated list of pullable models.
func HandleLibraryModels() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.LibraryModelsResponse{Models: llm.LibraryModels()})
	}
}

// HandleOllamaStatus reports whether Ollama is reachable.
func HandleOllamaStatus(models ModelCatalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.Status(c.Request.Context()))
	}
}

// HandleCurrentModel returns the session's selected model, the process
// logging threshold and the session's saved level preference.
func HandleCurrentModel(store SelectionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := datatypes.CurrentModelResponse{DebugLevel: logging.CurrentLevel().String()}

		sel, found, err := store.Get(c.Request.Context(), middleware.GetSessionID(c))
		if err != nil {
			slog.Warn("Could not read session selection", "error", err)
		}
		if found {
			resp.Model = sel.Model
			resp.Vision = sel.Model != "" && llm.IsVisionModel(sel.Model)
			resp.SessionDebugLevel = sel.DebugLevel
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleSelectModel stores the session's model and returns the matching
// prompts and file types.
//
// # Description
//
// Accepts JSON or form data with a "model" field. The model is not checked
// against the installed list.
func HandleSelectModel(store SelectionStore, catalog PromptProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SelectModelRequest
		_ = c.ShouldBind(&req)
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error(), "message": err.Error()})
			return
		}

		if _, err := store.SetModel(c.Request.Context(), middleware.GetSessionID(c), req.Model); err != nil {
			slog.Error("Failed to store selected model", "model", req.Model, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "Error setting model"})
			return
		}
		slog.Info("Selected model", "model", req.Model)

		vision := llm.IsVisionModel(req.Model)
		p := catalog.Catalog().ForCategory(vision)
		c.JSON(http.StatusOK, datatypes.SelectModelResponse{
			Status:      "success",
			Model:       req.Model,
			Message:     fmt.Sprintf("Selected model: %s", req.Model),
			Vision:      vision,
			Default:     p.Default,
			Suggestions: p.Suggestions,
			FileTypes:   llm.SupportedFileTypes(req.Model),
		})
	}
}

// HandlePrompts returns the prompt catalog entry for ?model=, falling back
// to the session's selection.
func HandlePrompts(store SelectionStore, catalog PromptProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		model := modelFromQueryOrSession(c, store)
		vision := model != "" && llm.IsVisionModel(model)
		p := catalog.Catalog().ForCategory(vision)
		c.JSON(http.StatusOK, datatypes.PromptsResponse{
			Model:       model,
			Vision:      vision,
			Default:     p.Default,
			Suggestions: p.Suggestions,
		})
	}
}

// HandleFileTypes returns the accepted upload types for ?model=, falling
// back to the session's selection.
func HandleFileTypes(store SelectionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		model := modelFromQueryOrSession(c, store)
		c.JSON(http.StatusOK, llm.SupportedFileTypes(model))
	}
}

func modelFromQueryOrSession(c *gin.Context, store SelectionStore) string {
	if model := strings.TrimSpace(c.Query("model")); model != "" {
		return model
	}
	sel, found, err := store.Get(c.Request.Context(), middleware.GetSessionID(c))
	if err != nil {
		slog.Warn("Could not read session selection", "error", err)
		return ""
	}
	if !found {
		return ""
	}
	return sel.Model
}
