// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianLens/services/lens/handlers"
	"github.com/AleutianAI/AleutianLens/services/lens/middleware"
	"github.com/AleutianAI/AleutianLens/services/lens/observability"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Dependencies are the components the HTTP surface is built from.
type Dependencies struct {
	Catalog    handlers.ModelCatalog
	Selections handlers.SelectionStore
	History    handlers.HistoryReader
	Prompts    handlers.PromptProvider
	Analyzer   handlers.Analyzer
	Puller     handlers.Puller

	// PullLimiter caps pull initiations. Nil disables the limit.
	PullLimiter *rate.Limiter

	// Metrics backs /metrics. Nil disables the endpoint.
	Metrics *observability.Metrics

	// SessionTTL is the lifetime of the session cookie.
	SessionTTL time.Duration

	// SecureCookies marks the session cookie Secure.
	SecureCookies bool

	// StaticDir is served under /ui when non-empty.
	StaticDir string
}

// SetupRoutes registers every endpoint on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.StaticDir != "" {
		router.StaticFS("/ui", http.Dir(deps.StaticDir))
		router.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusMovedPermanently, "/ui/")
		})
	}

	api := router.Group("/api")
	api.Use(middleware.SessionMiddleware(deps.SessionTTL, deps.SecureCookies))
	{
		api.GET("/models", handlers.HandleListModels(deps.Catalog))
		api.GET("/models/:name", handlers.HandleShowModel(deps.Catalog))
		api.GET("/library-models", handlers.HandleLibraryModels())
		api.GET("/ollama-status", handlers.HandleOllamaStatus(deps.Catalog))

		api.GET("/current-model", handlers.HandleCurrentModel(deps.Selections))
		api.POST("/select-model", handlers.HandleSelectModel(deps.Selections, deps.Prompts))
		api.GET("/prompts", handlers.HandlePrompts(deps.Selections, deps.Prompts))
		api.GET("/file-types", handlers.HandleFileTypes(deps.Selections))

		api.POST("/analyze", handlers.HandleAnalyze(deps.Analyzer, deps.Metrics))
		api.POST("/abort", handlers.HandleAbort(deps.Analyzer, deps.Metrics))

		api.GET("/history", handlers.HandleGetHistory(deps.History))
		api.DELETE("/history", handlers.HandleClearHistory(deps.History))
		api.POST("/history/clear", handlers.HandleClearHistory(deps.History))

		api.GET("/debug-level", handlers.HandleGetDebugLevel(deps.Selections))
		api.POST("/debug-level", handlers.HandleSetDebugLevel(deps.Selections))

		pull := handlers.HandlePullModel(deps.Puller, deps.PullLimiter, deps.Metrics)
		api.GET("/pull-model", pull)
		api.POST("/pull-model", pull)
	}
}
