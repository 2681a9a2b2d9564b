// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/AleutianAI/AleutianLens/services/history"
	"github.com/AleutianAI/AleutianLens/services/llm"
)

// AnalyzeResponse is the buffered analyze body and the payload of the
// streamed done and error events.
type AnalyzeResponse struct {
	Success   bool            `json:"success"`
	Model     string          `json:"model"`
	Prompt    string          `json:"prompt"`
	Result    string          `json:"result"`
	Duration  float64         `json:"duration"`
	RequestID string          `json:"request_id,omitempty"`
	Aborted   bool            `json:"aborted,omitempty"`
	History   []history.Entry `json:"history"`
}

// ChunkPayload is the data of a streamed chunk event.
type ChunkPayload struct {
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
}

// StartPayload is the data of the streamed start event.
type StartPayload struct {
	RequestID string `json:"request_id"`
}

// ErrorResponse is the {"error": ...} body used for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ModelsResponse wraps the installed model list.
type ModelsResponse struct {
	Models []llm.ModelDescriptor `json:"models"`
}

// LibraryModelsResponse wraps the curated pullable list.
type LibraryModelsResponse struct {
	Models []llm.LibraryModel `json:"models"`
}

// CurrentModelResponse reports the session's selection.
type CurrentModelResponse struct {
	Model  string `json:"model"`
	Vision bool   `json:"vision"`

	// DebugLevel is the process-wide logging threshold.
	DebugLevel string `json:"debug_level"`

	// SessionDebugLevel is the level this session last chose, if any.
	SessionDebugLevel string `json:"session_debug_level,omitempty"`
}

// PromptsResponse is the prompt catalog entry for a model's category.
type PromptsResponse struct {
	Model       string   `json:"model,omitempty"`
	Vision      bool     `json:"vision"`
	Default     string   `json:"default_prompt"`
	Suggestions []string `json:"suggestions"`
}
