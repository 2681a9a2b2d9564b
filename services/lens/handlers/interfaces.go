// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the lens HTTP API as gin handler factories.
//
// Each factory takes the narrow collaborator interfaces below so tests can
// drive handlers with httptest mock Ollama servers or in-memory fakes.
package handlers

import (
	"context"

	"github.com/AleutianAI/AleutianLens/services/history"
	"github.com/AleutianAI/AleutianLens/services/llm"
	"github.com/AleutianAI/AleutianLens/services/prompts"
	"github.com/AleutianAI/AleutianLens/services/relay"
	"github.com/AleutianAI/AleutianLens/services/sessions"
)

// ModelCatalog answers model availability questions.
type ModelCatalog interface {
	AvailableModels(ctx context.Context) []llm.ModelDescriptor
	ShowModel(ctx context.Context, name string) (*llm.ModelInfo, error)
	Status(ctx context.Context) llm.Status
}

// SelectionStore holds each session's model and debug-level choices.
type SelectionStore interface {
	Get(ctx context.Context, id string) (sessions.Selection, bool, error)
	SetModel(ctx context.Context, id, model string) (sessions.Selection, error)
	SetDebugLevel(ctx context.Context, id, level string) (sessions.Selection, error)
}

// HistoryReader lists and clears past interactions.
type HistoryReader interface {
	Recent(limit int) []history.Entry
	Clear() error
}

// PromptProvider returns the current prompt catalog.
type PromptProvider interface {
	Catalog() *prompts.Catalog
}

// Analyzer runs analyze requests.
type Analyzer interface {
	Analyze(ctx context.Context, req relay.AnalyzeRequest) (*relay.Result, error)
	Stream(ctx context.Context, req relay.AnalyzeRequest, emit relay.EmitFunc) (*relay.Result, error)
	Abort(id string) (string, error)
}

// Puller relays model pulls.
type Puller interface {
	Pull(ctx context.Context, name string, emit func(relay.PullProgress) error) error
}

var (
	_ ModelCatalog   = (*llm.OllamaClient)(nil)
	_ SelectionStore = (*sessions.Store)(nil)
	_ HistoryReader  = (*history.Store)(nil)
	_ PromptProvider = (*prompts.Source)(nil)
	_ Analyzer       = (*relay.Relay)(nil)
	_ Puller         = (*relay.Puller)(nil)
)
