// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm talks to a local Ollama server.
//
// It covers the lightweight metadata calls (/api/tags, /api/show,
// /api/version), which run under a short timeout, and the streaming calls
// (/api/generate, /api/chat, /api/pull), which run without one and end
// only on completion, upstream error, or context cancellation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("aleutian.lens.llm")

// DefaultBaseURL is the address of a default local Ollama install.
const DefaultBaseURL = "http://localhost:11434"

// DefaultStatusTimeout bounds the metadata calls.
const DefaultStatusTimeout = 5 * time.Second

// OllamaClient is a client for the Ollama HTTP API.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent ListModels calls share one upstream
// request.
type OllamaClient struct {
	baseURL       string
	httpClient    *http.Client
	statusTimeout time.Duration
	group         singleflight.Group
}

// NewOllamaClient creates a client for the server at baseURL.
//
// # Inputs
//
//   - baseURL: Ollama server URL. Empty uses DefaultBaseURL.
//   - statusTimeout: Limit for metadata calls. Zero uses DefaultStatusTimeout.
//
// # Examples
//
//	client := NewOllamaClient("http://localhost:11434", 5*time.Second)
//	models := client.AvailableModels(ctx)
func NewOllamaClient(baseURL string, statusTimeout time.Duration) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if statusTimeout <= 0 {
		statusTimeout = DefaultStatusTimeout
	}
	// Streams have no client-side deadline; metadata calls use contexts.
	return &OllamaClient{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		httpClient:    &http.Client{},
		statusTimeout: statusTimeout,
	}
}

// BaseURL returns the Ollama server URL.
func (c *OllamaClient) BaseURL() string {
	return c.baseURL
}

// -----------------------------------------------------------------------------
// Model Listing
// -----------------------------------------------------------------------------

type ollamaTagsResponse struct {
	Models []ollamaModelInfo `json:"models"`
}

// ollamaModelInfo is a model entry from /api/tags. Older Ollama versions
// may leave Details partially populated.
type ollamaModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
	Details    struct {
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

// ListModels returns the models installed in Ollama, sorted by name.
//
// # Description
//
// Queries /api/tags under the status timeout. Concurrent callers are
// coalesced into one upstream request. A caller whose own context ends
// first returns early without cancelling the shared request.
//
// # Outputs
//
//   - []ModelDescriptor: Installed models with vision classification.
//   - error: *ModelError on connection, status, or decode failures.
func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	ch := c.group.DoChan("tags", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.statusTimeout)
		defer cancel()
		return c.fetchModels(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, &ModelError{
			Type:    ModelErrorContextCancelled,
			Message: "Request cancelled",
			Detail:  ctx.Err().Error(),
		}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.([]ModelDescriptor)
		models := make([]ModelDescriptor, len(shared))
		copy(models, shared)
		return models, nil
	}
}

// AvailableModels is ListModels for display: any failure yields an empty
// list, since "no models" is a normal state for the UI.
func (c *OllamaClient) AvailableModels(ctx context.Context) []ModelDescriptor {
	models, err := c.ListModels(ctx)
	if err != nil {
		slog.Warn("Could not list Ollama models", "base_url", c.baseURL, "error", err)
		return []ModelDescriptor{}
	}
	return models
}

func (c *OllamaClient) fetchModels(ctx context.Context) ([]ModelDescriptor, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.ListModels")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, c.connectionError(span, "", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, span, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(span, "", resp)
	}

	var tagsResp ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &ModelError{
			Type:        ModelErrorInvalidResponse,
			Message:     "Failed to parse Ollama response",
			Detail:      err.Error(),
			Remediation: "This may indicate an Ollama version mismatch",
		}
	}

	models := make([]ModelDescriptor, 0, len(tagsResp.Models))
	for _, m := range tagsResp.Models {
		models = append(models, ModelDescriptor{
			Name:              m.Name,
			Size:              m.Size,
			Digest:            m.Digest,
			ModifiedAt:        m.ModifiedAt,
			Family:            m.Details.Family,
			ParameterSize:     m.Details.ParameterSize,
			QuantizationLevel: m.Details.QuantizationLevel,
			Vision:            IsVisionModel(m.Name),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	span.SetAttributes(attribute.Int("llm.model_count", len(models)))
	slog.Debug("Fetched model list from Ollama", "count", len(models))
	return models, nil
}

// -----------------------------------------------------------------------------
// Model Details
// -----------------------------------------------------------------------------

type ollamaShowRequest struct {
	Model string `json:"model"`
	Name  string `json:"name"`
}

type ollamaShowResponse struct {
	License    string `json:"license"`
	Modelfile  string `json:"modelfile"`
	Parameters string `json:"parameters"`
	Template   string `json:"template"`
	Details    struct {
		Family            string   `json:"family"`
		Families          []string `json:"families"`
		ParameterSize     string   `json:"parameter_size"`
		QuantizationLevel string   `json:"quantization_level"`
	} `json:"details"`
}

// ShowModel returns /api/show details for name.
//
// A 404 from Ollama yields a ModelErrorNotFound.
func (c *OllamaClient) ShowModel(ctx context.Context, name string) (*ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "OllamaClient.ShowModel")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", name))

	body, err := json.Marshal(ollamaShowRequest{Model: name, Name: name})
	if err != nil {
		return nil, fmt.Errorf("marshal show request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return nil, c.connectionError(span, name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, span, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &ModelError{
			Type:        ModelErrorNotFound,
			Model:       name,
			Message:     fmt.Sprintf("Model '%s' not found", name),
			Remediation: fmt.Sprintf("Pull the model: ollama pull %s", name),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(span, name, resp)
	}

	var show ollamaShowResponse
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &ModelError{
			Type:        ModelErrorInvalidResponse,
			Model:       name,
			Message:     "Failed to parse model info",
			Detail:      err.Error(),
			Remediation: "This may indicate an Ollama version mismatch",
		}
	}

	return &ModelInfo{
		Name:              name,
		Template:          show.Template,
		Parameters:        show.Parameters,
		License:           show.License,
		Family:            show.Details.Family,
		Families:          show.Details.Families,
		ParameterSize:     show.Details.ParameterSize,
		QuantizationLevel: show.Details.QuantizationLevel,
		Vision:            IsVisionModel(name),
	}, nil
}

// -----------------------------------------------------------------------------
// Server Status
// -----------------------------------------------------------------------------

// Status probes /api/version. It never returns an error; an unreachable
// server is reported as Online=false with the cause in Error.
func (c *OllamaClient) Status(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "OllamaClient.Status")
	defer span.End()

	status := Status{BaseURL: c.baseURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		status.Error = err.Error()
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Error = fmt.Sprintf("Ollama returned status %d", resp.StatusCode)
		return status
	}

	var version struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		slog.Debug("Could not decode Ollama version", "error", err)
	}
	status.Online = true
	status.Version = version.Version
	return status
}

// -----------------------------------------------------------------------------
// Error helpers
// -----------------------------------------------------------------------------

func (c *OllamaClient) connectionError(span trace.Span, model string, err error) *ModelError {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return &ModelError{
		Type:        ModelErrorConnectionFailed,
		Model:       model,
		Message:     "Failed to create request",
		Detail:      err.Error(),
		Remediation: "Check that Ollama is running: ollama serve",
	}
}

func (c *OllamaClient) transportError(ctx context.Context, span trace.Span, model string, err error) *ModelError {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return &ModelError{
			Type:    ModelErrorContextCancelled,
			Model:   model,
			Message: "Request cancelled",
			Detail:  ctxErr.Error(),
		}
	}
	return &ModelError{
		Type:        ModelErrorConnectionFailed,
		Model:       model,
		Message:     "Cannot connect to Ollama",
		Detail:      err.Error(),
		Remediation: fmt.Sprintf("Ensure Ollama is running at %s", c.baseURL),
	}
}

func (c *OllamaClient) statusError(span trace.Span, model string, resp *http.Response) *ModelError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	detail := upstreamMessage(body)
	err := &ModelError{
		Type:        ModelErrorInvalidResponse,
		Model:       model,
		Message:     fmt.Sprintf("Ollama returned status %d", resp.StatusCode),
		Detail:      detail,
		Remediation: "Check Ollama logs for errors",
	}
	if resp.StatusCode == http.StatusNotFound && strings.Contains(detail, "not found") {
		err.Type = ModelErrorNotFound
		err.Remediation = fmt.Sprintf("Pull the model: ollama pull %s", model)
	}
	span.SetStatus(codes.Error, err.Error())
	slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "model", model, "response", detail)
	return err
}

// upstreamMessage extracts the "error" field of a JSON error body, falling
// back to the trimmed raw body.
func upstreamMessage(body []byte) string {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return strings.TrimSpace(string(body))
}
