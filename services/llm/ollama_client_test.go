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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockOllamaServer creates a test server backed by handler.
//
// # Description
//
// The handler sees every request, so tests can assert on paths and bodies
// as well as script NDJSON responses.
func newMockOllamaServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// =============================================================================
// Classification
// =============================================================================

func TestIsVisionModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want bool
	}{
		{"llava", true},
		{"LLaVA:13b", true},
		{"bakllava:latest", true},
		{"llama3.2-vision", true},
		{"some-image-model", true},
		{"mistral", false},
		{"llama3:8b", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsVisionModel(tt.name), tt.name)
	}
}

func TestSupportedFileTypes(t *testing.T) {
	t.Parallel()

	vision := SupportedFileTypes("llava")
	assert.True(t, vision.Required)
	assert.Equal(t, "image/*", vision.Accept)
	assert.Equal(t, "Images (JPG, PNG, GIF, etc.)", vision.Description)
	assert.True(t, vision.Allows(".PNG"))
	assert.True(t, vision.Allows("webp"))
	assert.False(t, vision.Allows("txt"))

	text := SupportedFileTypes("mistral")
	assert.False(t, text.Required)
	assert.Equal(t, "Documents (TXT, PDF, DOC, etc.)", text.Description)
	assert.True(t, text.Allows(".md"))
	assert.False(t, text.Allows(".png"))
	assert.False(t, text.Allows(""))
}

func TestLibraryModels(t *testing.T) {
	t.Parallel()

	models := LibraryModels()
	require.NotEmpty(t, models)

	var sawVision bool
	for _, m := range models {
		assert.NotEmpty(t, m.Name)
		assert.NotEmpty(t, m.Description)
		if m.Name == "llava" {
			sawVision = m.Vision
		}
	}
	assert.True(t, sawVision)
}

// =============================================================================
// ListModels
// =============================================================================

const tagsBody = `{"models":[
 {"name":"mistral:latest","size":4100000000,"digest":"abc","modified_at":"2024-05-01T10:00:00Z",
  "details":{"family":"llama","parameter_size":"7B","quantization_level":"Q4_0"}},
 {"name":"llava:7b","size":4700000000,"digest":"def","modified_at":"2024-05-02T10:00:00Z","details":{}}
]}`

func TestListModels_Success(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, tagsBody)
	})
	defer server.Close()

	client := NewOllamaClient(server.URL, time.Second)
	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)

	assert.Equal(t, "llava:7b", models[0].Name)
	assert.True(t, models[0].Vision)
	assert.Equal(t, "mistral:latest", models[1].Name)
	assert.False(t, models[1].Vision)
	assert.Equal(t, "7B", models[1].ParameterSize)
	assert.Equal(t, int64(4100000000), models[1].Size)
}

func TestListModels_NonOK(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"boom"}`)
	})
	defer server.Close()

	client := NewOllamaClient(server.URL, time.Second)
	_, err := client.ListModels(context.Background())
	require.Error(t, err)
	assert.True(t, IsModelError(err, ModelErrorInvalidResponse))
	assert.Contains(t, err.Error(), "boom")
}

func TestListModels_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer server.Close()
	defer close(release)

	client := NewOllamaClient(server.URL, 50*time.Millisecond)
	start := time.Now()
	_, err := client.ListModels(context.Background())
	require.Error(t, err)
	assert.True(t, IsModelError(err, ModelErrorConnectionFailed))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestListModels_CoalescesConcurrentCallers(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	gate := make(chan struct{})
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		fmt.Fprint(w, tagsBody)
	})
	defer server.Close()

	client := NewOllamaClient(server.URL, 5*time.Second)

	var started, wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		started.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			models, err := client.ListModels(context.Background())
			assert.NoError(t, err)
			assert.Len(t, models, 2)
		}()
	}

	started.Wait()
	assert.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestAvailableModels_UnreachableIsEmpty(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {})
	url := server.URL
	server.Close()

	client := NewOllamaClient(url, time.Second)
	models := client.AvailableModels(context.Background())
	assert.NotNil(t, models)
	assert.Empty(t, models)
}

// =============================================================================
// ShowModel / Status
// =============================================================================

func TestShowModel(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/show", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["model"] != "llava" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"error":"model '%s' not found"}`, req["model"])
			return
		}
		fmt.Fprint(w, `{"license":"MIT","template":"{{ .Prompt }}","parameters":"stop <s>",
			"details":{"family":"llama","families":["llama","clip"],"parameter_size":"7B","quantization_level":"Q4_0"}}`)
	})
	defer server.Close()

	client := NewOllamaClient(server.URL, time.Second)

	info, err := client.ShowModel(context.Background(), "llava")
	require.NoError(t, err)
	assert.Equal(t, "llava", info.Name)
	assert.Equal(t, []string{"llama", "clip"}, info.Families)
	assert.True(t, info.Vision)

	_, err = client.ShowModel(context.Background(), "ghost")
	assert.True(t, IsModelError(err, ModelErrorNotFound))
}

func TestStatus(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		fmt.Fprint(w, `{"version":"0.5.7"}`)
	})
	defer server.Close()

	status := NewOllamaClient(server.URL, time.Second).Status(context.Background())
	assert.True(t, status.Online)
	assert.Equal(t, "0.5.7", status.Version)
	assert.Equal(t, server.URL, status.BaseURL)

	server.Close()
	status = NewOllamaClient(server.URL, time.Second).Status(context.Background())
	assert.False(t, status.Online)
	assert.NotEmpty(t, status.Error)
}

func TestModelError_Format(t *testing.T) {
	t.Parallel()

	err := &ModelError{
		Type:        ModelErrorNotFound,
		Model:       "ghost",
		Message:     "Model 'ghost' not found",
		Detail:      "no such manifest",
		Remediation: "Pull the model: ollama pull ghost",
	}
	assert.Equal(t, "Model 'ghost' not found: no such manifest", err.Error())
	assert.Contains(t, err.FullError(), "(model: ghost)")
	assert.Contains(t, err.FullError(), "To fix:")
	assert.Equal(t, "MODEL_NOT_FOUND", err.Type.String())
	assert.Equal(t, "STREAM_FAILED", ModelErrorStreamFailed.String())
}
