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
	"strings"
	"time"
)

// ModelDescriptor describes one installed model, as reported by /api/tags.
type ModelDescriptor struct {
	Name              string    `json:"name"`
	Size              int64     `json:"size"`
	Digest            string    `json:"digest,omitempty"`
	ModifiedAt        time.Time `json:"modified_at"`
	Family            string    `json:"family,omitempty"`
	ParameterSize     string    `json:"parameter_size,omitempty"`
	QuantizationLevel string    `json:"quantization_level,omitempty"`
	Vision            bool      `json:"vision"`
}

// ModelInfo is the /api/show view of a single model.
type ModelInfo struct {
	Name              string   `json:"name"`
	Template          string   `json:"template,omitempty"`
	Parameters        string   `json:"parameters,omitempty"`
	License           string   `json:"license,omitempty"`
	Family            string   `json:"family,omitempty"`
	Families          []string `json:"families,omitempty"`
	ParameterSize     string   `json:"parameter_size,omitempty"`
	QuantizationLevel string   `json:"quantization_level,omitempty"`
	Vision            bool     `json:"vision"`
}

// Status reports whether the upstream server answered its version probe.
type Status struct {
	Online  bool   `json:"online"`
	Version string `json:"version,omitempty"`
	BaseURL string `json:"base_url"`
	Error   string `json:"error,omitempty"`
}

// LibraryModel is a pullable model from the curated list.
type LibraryModel struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Vision      bool   `json:"vision"`
}

// FileTypes lists the uploads accepted for a model category.
type FileTypes struct {
	Extensions  []string `json:"extensions"`
	Description string   `json:"description"`
	Accept      string   `json:"accept"`
	Required    bool     `json:"required"`
}

// Allows reports whether ext (with or without a leading dot, any case) is
// in the list.
func (f FileTypes) Allows(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return false
	}
	for _, candidate := range f.Extensions {
		if candidate == ext {
			return true
		}
	}
	return false
}

// visionMarkers are substrings that identify vision-capable model names.
var visionMarkers = []string{"llava", "bakllava", "vision", "image"}

// IsVisionModel reports whether the model name contains a known vision
// marker, ignoring case.
func IsVisionModel(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range visionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// SupportedFileTypes returns the upload rules for the model's category.
// Vision models require an image. Other models accept an optional document.
func SupportedFileTypes(name string) FileTypes {
	if IsVisionModel(name) {
		return FileTypes{
			Extensions:  []string{"jpg", "jpeg", "png", "gif", "bmp", "webp"},
			Description: "Images (JPG, PNG, GIF, etc.)",
			Accept:      "image/*",
			Required:    true,
		}
	}
	return FileTypes{
		Extensions:  []string{"txt", "md", "pdf", "doc", "docx", "csv", "json"},
		Description: "Documents (TXT, PDF, DOC, etc.)",
		Accept:      ".txt,.md,.pdf,.doc,.docx,.csv,.json",
		Required:    false,
	}
}

// LibraryModels returns the curated list of models offered for pulling.
func LibraryModels() []LibraryModel {
	models := []LibraryModel{
		{Name: "llama2", Description: "Meta's Llama 2 model"},
		{Name: "mistral", Description: "Mistral 7B model"},
		{Name: "codellama", Description: "Code specialized Llama model"},
		{Name: "llama2-uncensored", Description: "Uncensored version of Llama 2"},
		{Name: "neural-chat", Description: "Intel's neural chat model"},
		{Name: "starling-lm", Description: "Starling LM model"},
		{Name: "dolphin-phi", Description: "Dolphin Phi model"},
		{Name: "llava", Description: "Multimodal model supporting vision"},
		{Name: "bakllava", Description: "Mistral-based multimodal model"},
		{Name: "orca-mini", Description: "Lightweight Orca model"},
		{Name: "vicuna", Description: "Vicuna model based on LLaMA"},
		{Name: "falcon", Description: "TII's Falcon model"},
		{Name: "stable-beluga", Description: "Stable Beluga model"},
	}
	for i := range models {
		models[i].Vision = IsVisionModel(models[i].Name)
	}
	return models
}
