// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts holds the suggested prompts offered per model category.
//
// The catalog file uses the layout
//
//	{
//	  "vision_models": {"default": "...", "suggestions": ["..."]},
//	  "text_models":   {"default": "...", "suggestions": ["..."]}
//	}
//
// and is read-only at runtime. A missing or malformed file falls back to
// the built-in defaults.
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// MaxPromptLength is the longest prompt, in characters, accepted by
// ValidatePrompt.
const MaxPromptLength = 2000

var (
	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("Prompt cannot be empty")

	// ErrPromptTooLong is returned for prompts over MaxPromptLength.
	ErrPromptTooLong = fmt.Errorf("Prompt is too long (max %d characters)", MaxPromptLength)
)

// Prompts is the default prompt and ordered suggestions for one category.
type Prompts struct {
	Default     string   `json:"default"`
	Suggestions []string `json:"suggestions"`
}

// Catalog holds the vision and text categories.
type Catalog struct {
	Vision Prompts `json:"vision_models"`
	Text   Prompts `json:"text_models"`
}

// Defaults returns the built-in catalog.
func Defaults() *Catalog {
	return &Catalog{
		Vision: Prompts{
			Default: "What do you see in this image?",
			Suggestions: []string{
				"What do you see in this image?",
				"Describe this image in detail",
				"What objects are present in this image?",
				"Analyze the composition of this image",
				"What is the main subject of this image?",
			},
		},
		Text: Prompts{
			Default:     "Please analyze this text:",
			Suggestions: []string{"Please analyze this text:"},
		},
	}
}

// ForCategory returns a copy of the vision or text prompts.
func (c *Catalog) ForCategory(vision bool) Prompts {
	p := c.Text
	if vision {
		p = c.Vision
	}
	suggestions := make([]string, len(p.Suggestions))
	copy(suggestions, p.Suggestions)
	return Prompts{Default: p.Default, Suggestions: suggestions}
}

// Parse decodes a catalog file. A category absent from data, or one with
// an empty default or no suggestions, inherits the built-in value.
func Parse(data []byte) (*Catalog, error) {
	var raw struct {
		Vision *Prompts `json:"vision_models"`
		Text   *Prompts `json:"text_models"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode prompt catalog: %w", err)
	}

	c := Defaults()
	merge(&c.Vision, raw.Vision)
	merge(&c.Text, raw.Text)
	return c, nil
}

func merge(dst *Prompts, src *Prompts) {
	if src == nil {
		return
	}
	if strings.TrimSpace(src.Default) != "" {
		dst.Default = src.Default
	}
	if len(src.Suggestions) > 0 {
		dst.Suggestions = src.Suggestions
	}
}

// Load reads the catalog at path, falling back to Defaults on any error.
func Load(path string) *Catalog {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Info("Prompt catalog not readable, using built-in prompts", "path", path, "error", err)
		return Defaults()
	}
	c, err := Parse(data)
	if err != nil {
		slog.Warn("Malformed prompt catalog, using built-in prompts", "path", path, "error", err)
		return Defaults()
	}
	return c
}

// ValidatePrompt rejects blank prompts and prompts longer than
// MaxPromptLength characters.
func ValidatePrompt(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	if utf8.RuneCountInString(text) > MaxPromptLength {
		return ErrPromptTooLong
	}
	return nil
}

// Source serves the current catalog and can swap in a re-read copy.
//
// # Thread Safety
//
// Catalog and Reload are safe for concurrent use.
type Source struct {
	path    string
	current atomic.Pointer[Catalog]
}

// NewSource loads the catalog at path.
func NewSource(path string) *Source {
	s := &Source{path: path}
	s.current.Store(Load(path))
	return s
}

// Path returns the catalog file path.
func (s *Source) Path() string {
	return s.path
}

// Catalog returns the active catalog.
func (s *Source) Catalog() *Catalog {
	return s.current.Load()
}

// Reload re-reads the file. A file that no longer parses leaves the active
// catalog in place.
func (s *Source) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read prompt catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return err
	}
	s.current.Store(c)
	return nil
}
