// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists past analyze interactions as a capped JSON array.
//
// The backing file holds an ordered array of Entry objects, oldest first.
// The store never holds more than its configured cap: adding past the cap
// drops the oldest entries, and a file that somehow contains more is
// truncated on read.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TimestampLayout is the format of Entry.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// DefaultMaxEntries is used when New is given a non-positive cap.
const DefaultMaxEntries = 100

// Entry is one recorded prompt/response interaction.
type Entry struct {
	Timestamp string  `json:"timestamp"`
	Model     string  `json:"model"`
	Prompt    string  `json:"prompt"`
	Result    string  `json:"result"`
	Duration  float64 `json:"duration"`
	Success   bool    `json:"success"`
}

// NewEntry stamps an entry with the current local time.
func NewEntry(model, prompt, result string, duration time.Duration, success bool) Entry {
	return Entry{
		Timestamp: time.Now().Format(TimestampLayout),
		Model:     model,
		Prompt:    prompt,
		Result:    result,
		Duration:  duration.Seconds(),
		Success:   success,
	}
}

// Store is a JSON-file backed, size-capped interaction log.
//
// # Thread Safety
//
// All operations are serialized by an internal mutex, so concurrent Add
// calls never lose updates. Saves write a temp file and rename it over the
// target.
type Store struct {
	path       string
	maxEntries int
	mu         sync.Mutex
}

// New returns a Store backed by path, creating the parent directory and an
// empty array file when the file does not exist yet.
func New(path string, maxEntries int) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path is required")
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	s := &Store{path: path, maxEntries: maxEntries}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.save([]Entry{}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// MaxEntries returns the configured cap.
func (s *Store) MaxEntries() int {
	return s.maxEntries
}

// Load returns every stored entry, most recent last.
//
// A missing or corrupt file yields an empty slice.
func (s *Store) Load() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Recent returns the last limit entries, or all of them when limit <= 0.
func (s *Store) Recent(limit int) []Entry {
	entries := s.Load()
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// Add appends entry, evicts the oldest entries past the cap, saves the full
// list, and returns the resulting sequence.
func (s *Store) Add(entry Entry) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.load(), entry)
	entries = s.truncate(entries)

	if err := s.save(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Clear replaces the stored history with an empty sequence.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save([]Entry{})
}

func (s *Store) load() []Entry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read history file, treating as empty", "path", s.path, "error", err)
		}
		return []Entry{}
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("Corrupt history file, treating as empty", "path", s.path, "error", err)
		return []Entry{}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return s.truncate(entries)
}

func (s *Store) truncate(entries []Entry) []Entry {
	if len(entries) > s.maxEntries {
		trimmed := make([]Entry, s.maxEntries)
		copy(trimmed, entries[len(entries)-s.maxEntries:])
		return trimmed
	}
	return entries
}

func (s *Store) save(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp history file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}
