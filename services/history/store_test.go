// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxEntries int) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "history.json"), maxEntries)
	require.NoError(t, err)
	return s
}

func TestNew_CreatesEmptyFile(t *testing.T) {
	s := newTestStore(t, 10)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
	assert.Empty(t, s.Load())
}

func TestNew_DefaultCap(t *testing.T) {
	s := newTestStore(t, 0)
	assert.Equal(t, DefaultMaxEntries, s.MaxEntries())
}

func TestAdd_EvictsOldestPastCap(t *testing.T) {
	s := newTestStore(t, 3)

	var last []Entry
	for i := 0; i < 5; i++ {
		var err error
		last, err = s.Add(Entry{Model: "m", Prompt: fmt.Sprintf("p%d", i), Success: true})
		require.NoError(t, err)
	}

	require.Len(t, last, 3)
	loaded := s.Load()
	require.Len(t, loaded, 3)
	assert.Equal(t, []string{"p2", "p3", "p4"}, prompts(loaded))
	assert.Equal(t, loaded, last)
}

func TestLoad_TruncatesOversizedFile(t *testing.T) {
	s := newTestStore(t, 2)

	raw := `[{"prompt":"a"},{"prompt":"b"},{"prompt":"c"},{"prompt":"d"}]`
	require.NoError(t, os.WriteFile(s.Path(), []byte(raw), 0600))

	assert.Equal(t, []string{"c", "d"}, prompts(s.Load()))
}

func TestLoad_CorruptOrMissingIsEmpty(t *testing.T) {
	s := newTestStore(t, 5)

	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0600))
	assert.Empty(t, s.Load())

	require.NoError(t, os.Remove(s.Path()))
	assert.Empty(t, s.Load())

	entries, err := s.Add(Entry{Prompt: "after"})
	require.NoError(t, err)
	assert.Equal(t, []string{"after"}, prompts(entries))
}

func TestClear(t *testing.T) {
	s := newTestStore(t, 5)
	_, err := s.Add(Entry{Prompt: "x"})
	require.NoError(t, err)

	require.NoError(t, s.Clear())
	assert.Empty(t, s.Load())
}

func TestRecent(t *testing.T) {
	s := newTestStore(t, 10)
	for i := 0; i < 4; i++ {
		_, err := s.Add(Entry{Prompt: fmt.Sprintf("p%d", i)})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"p2", "p3"}, prompts(s.Recent(2)))
	assert.Len(t, s.Recent(0), 4)
	assert.Len(t, s.Recent(50), 4)
}

func TestAdd_WriteFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "history.json"), 5)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))

	_, err = s.Add(Entry{Prompt: "lost"})
	assert.Error(t, err)
}

func TestAdd_ConcurrentWritersKeepEveryEntry(t *testing.T) {
	s := newTestStore(t, 100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.Add(Entry{Prompt: fmt.Sprintf("p%d", n)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Load(), 20)
}

func TestNewEntry(t *testing.T) {
	e := NewEntry("llama3", "hi", "Response", 1500*time.Millisecond, true)

	_, err := time.ParseInLocation(TimestampLayout, e.Timestamp, time.Local)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, e.Duration, 0.0001)
	assert.True(t, e.Success)
}

func prompts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Prompt
	}
	return out
}
