// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingCancel(n *atomic.Int32) func() {
	return func() { n.Add(1) }
}

func TestRegistry_AbortWithNothingActive(t *testing.T) {
	r := NewRegistry()

	_, err := r.Abort("")
	assert.ErrorIs(t, err, ErrNothingToAbort)

	_, err = r.Abort("unknown-id")
	assert.ErrorIs(t, err, ErrNothingToAbort)
}

func TestRegistry_AbortByID(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32
	h := r.Register(countingCancel(&calls))

	id, err := r.Abort(h.ID())
	require.NoError(t, err)
	assert.Equal(t, h.ID(), id)
	assert.True(t, h.Aborted())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, r.Len())

	// Release after abort must not cancel twice.
	r.Release(h)
	assert.Equal(t, int32(1), calls.Load())

	_, err = r.Abort(h.ID())
	assert.ErrorIs(t, err, ErrNothingToAbort)
}

func TestRegistry_EmptyIDTargetsMostRecent(t *testing.T) {
	r := NewRegistry()
	var first, second, third atomic.Int32
	h1 := r.Register(countingCancel(&first))
	h2 := r.Register(countingCancel(&second))
	h3 := r.Register(countingCancel(&third))

	id, err := r.Abort("")
	require.NoError(t, err)
	assert.Equal(t, h3.ID(), id)

	id, err = r.Abort("")
	require.NoError(t, err)
	assert.Equal(t, h2.ID(), id)

	assert.Equal(t, int32(0), first.Load())
	assert.False(t, h1.Aborted())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ReleaseCancelsOnceWithoutAbort(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32
	h := r.Register(countingCancel(&calls))
	assert.Equal(t, 1, r.Len())

	r.Release(h)
	r.Release(h)

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, h.Aborted())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_UniqueIDs(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		h := r.Register(func() {})
		assert.False(t, seen[h.ID()], "duplicate id %s", h.ID())
		seen[h.ID()] = true
	}
	assert.Equal(t, 100, r.Len())
}

func TestRegistry_ConcurrentAbortAndRelease(t *testing.T) {
	r := NewRegistry()
	const n = 50

	counters := make([]atomic.Int32, n)
	handles := make([]*Handle, n)
	for i := range handles {
		handles[i] = r.Register(countingCancel(&counters[i]))
	}

	var wg sync.WaitGroup
	for i := range handles {
		wg.Add(2)
		go func(h *Handle) {
			defer wg.Done()
			_, _ = r.Abort(h.ID())
		}(handles[i])
		go func(h *Handle) {
			defer wg.Done()
			r.Release(h)
		}(handles[i])
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	for i := range counters {
		assert.Equal(t, int32(1), counters[i].Load(), "handle %d cancelled more than once", i)
	}
}
