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
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrNothingToAbort is returned by Abort when no matching stream is active.
var ErrNothingToAbort = errors.New("No active request to abort")

// Handle is the cancellable side of one registered stream.
type Handle struct {
	id      string
	seq     uint64
	cancel  context.CancelFunc
	once    sync.Once
	aborted atomic.Bool
}

// ID returns the request id the stream was registered under.
func (h *Handle) ID() string {
	return h.id
}

// Aborted reports whether the stream was cancelled through Abort.
func (h *Handle) Aborted() bool {
	return h.aborted.Load()
}

func (h *Handle) close() {
	h.once.Do(h.cancel)
}

// Registry maps request ids to live upstream streams so they can be
// aborted from another request.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Each handle's cancel function
// runs at most once, whether triggered by Abort or Release.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Handle
	seq     uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Handle)}
}

// Register stores cancel under a fresh request id.
func (r *Registry) Register(cancel context.CancelFunc) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	h := &Handle{
		id:     uuid.NewString(),
		seq:    r.seq,
		cancel: cancel,
	}
	r.entries[h.id] = h
	return h
}

// Release removes the handle and closes it if nothing else has.
func (r *Registry) Release(h *Handle) {
	r.mu.Lock()
	if current, ok := r.entries[h.id]; ok && current == h {
		delete(r.entries, h.id)
	}
	r.mu.Unlock()
	h.close()
}

// Abort cancels the stream registered under id. An empty id targets the
// most recently registered stream.
//
// # Outputs
//
//   - string: The id of the aborted stream.
//   - error: ErrNothingToAbort when no stream matches.
func (r *Registry) Abort(id string) (string, error) {
	r.mu.Lock()
	var target *Handle
	if id == "" {
		for _, h := range r.entries {
			if target == nil || h.seq > target.seq {
				target = h
			}
		}
	} else {
		target = r.entries[id]
	}
	if target == nil {
		r.mu.Unlock()
		return "", ErrNothingToAbort
	}
	delete(r.entries, target.id)
	r.mu.Unlock()

	target.aborted.Store(true)
	target.close()
	return target.id, nil
}

// Len returns the number of active streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
