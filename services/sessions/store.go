// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions persists per-browser-session selections in BadgerDB.
//
// Each session owns one key, "selection/<session-id>", holding a JSON
// encoded Selection. Every write refreshes the entry TTL, so a session that
// stays idle past the TTL simply disappears.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "selection/"

// DefaultTTL is how long an idle session selection survives.
const DefaultTTL = 30 * 24 * time.Hour

// maxConflictRetries bounds retries of a read-modify-write transaction.
const maxConflictRetries = 16

// ErrEmptySessionID is returned when an operation is given no session id.
var ErrEmptySessionID = errors.New("session id is required")

// Selection is the state remembered for one browser session.
type Selection struct {
	Model      string    `json:"model,omitempty"`
	DebugLevel string    `json:"debug_level,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Config holds configuration for the selection store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode. Useful for testing.
	InMemory bool

	// TTL is applied to every write. Default: DefaultTTL.
	TTL time.Duration

	// SyncWrites enables synchronous writes.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before GC rewrites a file.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		TTL:            DefaultTTL,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
		TTL:      DefaultTTL,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the BadgerDB-backed selection store.
//
// # Thread Safety
//
// Safe for concurrent use. Updates to the same session are serialized by
// BadgerDB's optimistic transactions and retried on conflict.
type Store struct {
	db  *badger.DB
	ttl time.Duration

	gcStop    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open opens the store described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent session store")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create session directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	s := &Store{db: db, ttl: cfg.TTL}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

// TTL returns the per-entry time to live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Get returns the selection for id. The boolean is false when the session
// has no stored selection.
func (s *Store) Get(ctx context.Context, id string) (Selection, bool, error) {
	if id == "" {
		return Selection{}, false, ErrEmptySessionID
	}
	if err := ctx.Err(); err != nil {
		return Selection{}, false, err
	}

	var sel Selection
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sel, found, err = read(txn, id)
		return err
	})
	if err != nil {
		return Selection{}, false, fmt.Errorf("get session %s: %w", id, err)
	}
	return sel, found, nil
}

// SetModel records model as the session's selected model.
func (s *Store) SetModel(ctx context.Context, id, model string) (Selection, error) {
	return s.update(ctx, id, func(sel *Selection) { sel.Model = model })
}

// SetDebugLevel records level as the session's verbosity preference.
func (s *Store) SetDebugLevel(ctx context.Context, id, level string) (Selection, error) {
	return s.update(ctx, id, func(sel *Selection) { sel.DebugLevel = level })
}

// Delete removes the session's selection.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptySessionID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.gcStop != nil {
			close(s.gcStop)
			<-s.gcDone
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) update(ctx context.Context, id string, mutate func(*Selection)) (Selection, error) {
	if id == "" {
		return Selection{}, ErrEmptySessionID
	}

	var result Selection
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Selection{}, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			sel, _, err := read(txn, id)
			if err != nil {
				return err
			}
			mutate(&sel)
			sel.UpdatedAt = time.Now().UTC()

			data, err := json.Marshal(sel)
			if err != nil {
				return fmt.Errorf("encode selection: %w", err)
			}
			if err := txn.SetEntry(badger.NewEntry(key(id), data).WithTTL(s.ttl)); err != nil {
				return err
			}
			result = sel
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return Selection{}, fmt.Errorf("update session %s: %w", id, err)
		}
		return result, nil
	}
	return Selection{}, fmt.Errorf("update session %s: %w", id, badger.ErrConflict)
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("Session store value log GC error", "error", err)
			}
		}
	}
}

func read(txn *badger.Txn, id string) (Selection, bool, error) {
	item, err := txn.Get(key(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Selection{}, false, nil
	}
	if err != nil {
		return Selection{}, false, err
	}

	var sel Selection
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sel)
	})
	if err != nil {
		slog.Warn("Discarding unreadable session selection", "session_id", id, "error", err)
		return Selection{}, false, nil
	}
	return sel, true, nil
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}
