// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lens provides the AleutianLens HTTP gateway service.
//
// The gateway sits between a browser and a local Ollama server. It lists and
// selects models, relays analyze requests (buffered or as server-sent
// events), keeps an interaction history, relays model downloads with
// progress, and lets an operator change the logging threshold at runtime.
//
//	┌─────────┐   HTTP/SSE   ┌─────────────────────────────┐   NDJSON   ┌────────┐
//	│ browser │ ───────────▶ │ routes → handlers → relay   │ ─────────▶ │ Ollama │
//	└─────────┘              │ history · prompts · sessions│            └────────┘
//	                         └─────────────────────────────┘
//
// # Usage
//
//	cfg, err := lens.LoadConfig(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := lens.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	err = svc.Run(ctx)
package lens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLens/pkg/logging"
	"github.com/AleutianAI/AleutianLens/services/history"
	"github.com/AleutianAI/AleutianLens/services/lens/observability"
	"github.com/AleutianAI/AleutianLens/services/lens/routes"
	"github.com/AleutianAI/AleutianLens/services/llm"
	"github.com/AleutianAI/AleutianLens/services/prompts"
	"github.com/AleutianAI/AleutianLens/services/relay"
	"github.com/AleutianAI/AleutianLens/services/sessions"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the gateway lifecycle.
//
// # Thread Safety
//
// Run should be called once. Close is safe to call more than once.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the listener fails. On
	// cancellation in-flight requests get shutdownTimeout to finish.
	Run(ctx context.Context) error

	// Router returns the configured engine, for tests.
	Router() *gin.Engine

	// Close releases the session store, catalog watcher, tracer and log
	// file.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config

	logger   *logging.Logger
	router   *gin.Engine
	metrics  *observability.Metrics
	ollama   *llm.OllamaClient
	history  *history.Store
	prompts  *prompts.Source
	watcher  *prompts.Watcher
	sessions *sessions.Store
	relay    *relay.Relay
	puller   *relay.Puller
	limiter  *rate.Limiter

	tracerCleanup func(context.Context)
	watchCancel   context.CancelFunc
	closeOnce     sync.Once
	closeErr      error
}

// =============================================================================
// Constructor
// =============================================================================

// New builds the gateway.
//
// # Description
//
// New initializes, in order: logging, tracing, metrics, the Ollama client,
// the history store, the prompt catalog (and its watcher when enabled), the
// session store, the analyze and pull relays, and the router. If a step
// fails, everything built so far is released.
//
// # Inputs
//
//   - cfg: Gateway configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil on invalid configuration or an unusable store.
func New(cfg Config) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &service{config: cfg}
	s.initLogging()

	cleanup, err := initTracer(cfg, s.traceOutput())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.metrics = observability.New()
	s.ollama = llm.NewOllamaClient(cfg.OllamaURL, cfg.StatusTimeout)

	s.history, err = history.New(cfg.HistoryFile, cfg.MaxHistoryEntries)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	s.prompts = prompts.NewSource(cfg.PromptsFile)
	if cfg.WatchPrompts {
		s.initWatcher()
	}

	if err := s.initSessions(); err != nil {
		s.Close()
		return nil, err
	}

	s.relay, err = relay.New(relay.Config{
		Upstream:  s.ollama,
		Sessions:  s.sessions,
		History:   s.history,
		UploadDir: cfg.UploadDir,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize analyze relay: %w", err)
	}
	s.puller = relay.NewPuller(s.ollama)

	if cfg.PullRatePerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PullRatePerMinute)), cfg.PullRatePerMinute)
	}

	s.initRouter()

	slog.Info("AleutianLens initialized",
		"ollama", cfg.OllamaURL,
		"history_file", cfg.HistoryFile,
		"prompts_file", cfg.PromptsFile,
		"session_db", s.sessionLocation(),
	)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting AleutianLens server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down AleutianLens server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.watchCancel != nil {
			s.watchCancel()
		}
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.sessions != nil {
			if err := s.sessions.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session store: %w", err))
			}
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
		if s.logger != nil {
			if err := s.logger.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close log file: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func (s *service) initLogging() {
	level, _ := logging.ParseLevel(s.config.LogLevel)
	s.logger = logging.New(logging.Config{
		Level:   level,
		LogFile: s.config.LogFile,
		Service: ServiceName,
		JSON:    strings.EqualFold(s.config.LogFormat, "json"),
		Output:  s.config.LogOutput,
	})
	slog.SetDefault(s.logger.Slog())
}

func (s *service) traceOutput() io.Writer {
	if s.config.LogOutput != nil {
		return s.config.LogOutput
	}
	return os.Stdout
}

// initWatcher starts catalog reloads. A watcher that cannot start is
// logged and the static catalog stays in use.
func (s *service) initWatcher() {
	w, err := prompts.NewWatcher(s.prompts, prompts.DefaultDebounce)
	if err != nil {
		slog.Warn("Prompt catalog watcher unavailable", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		cancel()
		w.Stop()
		slog.Warn("Prompt catalog watcher unavailable", "error", err)
		return
	}
	s.watcher = w
	s.watchCancel = cancel
}

func (s *service) initSessions() error {
	var cfg sessions.Config
	if s.config.SessionInMemory {
		cfg = sessions.InMemoryConfig()
	} else {
		cfg = sessions.DefaultConfig(s.config.SessionDBPath)
	}
	cfg.TTL = s.config.SessionTTL
	cfg.Logger = slog.Default().With("component", "sessions")

	store, err := sessions.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	s.sessions = store
	return nil
}

func (s *service) sessionLocation() string {
	if s.config.SessionInMemory {
		return "memory"
	}
	return s.config.SessionDBPath
}

// initRouter builds the engine with recovery, request logging and tracing
// middleware, then registers all routes.
func (s *service) initRouter() {
	gin.SetMode(s.config.GinMode)

	s.router = gin.New()
	s.router.Use(gin.Recovery(), gin.Logger())
	s.router.Use(otelgin.Middleware(ServiceName))
	s.router.MaxMultipartMemory = relay.DefaultMaxUploadBytes

	routes.SetupRoutes(s.router, routes.Dependencies{
		Catalog:       s.ollama,
		Selections:    s.sessions,
		History:       s.history,
		Prompts:       s.prompts,
		Analyzer:      s.relay,
		Puller:        s.puller,
		PullLimiter:   s.limiter,
		Metrics:       s.metrics,
		SessionTTL:    s.config.SessionTTL,
		SecureCookies: s.config.SecureCookies,
		StaticDir:     s.config.StaticDir,
	})
}
