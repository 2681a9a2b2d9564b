// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lens

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianLens/pkg/logging"
	"github.com/AleutianAI/AleutianLens/services/history"
	"github.com/AleutianAI/AleutianLens/services/llm"
	"github.com/AleutianAI/AleutianLens/services/sessions"
	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration
// =============================================================================

// Tracing exporters.
const (
	TracingNone   = "none"
	TracingOTLP   = "otlp"
	TracingStdout = "stdout"
)

// DefaultPort is the HTTP port used when none is configured.
const DefaultPort = 5001

// DefaultPullsPerMinute caps model pull initiations.
const DefaultPullsPerMinute = 6

// Config holds the gateway configuration.
//
// # Description
//
// Values are layered in increasing precedence: DefaultConfig, a YAML file
// (LoadConfig), environment variables (ApplyEnv), then command-line flags
// set by the caller. Zero values left after layering are filled by
// applyConfigDefaults when the service is built.
//
// # Examples
//
//	cfg, err := lens.LoadConfig("lens.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.ApplyEnv(); err != nil {
//	    return err
//	}
//	svc, err := lens.New(cfg)
type Config struct {
	// Port is the HTTP server port. Default: 5001
	Port int `yaml:"port"`

	// OllamaURL is the upstream Ollama base URL.
	// Default: "http://localhost:11434"
	OllamaURL string `yaml:"ollama_url"`

	// StatusTimeout bounds tags, show and version calls. Default: 5s
	StatusTimeout time.Duration `yaml:"status_timeout"`

	// UploadDir holds uploaded files for the duration of a request.
	UploadDir string `yaml:"upload_dir"`

	// HistoryFile is the JSON interaction log.
	HistoryFile string `yaml:"history_file"`

	// MaxHistoryEntries caps the interaction log. Default: 100
	MaxHistoryEntries int `yaml:"max_history_entries"`

	// PromptsFile is the prompt catalog. A missing file uses built-ins.
	PromptsFile string `yaml:"prompts_file"`

	// WatchPrompts reloads the catalog when the file changes.
	WatchPrompts bool `yaml:"watch_prompts"`

	// SessionDBPath is the BadgerDB directory for session selections.
	SessionDBPath string `yaml:"session_db_path"`

	// SessionInMemory keeps selections in memory only.
	SessionInMemory bool `yaml:"session_in_memory"`

	// SessionTTL is how long an idle selection is kept. Default: 30 days
	SessionTTL time.Duration `yaml:"session_ttl"`

	// SecureCookies marks the session cookie Secure.
	SecureCookies bool `yaml:"secure_cookies"`

	// LogLevel is the initial threshold: DEBUG, INFO, WARNING, ERROR or
	// CRITICAL. Default: INFO
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json". Default: text
	LogFormat string `yaml:"log_format"`

	// LogFile enables rotating file output.
	LogFile string `yaml:"log_file"`

	// TracingExporter is "none", "otlp" or "stdout". Default: none
	TracingExporter string `yaml:"tracing_exporter"`

	// OTelEndpoint is the OTLP gRPC collector address.
	// Default: "localhost:4317"
	OTelEndpoint string `yaml:"otel_endpoint"`

	// GinMode is "debug", "release" or "test". Default: release
	GinMode string `yaml:"gin_mode"`

	// StaticDir is served under /ui when set.
	StaticDir string `yaml:"static_dir"`

	// PullRatePerMinute caps pull initiations. Default: 6
	PullRatePerMinute int `yaml:"pull_rate_per_minute"`

	// LogOutput replaces stderr for logs and stdout for span output.
	LogOutput io.Writer `yaml:"-"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Port:              DefaultPort,
		OllamaURL:         llm.DefaultBaseURL,
		StatusTimeout:     llm.DefaultStatusTimeout,
		UploadDir:         "uploads",
		HistoryFile:       "query_history.json",
		MaxHistoryEntries: history.DefaultMaxEntries,
		PromptsFile:       "prompts.json",
		SessionDBPath:     "./data/sessions",
		SessionTTL:        sessions.DefaultTTL,
		LogLevel:          "INFO",
		LogFormat:         "text",
		TracingExporter:   TracingNone,
		OTelEndpoint:      "localhost:4317",
		GinMode:           "release",
		PullRatePerMinute: DefaultPullsPerMinute,
	}
}

// LoadConfig reads a YAML file over DefaultConfig. An empty path returns
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. Unparseable numeric
// or duration values are returned as an error and leave the field unchanged.
func (c *Config) ApplyEnv() error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setInt("LENS_PORT", &c.Port)
	setString("OLLAMA_HOST", &c.OllamaURL)
	setDuration("STATUS_TIMEOUT", &c.StatusTimeout)
	setString("UPLOAD_FOLDER", &c.UploadDir)
	setString("HISTORY_FILE", &c.HistoryFile)
	setInt("MAX_HISTORY_ENTRIES", &c.MaxHistoryEntries)
	setString("PROMPTS_FILE", &c.PromptsFile)
	setBool("PROMPTS_WATCH", &c.WatchPrompts)
	setString("SESSION_DB_PATH", &c.SessionDBPath)
	setDuration("SESSION_TTL", &c.SessionTTL)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FORMAT", &c.LogFormat)
	setString("LOG_FILE", &c.LogFile)
	setString("TRACING_EXPORTER", &c.TracingExporter)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)
	setString("GIN_MODE", &c.GinMode)
	setString("STATIC_DIR", &c.StaticDir)
	setInt("PULL_RATE_PER_MINUTE", &c.PullRatePerMinute)

	return errors.Join(errs...)
}

// Validate reports configuration values that cannot be used.
func (c Config) Validate() error {
	u, err := url.Parse(c.OllamaURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid Ollama URL: %q", c.OllamaURL)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.LogFormat)
	}
	switch strings.ToLower(c.TracingExporter) {
	case "", TracingNone, TracingOTLP, TracingStdout:
	default:
		return fmt.Errorf("invalid tracing exporter: %q", c.TracingExporter)
	}
	switch c.GinMode {
	case "", gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		return fmt.Errorf("invalid gin mode: %q", c.GinMode)
	}
	if c.MaxHistoryEntries < 0 {
		return fmt.Errorf("max history entries must not be negative: %d", c.MaxHistoryEntries)
	}
	if c.PullRatePerMinute < 0 {
		return fmt.Errorf("pull rate must not be negative: %d", c.PullRatePerMinute)
	}
	return nil
}

// applyConfigDefaults fills in zero-valued fields.
func applyConfigDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.OllamaURL == "" {
		cfg.OllamaURL = def.OllamaURL
	}
	if !strings.Contains(cfg.OllamaURL, "://") {
		cfg.OllamaURL = "http://" + cfg.OllamaURL
	}
	cfg.OllamaURL = strings.TrimRight(cfg.OllamaURL, "/")
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = def.StatusTimeout
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = def.UploadDir
	}
	if cfg.HistoryFile == "" {
		cfg.HistoryFile = def.HistoryFile
	}
	if cfg.MaxHistoryEntries == 0 {
		cfg.MaxHistoryEntries = def.MaxHistoryEntries
	}
	if cfg.PromptsFile == "" {
		cfg.PromptsFile = def.PromptsFile
	}
	if cfg.SessionDBPath == "" {
		cfg.SessionDBPath = def.SessionDBPath
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.TracingExporter == "" {
		cfg.TracingExporter = def.TracingExporter
	}
	cfg.TracingExporter = strings.ToLower(cfg.TracingExporter)
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = def.OTelEndpoint
	}
	if cfg.GinMode == "" {
		cfg.GinMode = def.GinMode
	}
	if cfg.PullRatePerMinute == 0 {
		cfg.PullRatePerMinute = def.PullRatePerMinute
	}
	return cfg
}
