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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5001, cfg.Port)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaURL)
	assert.Equal(t, "uploads", cfg.UploadDir)
	assert.Equal(t, "query_history.json", cfg.HistoryFile)
	assert.Equal(t, 100, cfg.MaxHistoryEntries)
	assert.Equal(t, "prompts.json", cfg.PromptsFile)
	assert.Equal(t, 30*24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, TracingNone, cfg.TracingExporter)
	assert.Equal(t, 5*time.Second, cfg.StatusTimeout)
	assert.Equal(t, 6, cfg.PullRatePerMinute)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EmptyPathIsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Port, cfg.Port)
}

func TestLoadConfig_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lens.yaml")
	yaml := `
port: 8088
ollama_url: http://gpu-box:11434
status_timeout: 2s
max_history_entries: 25
session_ttl: 48h
log_level: debug
watch_prompts: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Port)
	assert.Equal(t, "http://gpu-box:11434", cfg.OllamaURL)
	assert.Equal(t, 2*time.Second, cfg.StatusTimeout)
	assert.Equal(t, 25, cfg.MaxHistoryEntries)
	assert.Equal(t, 48*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.WatchPrompts)

	// untouched keys keep their defaults
	assert.Equal(t, "query_history.json", cfg.HistoryFile)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [1, 2"), 0600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lens.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8088\nhistory_file: from-file.json\n"), 0600))

	t.Setenv("LENS_PORT", "9099")
	t.Setenv("OLLAMA_HOST", "http://env-host:11434")
	t.Setenv("SESSION_TTL", "1h")
	t.Setenv("PROMPTS_WATCH", "true")
	t.Setenv("PULL_RATE_PER_MINUTE", "2")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, 9099, cfg.Port)
	assert.Equal(t, "http://env-host:11434", cfg.OllamaURL)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.True(t, cfg.WatchPrompts)
	assert.Equal(t, 2, cfg.PullRatePerMinute)
	assert.Equal(t, "from-file.json", cfg.HistoryFile)
}

func TestApplyEnv_BadValuesReported(t *testing.T) {
	t.Setenv("LENS_PORT", "not-a-port")
	t.Setenv("SESSION_TTL", "forever")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LENS_PORT")
	assert.Contains(t, err.Error(), "SESSION_TTL")
	assert.Equal(t, 5001, cfg.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"https url", func(c *Config) { c.OllamaURL = "https://ollama.internal" }, false},
		{"bad scheme", func(c *Config) { c.OllamaURL = "ftp://x" }, true},
		{"no host", func(c *Config) { c.OllamaURL = "http://" }, true},
		{"bad level", func(c *Config) { c.LogLevel = "LOUD" }, true},
		{"lowercase level", func(c *Config) { c.LogLevel = "warning" }, false},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"bad exporter", func(c *Config) { c.TracingExporter = "zipkin" }, true},
		{"bad gin mode", func(c *Config) { c.GinMode = "prod" }, true},
		{"bad port", func(c *Config) { c.Port = 70000 }, true},
		{"negative history", func(c *Config) { c.MaxHistoryEntries = -1 }, true},
		{"negative pull rate", func(c *Config) { c.PullRatePerMinute = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{OllamaURL: "127.0.0.1:11434/"})

	assert.Equal(t, "http://127.0.0.1:11434", cfg.OllamaURL)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, TracingNone, cfg.TracingExporter)
	assert.Equal(t, DefaultPullsPerMinute, cfg.PullRatePerMinute)
	assert.NoError(t, cfg.Validate())
}
