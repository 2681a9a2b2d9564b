// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianLens/pkg/ux"
	"github.com/AleutianAI/AleutianLens/services/history"
	"github.com/AleutianAI/AleutianLens/services/lens"
	"github.com/AleutianAI/AleutianLens/services/llm"
	"github.com/AleutianAI/AleutianLens/services/relay"
	"github.com/spf13/cobra"
)

// options holds the persistent flags shared by every command.
type options struct {
	configPath string
	output     string
	ollamaURL  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "lens",
		Short:         "A gateway for analyzing text and images with local Ollama models",
		Long:          `AleutianLens serves a browser-facing API in front of a local Ollama server: model selection, buffered or streamed analysis, interaction history and model downloads with progress.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.output, "output", "", "output style: rich, minimal or machine (default: detected)")
	rootCmd.PersistentFlags().StringVar(&opts.ollamaURL, "ollama", "", "Ollama base URL (overrides config and OLLAMA_HOST)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newPullCmd(opts),
		newModelsCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
	)
	return rootCmd
}

// loadConfig layers the config file, the environment and the shared flags.
func (o *options) loadConfig() (lens.Config, error) {
	cfg, err := lens.LoadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	if o.ollamaURL != "" {
		cfg.OllamaURL = o.ollamaURL
	}
	return cfg, nil
}

// printer builds a Printer on the command's streams.
func (o *options) printer(cmd *cobra.Command) *ux.Printer {
	mode := ux.DetectMode(os.Stdout)
	if o.output != "" {
		mode = ux.ParseMode(o.output)
	}
	return &ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr(), Mode: mode}
}

func (o *options) client(cfg lens.Config) *llm.OllamaClient {
	return llm.NewOllamaClient(cfg.OllamaURL, cfg.StatusTimeout)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(opts *options) *cobra.Command {
	var (
		port      int
		staticDir string
		logLevel  string
		tracing   string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long:  `Starts the gateway and serves until interrupted. Flags override the config file and environment.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("static-dir") {
				cfg.StaticDir = staticDir
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("tracing") {
				cfg.TracingExporter = tracing
			}
			if flags.Changed("watch-prompts") {
				cfg.WatchPrompts = watch
			}

			svc, err := lens.New(cfg)
			if err != nil {
				opts.printer(cmd).Error(err.Error())
				return err
			}
			defer svc.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return svc.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", lens.DefaultPort, "HTTP port")
	cmd.Flags().StringVar(&staticDir, "static-dir", "", "directory served under /ui")
	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, WARNING, ERROR or CRITICAL")
	cmd.Flags().StringVar(&tracing, "tracing", lens.TracingNone, "tracing exporter: none, otlp or stdout")
	cmd.Flags().BoolVar(&watch, "watch-prompts", false, "reload the prompt catalog when it changes")
	return cmd
}

// =============================================================================
// pull
// =============================================================================

func newPullCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pull [model]",
		Short: "Download a model into Ollama with live progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			view := ux.NewPullView(p, args[0])

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var failure string
			err = relay.NewPuller(opts.client(cfg)).Pull(ctx, args[0], func(progress relay.PullProgress) error {
				view.Update(ux.PullStep{
					Status:      progress.Status,
					Percent:     progress.ProgressPercent,
					CompletedMB: progress.CompletedMB,
					TotalMB:     progress.TotalMB,
				})
				if progress.Status == relay.PullStatusError {
					failure = progress.Error
				}
				return nil
			})
			switch {
			case err == nil:
				view.Done()
				return nil
			case failure != "":
				view.Fail(failure)
			default:
				view.Fail(err.Error())
			}
			return err
		},
	}
}

// =============================================================================
// models / status
// =============================================================================

func newModelsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models installed in Ollama",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			p := opts.printer(cmd)

			models, err := opts.client(cfg).ListModels(cmd.Context())
			if err != nil {
				p.Error(err.Error())
				return err
			}
			rows := make([]ux.ModelRow, 0, len(models))
			for _, m := range models {
				rows = append(rows, ux.ModelRow{Name: m.Name, SizeMB: float64(m.Size) / (1 << 20), Vision: m.Vision})
			}
			p.Models(rows)
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether Ollama is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			p := opts.printer(cmd)

			status := opts.client(cfg).Status(cmd.Context())
			if !status.Online {
				p.Error(fmt.Sprintf("Ollama at %s is offline: %s", status.BaseURL, status.Error))
				return errors.New("ollama is offline")
			}
			p.Success(fmt.Sprintf("Ollama %s online at %s", status.Version, status.BaseURL))
			return nil
		},
	}
}

// =============================================================================
// history
// =============================================================================

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		limit int
		clearAll bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or clear the interaction history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			p := opts.printer(cmd)

			store, err := history.New(cfg.HistoryFile, cfg.MaxHistoryEntries)
			if err != nil {
				return err
			}
			if clearAll {
				if err := store.Clear(); err != nil {
					p.Error(err.Error())
					return err
				}
				p.Success("History cleared")
				return nil
			}
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}

			entries := store.Recent(limit)
			rows := make([]ux.HistoryRow, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, ux.HistoryRow{
					Timestamp: e.Timestamp,
					Model:     e.Model,
					Prompt:    e.Prompt,
					Duration:  e.Duration,
					Success:   e.Success,
				})
			}
			p.History(rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the last N entries (0 shows all)")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "delete all entries")
	return cmd
}
