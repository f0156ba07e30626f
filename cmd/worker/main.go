// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/crypto"
	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/ledger"
	"github.com/Dropicx/docworker-sub003/internal/llm"
	"github.com/Dropicx/docworker-sub003/internal/logger"
	"github.com/Dropicx/docworker-sub003/internal/ocr"
	"github.com/Dropicx/docworker-sub003/internal/scheduler"
	"github.com/Dropicx/docworker-sub003/internal/scheduler/workers"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().
		Str("task_queue", cfg.Temporal.TaskQueue).
		Int("max_concurrent_jobs", cfg.Temporal.Worker.MaxConcurrentJobs).
		Msg("Starting docworker pipeline worker")

	codec, err := crypto.NewCodec(cfg.Encryption.Key)
	if err != nil {
		mainLog.Error().Err(err).Msg("Invalid encryption key")
		fmt.Fprintf(os.Stderr, "Error: invalid encryption key: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewGormDB(&cfg.Database, codec)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error opening database")
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	provider, err := newProvider(&cfg.LLM)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error creating LLM provider")
		fmt.Fprintf(os.Stderr, "Error creating LLM provider: %v\n", err)
		os.Exit(1)
	}

	schedClient, err := scheduler.NewClient(cfg)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to Temporal")
		fmt.Fprintf(os.Stderr, "Error connecting to Temporal: %v\n", err)
		os.Exit(1)
	}
	defer schedClient.Close()

	costs := ledger.New(db, logger.GetLogger("ledger"))

	w := workers.NewWorker(
		schedClient.GetTemporalClient(),
		cfg,
		db,
		ocr.NewPassthroughExtractor(),
		ocr.NewBaselineScrubber(),
		provider,
		costs,
	)
	if err := w.Start(); err != nil {
		mainLog.Error().Err(err).Msg("Error starting worker")
		fmt.Fprintf(os.Stderr, "Error starting worker: %v\n", err)
		os.Exit(1)
	}

	// Cron maintenance workflows: orphan detection and retention purges.
	if err := schedClient.StartMaintenanceSchedules(context.Background()); err != nil {
		mainLog.Error().Err(err).Msg("Error starting maintenance schedules")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	mainLog.Info().Msgf("Received signal %v, shutting down...", sig)

	w.Stop()
	mainLog.Info().Msg("Worker shut down")
}

// newProvider builds the configured LLM backend. "scripted" answers every
// prompt with a canned echo and exists for local development without an API
// key.
func newProvider(cfg *config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return llm.NewAnthropicProvider(cfg.AnthropicKey, cfg.RequestTimeout, logger.GetLogger("llm"))
	case "scripted":
		return llm.NewScriptedProvider(llm.ScriptedRule{
			Response: llm.Response{Text: "(scripted response)"},
		}), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
