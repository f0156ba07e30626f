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
	"time"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/crypto"
	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/ledger"
	"github.com/Dropicx/docworker-sub003/internal/logger"
	"github.com/Dropicx/docworker-sub003/internal/scheduler"
	"github.com/Dropicx/docworker-sub003/internal/server"
	"github.com/Dropicx/docworker-sub003/internal/services"
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
	mainLog.Info().Msg("Starting docworker API server")

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

	schedClient, err := scheduler.NewClient(cfg)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to Temporal")
		fmt.Fprintf(os.Stderr, "Error connecting to Temporal: %v\n", err)
		os.Exit(1)
	}
	defer schedClient.Close()

	costs := ledger.New(db, logger.GetLogger("ledger"))

	srv := server.New(
		&cfg.Server,
		services.NewJobService(db, schedClient),
		services.NewCostService(db, costs),
		services.NewPipelineService(db),
	)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run()
	}()

	// Wait for signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	mainLog.Info().Msg("API server shut down")
}
