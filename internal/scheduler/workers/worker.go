// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workers runs the Temporal worker processes.
package workers

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/ledger"
	"github.com/Dropicx/docworker-sub003/internal/llm"
	"github.com/Dropicx/docworker-sub003/internal/logger"
	"github.com/Dropicx/docworker-sub003/internal/ocr"
	"github.com/Dropicx/docworker-sub003/internal/scheduler"
	"github.com/Dropicx/docworker-sub003/internal/scheduler/activities"
	"github.com/Dropicx/docworker-sub003/internal/scheduler/workflows"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetTemporalLogger().With().Str("component", "worker").Logger()
		log = &l
	})
	return log
}

// Worker runs two Temporal workers: one on the main task queue for workflows
// and control activities, and one on the pipeline queue whose concurrency
// limit is the worker pool size N. At most N documents process in parallel;
// each document is strictly sequential across its steps.
type Worker struct {
	temporalClient client.Client
	taskQueue      string

	mainWorker     worker.Worker
	pipelineWorker worker.Worker

	jobActivities      *activities.JobActivities
	documentActivities *activities.DocumentActivities
	pipelineActivities *activities.PipelineActivities
	cleanupActivities  *activities.CleanupActivities

	config  *config.AppConfig
	mu      sync.Mutex
	stopped bool
}

// NewWorker creates a new Temporal worker
func NewWorker(
	temporalClient client.Client,
	cfg *config.AppConfig,
	db *database.GormDB,
	extractor ocr.Extractor,
	scrubber ocr.Scrubber,
	provider llm.Provider,
	costs *ledger.Ledger,
) *Worker {
	return &Worker{
		temporalClient:     temporalClient,
		taskQueue:          cfg.Temporal.TaskQueue,
		jobActivities:      activities.NewJobActivities(db),
		documentActivities: activities.NewDocumentActivities(db, extractor, scrubber),
		pipelineActivities: activities.NewPipelineActivities(db, extractor, scrubber, provider, costs, &cfg.Pipeline),
		cleanupActivities:  activities.NewCleanupActivities(db, &cfg.Pipeline, &cfg.Retention),
		config:             cfg,
	}
}

// Start starts both workers.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return fmt.Errorf("cannot restart a stopped worker - create a new worker instance")
	}
	if w.mainWorker != nil {
		getLog().Info().Msg("Worker already started")
		return nil
	}

	getLog().Info().Str("task_queue", w.taskQueue).Msg("Starting Temporal workers")

	mainOptions := worker.Options{
		MaxConcurrentActivityExecutionSize: w.config.Temporal.Worker.MaxConcurrentActivityExecutions,
		WorkerActivitiesPerSecond:          w.config.Temporal.Worker.ActivitiesPerSecond,
	}
	w.mainWorker = worker.New(w.temporalClient, w.taskQueue, mainOptions)

	w.mainWorker.RegisterWorkflow(workflows.ProcessDocumentWorkflow)
	w.mainWorker.RegisterWorkflow(workflows.CleanupOrphanedJobsWorkflow)
	w.mainWorker.RegisterWorkflow(workflows.PurgeExpiredJobsWorkflow)
	w.mainWorker.RegisterWorkflow(workflows.PurgeExpiredLedgerWorkflow)

	w.mainWorker.RegisterActivity(w.jobActivities.ClaimJobActivity)
	w.mainWorker.RegisterActivity(w.jobActivities.FailJobActivity)
	w.mainWorker.RegisterActivity(w.documentActivities.ValidateDocumentActivity)
	w.mainWorker.RegisterActivity(w.cleanupActivities.CleanupOrphanedJobsActivity)
	w.mainWorker.RegisterActivity(w.cleanupActivities.PurgeExpiredJobsActivity)
	w.mainWorker.RegisterActivity(w.cleanupActivities.PurgeExpiredLedgerActivity)

	// The pipeline queue bounds document concurrency to the pool size.
	pipelineOptions := worker.Options{
		MaxConcurrentActivityExecutionSize: w.config.Temporal.Worker.MaxConcurrentJobs,
	}
	w.pipelineWorker = worker.New(w.temporalClient, scheduler.PipelineTaskQueue(w.taskQueue), pipelineOptions)
	w.pipelineWorker.RegisterActivity(w.pipelineActivities.RunPipelineActivity)

	mainInstance := w.mainWorker
	pipelineInstance := w.pipelineWorker
	go func() {
		if err := mainInstance.Run(worker.InterruptCh()); err != nil {
			getLog().Error().Err(err).Msg("Main worker stopped with error")
		}
	}()
	go func() {
		if err := pipelineInstance.Run(worker.InterruptCh()); err != nil {
			getLog().Error().Err(err).Msg("Pipeline worker stopped with error")
		}
	}()

	getLog().Info().
		Int("max_concurrent_jobs", w.config.Temporal.Worker.MaxConcurrentJobs).
		Msg("Temporal workers started successfully")
	return nil
}

// Stop stops both workers gracefully.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.mainWorker != nil {
		getLog().Info().Msg("Stopping Temporal workers gracefully...")

		w.pipelineWorker.Stop()
		w.mainWorker.Stop()

		w.stopped = true
		w.mainWorker = nil
		w.pipelineWorker = nil

		// Let in-flight database writes settle before the process exits.
		time.Sleep(200 * time.Millisecond)

		getLog().Info().Msg("Temporal workers stopped")
	}
	return nil
}

// GetRegisteredActivities returns a list of registered activity names (for testing)
func (w *Worker) GetRegisteredActivities() []string {
	return []string{
		"ClaimJobActivity",
		"FailJobActivity",
		"ValidateDocumentActivity",
		"RunPipelineActivity",
		"CleanupOrphanedJobsActivity",
		"PurgeExpiredJobsActivity",
		"PurgeExpiredLedgerActivity",
	}
}

// GetRegisteredWorkflows returns a list of registered workflow names (for testing)
func (w *Worker) GetRegisteredWorkflows() []string {
	return []string{
		"ProcessDocumentWorkflow",
		"CleanupOrphanedJobsWorkflow",
		"PurgeExpiredJobsWorkflow",
		"PurgeExpiredLedgerWorkflow",
	}
}
