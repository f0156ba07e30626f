// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package activities

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/ledger"
	"github.com/Dropicx/docworker-sub003/internal/llm"
	"github.com/Dropicx/docworker-sub003/internal/logger"
	"github.com/Dropicx/docworker-sub003/internal/models"
	"github.com/Dropicx/docworker-sub003/internal/ocr"
	"github.com/Dropicx/docworker-sub003/internal/pipeline"
	"github.com/Dropicx/docworker-sub003/internal/scheduler/types"
)

// PipelineActivities runs the full document pipeline for one job. This is the
// long-running activity: it heartbeats after every step and writes the job's
// terminal state itself so result text never crosses the workflow boundary.
type PipelineActivities struct {
	db        *database.GormDB
	extractor ocr.Extractor
	scrubber  ocr.Scrubber
	provider  llm.Provider
	costs     *ledger.Ledger
	cfg       *config.PipelineConfig
}

// NewPipelineActivities creates a new instance of PipelineActivities
func NewPipelineActivities(db *database.GormDB, extractor ocr.Extractor, scrubber ocr.Scrubber, provider llm.Provider, costs *ledger.Ledger, cfg *config.PipelineConfig) *PipelineActivities {
	return &PipelineActivities{
		db:        db,
		extractor: extractor,
		scrubber:  scrubber,
		provider:  provider,
		costs:     costs,
		cfg:       cfg,
	}
}

// RunPipelineActivity loads the job, resolves the pipeline configuration into
// an execution plan, runs it, and finalizes the job row. The returned output
// carries the verdict only; result data lives on the job.
func (a *PipelineActivities) RunPipelineActivity(ctx context.Context, input types.RunPipelineInput) (*types.RunPipelineOutput, error) {
	log := activity.GetLogger(ctx)
	log.Info("Running pipeline", "processingID", input.ProcessingID)

	job, err := a.db.GetJobByProcessingID(ctx, input.ProcessingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status.IsTerminal() {
		// Activity redelivery after the job already finished.
		return &types.RunPipelineOutput{Status: string(job.Status), ErrorMessage: job.ErrorMessage}, nil
	}

	extracted, err := a.extractor.Extract(ctx, job.FileContent, job.MimeType)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("text extraction failed: %v", err), "ExtractionFailed", err)
	}
	scrubbed := a.scrubber.Scrub(extracted.Text)

	plan, err := a.resolvePlan(ctx)
	if err != nil {
		var cfgErr *pipeline.ConfigError
		if errors.As(err, &cfgErr) {
			// Misconfiguration fails the job, not the worker.
			msg := "pipeline configuration invalid: " + cfgErr.Error()
			if dbErr := a.db.TransitionJobStatus(ctx, job.ID, models.JobStatusFailed, msg); dbErr != nil {
				return nil, dbErr
			}
			return &types.RunPipelineOutput{Status: string(models.JobStatusFailed), ErrorMessage: msg}, nil
		}
		return nil, err
	}

	executor := pipeline.NewExecutor(a.db, a.provider, a.costs, a.cfg, logger.GetPipelineLogger())
	executor.Heartbeat = func(completed, total int) {
		activity.RecordHeartbeat(ctx, types.PipelineHeartbeat{CompletedSteps: completed, TotalSteps: total})
	}

	outcome, err := executor.Run(ctx, job, scrubbed, plan)
	if err != nil {
		// Infrastructure failure or cancellation; the workflow handles the
		// job transition.
		return nil, err
	}

	return a.finalize(ctx, job.ID, outcome)
}

// resolvePlan snapshots the enabled pipeline configuration. The snapshot is
// taken once per run; admin edits mid-flight do not affect running jobs.
func (a *PipelineActivities) resolvePlan(ctx context.Context) (*pipeline.Plan, error) {
	steps, err := a.db.GetEnabledPipelineSteps(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline steps: %w", err)
	}
	classes, err := a.db.GetEnabledDocumentClasses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load document classes: %w", err)
	}
	return pipeline.ResolvePlan(steps, classes)
}

// finalize writes the job's terminal state from the executor outcome.
func (a *PipelineActivities) finalize(ctx context.Context, jobID uint, outcome *pipeline.Outcome) (*types.RunPipelineOutput, error) {
	out := &types.RunPipelineOutput{Status: string(outcome.Status)}

	switch outcome.Status {
	case models.JobStatusCompleted:
		if err := a.db.SetJobResult(ctx, jobID, models.JobStatusCompleted, outcome.ResultData, ""); err != nil {
			return nil, fmt.Errorf("failed to finalize completed job: %w", err)
		}
	case models.JobStatusTerminated:
		reason, _ := outcome.ResultData.GetString("termination_reason")
		message, _ := outcome.ResultData.GetString("termination_message")
		out.TerminationReason = reason
		if err := a.db.SetJobResult(ctx, jobID, models.JobStatusTerminated, outcome.ResultData, message); err != nil {
			return nil, fmt.Errorf("failed to finalize terminated job: %w", err)
		}
	case models.JobStatusFailed:
		out.FailedStep = outcome.FailedStep
		out.ErrorMessage = fmt.Sprintf("step %q failed: %v", outcome.FailedStep, outcome.Err)
		if err := a.db.TransitionJobStatus(ctx, jobID, models.JobStatusFailed, out.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to finalize failed job: %w", err)
		}
	default:
		return nil, fmt.Errorf("unexpected pipeline outcome status %s", outcome.Status)
	}

	return out, nil
}
