// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workflows holds the Temporal workflow definitions. Workflows only
// orchestrate: all document content stays inside activities.
package workflows

import (
	"errors"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Dropicx/docworker-sub003/internal/models"
	"github.com/Dropicx/docworker-sub003/internal/scheduler/types"
)

const (
	defaultJobTimeout       = 30 * time.Minute
	defaultHeartbeatTimeout = 2 * time.Minute
)

// ProcessDocumentWorkflow drives one document job end to end:
// claim -> validate -> run pipeline. The pipeline activity finalizes
// successful, terminated, and step-failed jobs itself; the workflow finalizes
// only on infrastructure failure, timeout, or cancellation.
func ProcessDocumentWorkflow(ctx workflow.Context, input types.ProcessDocumentInput) (*types.ProcessDocumentOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting document processing", "processingID", input.ProcessingID)

	phase := "claiming"
	if err := workflow.SetQueryHandler(ctx, "phase", func() (string, error) {
		return phase, nil
	}); err != nil {
		return nil, err
	}

	// Short control activities: claim, validate, fail.
	controlOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	controlCtx := workflow.WithActivityOptions(ctx, controlOpts)

	var claim types.ClaimJobOutput
	err := workflow.ExecuteActivity(controlCtx, "ClaimJobActivity",
		types.ClaimJobInput{ProcessingID: input.ProcessingID}).Get(controlCtx, &claim)
	if err != nil {
		return nil, err
	}
	if claim.AlreadyTerminal {
		logger.Info("Job already finished, exiting", "processingID", input.ProcessingID, "status", claim.Status)
		return &types.ProcessDocumentOutput{ProcessingID: input.ProcessingID, Status: claim.Status}, nil
	}

	phase = "validating"
	var validated types.ValidateDocumentOutput
	err = workflow.ExecuteActivity(controlCtx, "ValidateDocumentActivity",
		types.ValidateDocumentInput{ProcessingID: input.ProcessingID}).Get(controlCtx, &validated)
	if err != nil {
		return failJob(ctx, input.ProcessingID, controlOpts, "document validation failed: "+shortError(err), err)
	}

	phase = "processing"
	jobTimeout := defaultJobTimeout
	if input.JobTimeoutSeconds > 0 {
		jobTimeout = time.Duration(input.JobTimeoutSeconds) * time.Second
	}
	heartbeatTimeout := defaultHeartbeatTimeout
	if input.HeartbeatTimeoutSeconds > 0 {
		heartbeatTimeout = time.Duration(input.HeartbeatTimeoutSeconds) * time.Second
	}

	// The pipeline activity runs on its own task queue so the worker pool
	// bounds concurrent document processing. Retries stay inside the executor;
	// a second activity attempt would replay already-billed LLM calls.
	pipelineOpts := workflow.ActivityOptions{
		StartToCloseTimeout: jobTimeout,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	if input.PipelineTaskQueue != "" {
		pipelineOpts.TaskQueue = input.PipelineTaskQueue
	}
	pipelineCtx := workflow.WithActivityOptions(ctx, pipelineOpts)

	var verdict types.RunPipelineOutput
	err = workflow.ExecuteActivity(pipelineCtx, "RunPipelineActivity",
		types.RunPipelineInput{ProcessingID: input.ProcessingID}).Get(pipelineCtx, &verdict)
	if err != nil {
		return failJob(ctx, input.ProcessingID, controlOpts, pipelineErrorMessage(err, jobTimeout), err)
	}

	phase = "done"
	logger.Info("Document processing finished",
		"processingID", input.ProcessingID,
		"status", verdict.Status,
		"failedStep", verdict.FailedStep)

	return &types.ProcessDocumentOutput{
		ProcessingID: input.ProcessingID,
		Status:       verdict.Status,
		ErrorMessage: verdict.ErrorMessage,
	}, nil
}

// failJob transitions the job to FAILED on a disconnected context so the
// cleanup also runs when the workflow itself was cancelled.
func failJob(ctx workflow.Context, processingID string, opts workflow.ActivityOptions, message string, cause error) (*types.ProcessDocumentOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Error("Failing job", "processingID", processingID, "message", message)

	cleanupCtx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	cleanupCtx = workflow.WithActivityOptions(cleanupCtx, opts)

	err := workflow.ExecuteActivity(cleanupCtx, "FailJobActivity",
		types.FailJobInput{ProcessingID: processingID, ErrorMessage: message}).Get(cleanupCtx, nil)
	if err != nil {
		logger.Error("Failed to mark job as failed", "processingID", processingID, "error", err)
	}

	out := &types.ProcessDocumentOutput{
		ProcessingID: processingID,
		Status:       string(models.JobStatusFailed),
		ErrorMessage: message,
	}
	if temporal.IsCanceledError(cause) || ctx.Err() != nil {
		// Propagate cancellation so the workflow ends as cancelled.
		return out, cause
	}
	return out, nil
}

// pipelineErrorMessage maps activity failures to the job error message.
func pipelineErrorMessage(err error, jobTimeout time.Duration) string {
	switch {
	case temporal.IsCanceledError(err):
		return "cancelled"
	case temporal.IsTimeoutError(err):
		var timeoutErr *temporal.TimeoutError
		if errors.As(err, &timeoutErr) && timeoutErr.TimeoutType() == enums.TIMEOUT_TYPE_HEARTBEAT {
			return "worker stopped heartbeating"
		}
		return "timeout: processing exceeded " + jobTimeout.String()
	default:
		return "pipeline execution failed: " + shortError(err)
	}
}

// shortError strips Temporal's error wrapping down to the activity message.
func shortError(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return err.Error()
}
