// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package activities holds the Temporal activity implementations. Everything
// that touches decrypted document content lives here: workflow code only ever
// sees processing IDs and counters.
package activities

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/models"
	"github.com/Dropicx/docworker-sub003/internal/scheduler/types"
)

// JobActivities covers job state transitions.
type JobActivities struct {
	db *database.GormDB
}

// NewJobActivities creates a new instance of JobActivities
func NewJobActivities(db *database.GormDB) *JobActivities {
	return &JobActivities{db: db}
}

// ClaimJobActivity moves a job to RUNNING before processing starts. Redelivered
// tasks for an already finished job report AlreadyTerminal so the workflow can
// exit without reprocessing.
func (a *JobActivities) ClaimJobActivity(ctx context.Context, input types.ClaimJobInput) (*types.ClaimJobOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Claiming job", "processingID", input.ProcessingID)

	job, err := a.db.GetJobMetadata(ctx, input.ProcessingID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("job %s not found", input.ProcessingID), "JobNotFound", err)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	if job.Status.IsTerminal() {
		logger.Info("Job already terminal, skipping", "processingID", input.ProcessingID, "status", job.Status)
		return &types.ClaimJobOutput{JobID: job.ID, AlreadyTerminal: true, Status: string(job.Status)}, nil
	}

	if job.Status != models.JobStatusRunning {
		if err := a.db.TransitionJobStatus(ctx, job.ID, models.JobStatusRunning, ""); err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
	}

	logger.Info("Job claimed", "processingID", input.ProcessingID, "jobID", job.ID)
	return &types.ClaimJobOutput{JobID: job.ID, Status: string(models.JobStatusRunning)}, nil
}

// FailJobActivity transitions a job to FAILED with a message. Idempotent: a
// job that reached a terminal state in the meantime is left untouched.
func (a *JobActivities) FailJobActivity(ctx context.Context, input types.FailJobInput) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Failing job", "processingID", input.ProcessingID, "error", input.ErrorMessage)

	job, err := a.db.GetJobMetadata(ctx, input.ProcessingID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	err = a.db.TransitionJobStatus(ctx, job.ID, models.JobStatusFailed, input.ErrorMessage)
	if errors.Is(err, database.ErrInvalidTransition) {
		// Already terminal, nothing to do.
		return nil
	}
	return err
}
