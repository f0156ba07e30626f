// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package activities

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/scheduler/types"
)

// CleanupActivities covers the scheduled maintenance passes: orphan detection,
// job retention, and ledger retention.
type CleanupActivities struct {
	db        *database.GormDB
	pipeline  *config.PipelineConfig
	retention *config.RetentionConfig
}

// NewCleanupActivities creates a new instance of CleanupActivities
func NewCleanupActivities(db *database.GormDB, pipeline *config.PipelineConfig, retention *config.RetentionConfig) *CleanupActivities {
	return &CleanupActivities{db: db, pipeline: pipeline, retention: retention}
}

// CleanupOrphanedJobsActivity fails RUNNING jobs whose worker stopped updating
// them, so crashed workers cannot leave jobs RUNNING forever.
func (a *CleanupActivities) CleanupOrphanedJobsActivity(ctx context.Context) (*types.CleanupOutput, error) {
	logger := activity.GetLogger(ctx)

	affected, err := a.db.MarkOrphanedJobs(ctx, a.pipeline.StaleThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to mark orphaned jobs: %w", err)
	}
	if affected > 0 {
		logger.Warn("Marked orphaned jobs as failed", "count", affected, "staleThreshold", a.pipeline.StaleThreshold.String())
	}
	return &types.CleanupOutput{Affected: affected}, nil
}

// PurgeExpiredJobsActivity deletes terminal jobs (and their step executions)
// older than the job retention window. Ledger entries survive on their own
// retention clock.
func (a *CleanupActivities) PurgeExpiredJobsActivity(ctx context.Context) (*types.CleanupOutput, error) {
	logger := activity.GetLogger(ctx)

	cutoff := time.Now().AddDate(0, 0, -a.retention.JobDays)
	affected, err := a.db.DeleteJobsBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge expired jobs: %w", err)
	}
	if affected > 0 {
		logger.Info("Purged expired jobs", "count", affected, "cutoff", cutoff.Format(time.RFC3339))
	}
	return &types.CleanupOutput{Affected: affected}, nil
}

// PurgeExpiredLedgerActivity deletes cost ledger entries older than the ledger
// retention window.
func (a *CleanupActivities) PurgeExpiredLedgerActivity(ctx context.Context) (*types.CleanupOutput, error) {
	logger := activity.GetLogger(ctx)

	cutoff := time.Now().AddDate(0, 0, -a.retention.LedgerDays)
	affected, err := a.db.DeleteLedgerEntriesBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge expired ledger entries: %w", err)
	}
	if affected > 0 {
		logger.Info("Purged expired ledger entries", "count", affected, "cutoff", cutoff.Format(time.RFC3339))
	}
	return &types.CleanupOutput{Affected: affected}, nil
}
