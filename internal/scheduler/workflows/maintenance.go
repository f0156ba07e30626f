// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Dropicx/docworker-sub003/internal/scheduler/types"
)

// maintenanceCtx applies the shared activity options for maintenance passes.
func maintenanceCtx(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	})
}

// CleanupOrphanedJobsWorkflow runs on a cron schedule and fails RUNNING jobs
// whose worker went away.
func CleanupOrphanedJobsWorkflow(ctx workflow.Context) (*types.CleanupOutput, error) {
	var out types.CleanupOutput
	err := workflow.ExecuteActivity(maintenanceCtx(ctx), "CleanupOrphanedJobsActivity").Get(ctx, &out)
	if err != nil {
		return nil, err
	}
	if out.Affected > 0 {
		workflow.GetLogger(ctx).Warn("Orphaned jobs failed", "count", out.Affected)
	}
	return &out, nil
}

// PurgeExpiredJobsWorkflow runs on a cron schedule and enforces the job
// retention window.
func PurgeExpiredJobsWorkflow(ctx workflow.Context) (*types.CleanupOutput, error) {
	var out types.CleanupOutput
	err := workflow.ExecuteActivity(maintenanceCtx(ctx), "PurgeExpiredJobsActivity").Get(ctx, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PurgeExpiredLedgerWorkflow runs on a cron schedule and enforces the cost
// ledger retention window.
func PurgeExpiredLedgerWorkflow(ctx workflow.Context) (*types.CleanupOutput, error) {
	var out types.CleanupOutput
	err := workflow.ExecuteActivity(maintenanceCtx(ctx), "PurgeExpiredLedgerActivity").Get(ctx, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
