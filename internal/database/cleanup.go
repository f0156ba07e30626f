// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"time"

	"github.com/Dropicx/docworker-sub003/internal/models"

	"gorm.io/gorm"
)

// OrphanedJobError is the error message written to jobs failed by orphan
// cleanup. Clients can distinguish it from pipeline failures.
const OrphanedJobError = "orphaned: worker stopped heartbeating"

// MarkOrphanedJobs fails RUNNING jobs whose last update is older than the
// stale threshold. A healthy worker re-asserts ownership at least once per
// heartbeat interval, so a stale RUNNING row means its worker died without
// reporting.
func (db *GormDB) MarkOrphanedJobs(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleThreshold)

	result := db.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND updated_at < ?", models.JobStatusRunning, cutoff).
		Updates(map[string]any{
			"status":        models.JobStatusFailed,
			"error_message": OrphanedJobError,
		})
	if result.Error != nil {
		return 0, storageErr("mark orphaned jobs", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteJobsBefore removes terminal jobs created before the cutoff, together
// with their step executions. Ledger entries survive job deletion: accounting
// has its own retention window.
func (db *GormDB) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobIDs []uint
		if err := tx.Model(&models.Job{}).
			Where("created_at < ? AND status IN ?", cutoff, []models.JobStatus{
				models.JobStatusCompleted,
				models.JobStatusFailed,
				models.JobStatusTerminated,
			}).
			Pluck("id", &jobIDs).Error; err != nil {
			return err
		}
		if len(jobIDs) == 0 {
			return nil
		}
		if err := tx.Delete(&models.StepExecution{}, "job_id IN ?", jobIDs).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Job{}, "id IN ?", jobIDs)
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, storageErr("delete jobs before cutoff", err)
	}
	return deleted, nil
}

// DeleteLedgerEntriesBefore removes cost records older than the ledger
// retention cutoff.
func (db *GormDB) DeleteLedgerEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := db.db.WithContext(ctx).
		Delete(&models.CostLedgerEntry{}, "created_at < ?", cutoff)
	if result.Error != nil {
		return 0, storageErr("delete ledger entries before cutoff", result.Error)
	}
	return result.RowsAffected, nil
}
