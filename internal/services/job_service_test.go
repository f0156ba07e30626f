// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/models"
)

type fakeScheduler struct {
	enqueued   []string
	cancelled  []string
	enqueueErr error
}

func (f *fakeScheduler) EnqueueJob(_ context.Context, processingID string) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, processingID)
	return nil
}

func (f *fakeScheduler) CancelJob(_ context.Context, processingID string) error {
	f.cancelled = append(f.cancelled, processingID)
	return nil
}

func setupJobService(t *testing.T) (*JobService, *fakeScheduler, *database.GormDB) {
	t.Helper()
	fixture := database.UseFreshInMemoryDatabase(t)
	t.Cleanup(fixture.Cleanup)
	scheduler := &fakeScheduler{}
	return NewJobService(fixture.DB, scheduler), scheduler, fixture.DB
}

func validUpload() UploadRequest {
	return UploadRequest{
		Filename: "arztbrief.txt",
		MimeType: "text/plain",
		Content:  []byte("Sehr geehrte Kollegin, wir berichten über Ihren Patienten."),
		Options: models.JSONMap{
			models.OptionTargetLanguage: "de",
		},
	}
}

func TestUpload_CreatesQueuedJob(t *testing.T) {
	svc, scheduler, db := setupJobService(t)
	ctx := context.Background()

	job, err := svc.Upload(ctx, validUpload())
	require.NoError(t, err)

	assert.NotEmpty(t, job.ProcessingID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Nil(t, job.FileContent, "upload response must not carry content")
	assert.Equal(t, []string{job.ProcessingID}, scheduler.enqueued)

	stored, err := db.GetJobByProcessingID(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Equal(t, "Sehr geehrte Kollegin, wir berichten über Ihren Patienten.", string(stored.FileContent))
}

func TestUpload_Validation(t *testing.T) {
	svc, _, _ := setupJobService(t)
	ctx := context.Background()

	req := validUpload()
	req.Filename = ""
	_, err := svc.Upload(ctx, req)
	assert.ErrorIs(t, err, ErrMissingFilename)

	req = validUpload()
	req.Content = nil
	_, err = svc.Upload(ctx, req)
	assert.ErrorIs(t, err, ErrEmptyUpload)

	req = validUpload()
	req.Options = models.JSONMap{models.OptionTargetLanguage: 42}
	_, err = svc.Upload(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidOption)

	req = validUpload()
	req.Options = models.JSONMap{models.OptionDocumentTypeHint: ""}
	_, err = svc.Upload(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidOption)

	// Unknown option keys pass through.
	req = validUpload()
	req.Options = models.JSONMap{"ui_theme": "dark"}
	_, err = svc.Upload(ctx, req)
	assert.NoError(t, err)
}

func TestUpload_EnqueueFailureLeavesJobPending(t *testing.T) {
	svc, scheduler, db := setupJobService(t)
	scheduler.enqueueErr = errors.New("temporal unreachable")
	ctx := context.Background()

	_, err := svc.Upload(ctx, validUpload())
	require.Error(t, err)

	jobs, err := db.ListRecentJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusPending, jobs[0].Status)
}

func TestResult_NotReady(t *testing.T) {
	svc, _, db := setupJobService(t)
	ctx := context.Background()

	job, err := svc.Upload(ctx, validUpload())
	require.NoError(t, err)

	_, err = svc.Result(ctx, job.ProcessingID)
	assert.ErrorIs(t, err, ErrResultNotReady)

	stored, err := db.GetJobByProcessingID(ctx, job.ProcessingID)
	require.NoError(t, err)
	require.NoError(t, db.TransitionJobStatus(ctx, stored.ID, models.JobStatusRunning, ""))
	require.NoError(t, db.SetJobResult(ctx, stored.ID, models.JobStatusCompleted, models.JSONMap{"final_text": "done"}, ""))

	finished, err := svc.Result(ctx, job.ProcessingID)
	require.NoError(t, err)
	text, ok := finished.ResultData.GetString("final_text")
	require.True(t, ok)
	assert.Equal(t, "done", text)
}

func TestCancel(t *testing.T) {
	svc, scheduler, db := setupJobService(t)
	ctx := context.Background()

	job, err := svc.Upload(ctx, validUpload())
	require.NoError(t, err)

	// QUEUED cancels through the scheduler.
	require.NoError(t, svc.Cancel(ctx, job.ProcessingID))
	assert.Equal(t, []string{job.ProcessingID}, scheduler.cancelled)

	// Terminal jobs refuse cancellation.
	stored, err := db.GetJobByProcessingID(ctx, job.ProcessingID)
	require.NoError(t, err)
	require.NoError(t, db.TransitionJobStatus(ctx, stored.ID, models.JobStatusFailed, "cancelled"))
	assert.ErrorIs(t, svc.Cancel(ctx, job.ProcessingID), ErrAlreadyFinished)

	// Unknown jobs surface not-found.
	assert.ErrorIs(t, svc.Cancel(ctx, "missing"), database.ErrNotFound)
}

func TestSteps_ReturnsAuditTrailWithoutTexts(t *testing.T) {
	svc, _, db := setupJobService(t)
	ctx := context.Background()

	job, err := svc.Upload(ctx, validUpload())
	require.NoError(t, err)
	stored, err := db.GetJobByProcessingID(ctx, job.ProcessingID)
	require.NoError(t, err)

	require.NoError(t, db.RecordStepExecution(ctx, &models.StepExecution{
		JobID: stored.ID, StepName: "simplify", StepOrder: 10, Attempt: 1,
		Status: models.StepStatusCompleted,
	}, "geheimer input", "geheimer output"))

	views, err := svc.Steps(ctx, job.ProcessingID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "simplify", views[0].StepName)
	assert.Equal(t, string(models.StepStatusCompleted), views[0].Status)
}
