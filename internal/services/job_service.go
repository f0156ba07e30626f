// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package services holds the application services between the HTTP layer and
// the storage/scheduling layers.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/logger"
	"github.com/Dropicx/docworker-sub003/internal/models"
)

var (
	jobLog     *zerolog.Logger
	jobLogOnce sync.Once
)

func getJobLog() *zerolog.Logger {
	jobLogOnce.Do(func() {
		l := logger.GetAPILogger().With().Str("component", "job_service").Logger()
		jobLog = &l
	})
	return jobLog
}

// Validation and state errors surfaced to the HTTP layer.
var (
	ErrEmptyUpload     = errors.New("uploaded document is empty")
	ErrMissingFilename = errors.New("filename is required")
	ErrInvalidOption   = errors.New("invalid processing option")
	ErrResultNotReady  = errors.New("job has not finished yet")
	ErrAlreadyFinished = errors.New("job already finished")
)

// Scheduler is the slice of the Temporal client the job service needs.
type Scheduler interface {
	EnqueueJob(ctx context.Context, processingID string) error
	CancelJob(ctx context.Context, processingID string) error
}

// UploadRequest is a document upload.
type UploadRequest struct {
	Filename string
	MimeType string
	Content  []byte
	Options  models.JSONMap
}

// StepView is the external view of one step execution. Step input and output
// text stays encrypted in storage and is not exposed here.
type StepView struct {
	StepName     string     `json:"step_name"`
	StepOrder    int        `json:"step_order"`
	Attempt      int        `json:"attempt"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// JobService covers the job lifecycle from upload to result delivery.
type JobService struct {
	db        *database.GormDB
	scheduler Scheduler
}

// NewJobService creates a new job service
func NewJobService(db *database.GormDB, scheduler Scheduler) *JobService {
	return &JobService{db: db, scheduler: scheduler}
}

// Upload validates the request, stores the job with encrypted content, and
// enqueues it. On enqueue failure the job stays PENDING so a later upload
// retry or manual requeue can pick it up.
func (s *JobService) Upload(ctx context.Context, req UploadRequest) (*models.Job, error) {
	if req.Filename == "" {
		return nil, ErrMissingFilename
	}
	if len(req.Content) == 0 {
		return nil, ErrEmptyUpload
	}
	if err := validateOptions(req.Options); err != nil {
		return nil, err
	}

	job := &models.Job{
		ProcessingID:      uuid.NewString(),
		Filename:          req.Filename,
		FileContent:       req.Content,
		MimeType:          req.MimeType,
		Status:            models.JobStatusPending,
		ProcessingOptions: req.Options,
	}
	if err := s.db.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to store job: %w", err)
	}

	if err := s.scheduler.EnqueueJob(ctx, job.ProcessingID); err != nil {
		getJobLog().Error().Err(err).Str("processing_id", job.ProcessingID).Msg("Failed to enqueue job")
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	if err := s.db.TransitionJobStatus(ctx, job.ID, models.JobStatusQueued, ""); err != nil {
		return nil, fmt.Errorf("failed to mark job queued: %w", err)
	}
	job.Status = models.JobStatusQueued

	getJobLog().Info().
		Str("processing_id", job.ProcessingID).
		Str("filename", job.Filename).
		Int("bytes", len(req.Content)).
		Msg("Job uploaded and enqueued")

	// Detach the plaintext copy; callers only need metadata.
	job.FileContent = nil
	return job, nil
}

// validateOptions checks the recognized processing options. Unknown keys are
// preserved untouched for forward compatibility.
func validateOptions(options models.JSONMap) error {
	for _, key := range []string{models.OptionTargetLanguage, models.OptionDocumentTypeHint} {
		raw, ok := options[key]
		if !ok {
			continue
		}
		str, isString := raw.(string)
		if !isString || str == "" {
			return fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidOption, key)
		}
	}
	return nil
}

// Status returns job metadata (no file content) by processing ID.
func (s *JobService) Status(ctx context.Context, processingID string) (*models.Job, error) {
	return s.db.GetJobMetadata(ctx, processingID)
}

// Result returns the result payload of a finished job. RUNNING jobs report
// ErrResultNotReady.
func (s *JobService) Result(ctx context.Context, processingID string) (*models.Job, error) {
	job, err := s.db.GetJobMetadata(ctx, processingID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, ErrResultNotReady
	}
	return job, nil
}

// Steps returns the audit trail of step executions for a job, every attempt
// as its own row.
func (s *JobService) Steps(ctx context.Context, processingID string) ([]StepView, error) {
	job, err := s.db.GetJobMetadata(ctx, processingID)
	if err != nil {
		return nil, err
	}
	execs, err := s.db.GetStepExecutions(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	views := make([]StepView, 0, len(execs))
	for _, exec := range execs {
		views = append(views, StepView{
			StepName:     exec.StepName,
			StepOrder:    exec.StepOrder,
			Attempt:      exec.Attempt,
			Status:       string(exec.Status),
			ErrorMessage: exec.ErrorMessage,
			StartedAt:    exec.StartedAt,
			FinishedAt:   exec.FinishedAt,
		})
	}
	return views, nil
}

// Cancel requests cancellation of a job. PENDING jobs were never enqueued and
// fail directly; QUEUED/RUNNING jobs go through workflow cancellation.
func (s *JobService) Cancel(ctx context.Context, processingID string) error {
	job, err := s.db.GetJobMetadata(ctx, processingID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return ErrAlreadyFinished
	}

	if job.Status == models.JobStatusPending {
		return s.db.TransitionJobStatus(ctx, job.ID, models.JobStatusFailed, "cancelled")
	}

	if err := s.scheduler.CancelJob(ctx, processingID); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	getJobLog().Info().Str("processing_id", processingID).Msg("Job cancellation requested")
	return nil
}

// ListRecent returns the most recently created jobs (metadata only).
func (s *JobService) ListRecent(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.db.ListRecentJobs(ctx, limit)
}
