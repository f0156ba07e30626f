// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/crypto"
	"github.com/Dropicx/docworker-sub003/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database connection and the field-level encryption
// codec. All reads and writes of sensitive columns (jobs.file_content,
// step_executions.input_text / output_text) go through this layer; nothing
// else in the process touches ciphertext.
type GormDB struct {
	db    *gorm.DB
	codec *crypto.Codec
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig, codec *crypto.Codec) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db, codec: codec}, nil
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	if err := db.db.AutoMigrate(
		&models.ModelSpec{},
		&models.DocumentClass{},
		&models.PipelineStep{},
		&models.Job{},
		&models.StepExecution{},
		&models.CostLedgerEntry{},
	); err != nil {
		return err
	}

	// Migration path for existing databases: replays of a step attempt must
	// upsert, never duplicate.
	if !db.db.Migrator().HasIndex(&models.StepExecution{}, "idx_step_executions_job_order_attempt") {
		if err := db.db.Migrator().CreateIndex(&models.StepExecution{}, "idx_step_executions_job_order_attempt"); err != nil {
			return fmt.Errorf("failed to create step_executions attempt index (job_id, step_order, attempt): %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// Job Operations
// ============================================================================

// CreateJob persists a new job. job.FileContent is taken as plaintext,
// encrypted, and replaced with the stored ciphertext before insert.
func (db *GormDB) CreateJob(ctx context.Context, job *models.Job) error {
	ciphertext, err := db.codec.EncryptBytes(job.FileContent)
	if err != nil {
		return storageErr("create job", err)
	}
	job.FileContent = ciphertext

	if err := db.db.WithContext(ctx).Create(job).Error; err != nil {
		return storageErr("create job", err)
	}
	return nil
}

// GetJob retrieves a job by primary key with FileContent decrypted into the
// returned detached copy.
func (db *GormDB) GetJob(ctx context.Context, jobID uint) (*models.Job, error) {
	var job models.Job
	err := db.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get job", err)
	}
	return db.decryptJob(&job)
}

// GetJobByProcessingID retrieves a job by its public processing ID with
// FileContent decrypted.
func (db *GormDB) GetJobByProcessingID(ctx context.Context, processingID string) (*models.Job, error) {
	var job models.Job
	err := db.db.WithContext(ctx).First(&job, "processing_id = ?", processingID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get job by processing id", err)
	}
	return db.decryptJob(&job)
}

// GetJobMetadata retrieves a job by processing ID without loading or
// decrypting the document bytes. Status polling uses this path.
func (db *GormDB) GetJobMetadata(ctx context.Context, processingID string) (*models.Job, error) {
	var job models.Job
	err := db.db.WithContext(ctx).
		Omit("file_content").
		First(&job, "processing_id = ?", processingID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get job metadata", err)
	}
	return &job, nil
}

// ListRecentJobs returns job metadata (no file content) ordered newest first.
func (db *GormDB) ListRecentJobs(ctx context.Context, limit int) ([]models.Job, error) {
	var jobs []models.Job
	query := db.db.WithContext(ctx).
		Omit("file_content").
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, storageErr("list recent jobs", err)
	}
	return jobs, nil
}

func (db *GormDB) decryptJob(job *models.Job) (*models.Job, error) {
	plaintext, err := db.codec.DecryptBytes(job.FileContent, "jobs.file_content")
	if err != nil {
		return nil, err
	}
	job.FileContent = plaintext
	return job, nil
}

// RawFileCiphertext returns the stored jobs.file_content bytes without
// decryption. Exists so tests can verify ciphertext-at-rest.
func (db *GormDB) RawFileCiphertext(ctx context.Context, jobID uint) ([]byte, error) {
	var job models.Job
	err := db.db.WithContext(ctx).
		Select("file_content").
		First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("raw file ciphertext", err)
	}
	return job.FileContent, nil
}

// UpdateJobFields writes exactly the named columns of one job and nothing
// else. A "file_content" value is encrypted before it hits the UPDATE; all
// other values pass through untouched.
func (db *GormDB) UpdateJobFields(ctx context.Context, jobID uint, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	updates := make(map[string]any, len(fields))
	for column, value := range fields {
		if column == "file_content" {
			plaintext, ok := value.([]byte)
			if !ok {
				return storageErr("update job fields", fmt.Errorf("file_content must be []byte, got %T", value))
			}
			ciphertext, err := db.codec.EncryptBytes(plaintext)
			if err != nil {
				return storageErr("update job fields", err)
			}
			updates[column] = ciphertext
			continue
		}
		updates[column] = value
	}

	result := db.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", jobID).
		Updates(updates)
	if result.Error != nil {
		return storageErr("update job fields", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobProgress advances a job's progress percentage. Progress is
// monotone: a write with a lower value than the stored one is a silent no-op,
// so late duplicate activity completions cannot move the bar backwards.
func (db *GormDB) UpdateJobProgress(ctx context.Context, jobID uint, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	err := db.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND progress_percent < ?", jobID, percent).
		Update("progress_percent", percent).Error
	return storageErr("update job progress", err)
}

// transitionSources returns the statuses from which next is reachable.
func transitionSources(next models.JobStatus) []models.JobStatus {
	all := []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusQueued,
		models.JobStatusRunning,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusTerminated,
	}
	var sources []models.JobStatus
	for _, s := range all {
		if s.CanTransitionTo(next) {
			sources = append(sources, s)
		}
	}
	return sources
}

// TransitionJobStatus moves a job to the next status, enforcing the state
// machine in the WHERE clause so concurrent writers cannot race a terminal
// state back to life. errorMessage is written only for FAILED and TERMINATED.
func (db *GormDB) TransitionJobStatus(ctx context.Context, jobID uint, next models.JobStatus, errorMessage string) error {
	updates := map[string]any{
		"status": next,
	}
	switch next {
	case models.JobStatusFailed, models.JobStatusTerminated:
		if errorMessage != "" {
			updates["error_message"] = errorMessage
		}
	case models.JobStatusCompleted:
		updates["progress_percent"] = 100
	}

	result := db.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", jobID, transitionSources(next)).
		Updates(updates)
	if result.Error != nil {
		return storageErr("transition job status", result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish a missing job from a guarded transition.
		var count int64
		if err := db.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ?", jobID).Count(&count).Error; err != nil {
			return storageErr("transition job status", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return fmt.Errorf("%w: job %d -> %s", ErrInvalidTransition, jobID, next)
	}
	return nil
}

// SetJobResult writes the result payload of a completed pipeline in the same
// UPDATE as the terminal transition, so readers never observe COMPLETED
// without its result.
func (db *GormDB) SetJobResult(ctx context.Context, jobID uint, next models.JobStatus, result models.JSONMap, errorMessage string) error {
	updates := map[string]any{
		"status":      next,
		"result_data": result,
	}
	switch next {
	case models.JobStatusCompleted:
		updates["progress_percent"] = 100
	case models.JobStatusFailed, models.JobStatusTerminated:
		if errorMessage != "" {
			updates["error_message"] = errorMessage
		}
	}

	res := db.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", jobID, transitionSources(next)).
		Updates(updates)
	if res.Error != nil {
		return storageErr("set job result", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %d -> %s", ErrInvalidTransition, jobID, next)
	}
	return nil
}

// ============================================================================
// StepExecution Operations
// ============================================================================

// RecordStepExecution inserts or updates the execution row for one step
// attempt. Input and output texts are encrypted before write; the upsert key
// (job_id, step_order, attempt) makes redelivered activity completions
// idempotent.
func (db *GormDB) RecordStepExecution(ctx context.Context, exec *models.StepExecution, inputText, outputText string) error {
	var err error
	exec.InputText, err = db.codec.EncryptString(inputText)
	if err != nil {
		return storageErr("record step execution", err)
	}
	exec.OutputText, err = db.codec.EncryptString(outputText)
	if err != nil {
		return storageErr("record step execution", err)
	}

	err = db.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}, {Name: "step_order"}, {Name: "attempt"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"step_name",
				"input_text",
				"output_text",
				"status",
				"error_message",
				"started_at",
				"finished_at",
			}),
		}).
		Create(exec).Error
	return storageErr("record step execution", err)
}

// GetStepExecutions returns all execution attempts for a job ordered by step
// then attempt. Text columns stay encrypted; use DecryptStepTexts to read
// them.
func (db *GormDB) GetStepExecutions(ctx context.Context, jobID uint) ([]models.StepExecution, error) {
	var execs []models.StepExecution
	err := db.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("step_order ASC, attempt ASC").
		Find(&execs).Error
	if err != nil {
		return nil, storageErr("get step executions", err)
	}
	return execs, nil
}

// DecryptStepTexts decrypts the input and output texts of one execution row.
func (db *GormDB) DecryptStepTexts(exec *models.StepExecution) (input, output string, err error) {
	input, err = db.codec.DecryptString(exec.InputText, "step_executions.input_text")
	if err != nil {
		return "", "", err
	}
	output, err = db.codec.DecryptString(exec.OutputText, "step_executions.output_text")
	if err != nil {
		return "", "", err
	}
	return input, output, nil
}
