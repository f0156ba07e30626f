// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a document processing job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusTerminated JobStatus = "TERMINATED"
)

// IsTerminal reports whether the status is absorbing: no transitions leave it.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTerminated:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the job state machine permits moving from s
// to next. Terminal states are absorbing; the only legal paths are
// PENDING → QUEUED → RUNNING → {COMPLETED, FAILED, TERMINATED}, with FAILED
// reachable from any non-terminal state (timeouts, orphan cleanup).
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case JobStatusQueued:
		return s == JobStatusPending
	case JobStatusRunning:
		return s == JobStatusQueued || s == JobStatusPending
	case JobStatusCompleted, JobStatusTerminated:
		return s == JobStatusRunning
	case JobStatusFailed:
		return true
	default:
		return false
	}
}

// Recognized processing option keys. Anything else in the options map is
// preserved but ignored by the executor.
const (
	OptionTargetLanguage   = "target_language"
	OptionDocumentTypeHint = "document_type_hint"
)

// Job is a single document processing request.
//
// FileContent always holds ciphertext at rest; the database layer encrypts on
// create and decrypts into the returned detached value on load. No component
// other than internal/database may write this column.
type Job struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ProcessingID string `gorm:"type:text;not null;uniqueIndex" json:"processing_id"`

	Filename    string `gorm:"type:text;not null" json:"filename"`
	FileContent []byte `gorm:"type:blob" json:"-"` // sensitive: encrypted at rest
	MimeType    string `gorm:"type:text" json:"mime_type"`

	Status          JobStatus `gorm:"type:text;not null;default:PENDING;index" json:"status"`
	ProgressPercent int       `gorm:"not null;default:0" json:"progress_percent"`

	ProcessingOptions JSONMap `gorm:"type:text" json:"processing_options"`
	ResultData        JSONMap `gorm:"type:text" json:"result_data"`
	ErrorMessage      string  `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	StepExecutions []StepExecution   `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"step_executions,omitempty"`
	LedgerEntries  []CostLedgerEntry `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for Job
func (Job) TableName() string {
	return "jobs"
}

// TargetLanguage returns the job's target_language option, if set.
func (j *Job) TargetLanguage() (string, bool) {
	return j.ProcessingOptions.GetString(OptionTargetLanguage)
}

// DocumentTypeHint returns the job's document_type_hint option, if set.
func (j *Job) DocumentTypeHint() (string, bool) {
	return j.ProcessingOptions.GetString(OptionDocumentTypeHint)
}
