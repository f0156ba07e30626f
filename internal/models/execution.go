// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"
)

// StepStatus represents the status of a single step execution attempt.
type StepStatus string

const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusRunning    StepStatus = "RUNNING"
	StepStatusCompleted  StepStatus = "COMPLETED"
	StepStatusFailed     StepStatus = "FAILED"
	StepStatusSkipped    StepStatus = "SKIPPED"
	StepStatusTerminated StepStatus = "TERMINATED"
)

// IsTerminal reports whether a step execution status is final.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusTerminated:
		return true
	default:
		return false
	}
}

// StepExecution is one attempted invocation of one step for one job.
// (JobID, StepOrder, Attempt) is unique: a retry is a new row, and replays of
// the same attempt after a broker redelivery upsert rather than duplicate.
//
// InputText and OutputText hold ciphertext at rest; the database layer
// encrypts on write and decrypts into the returned detached value on load.
type StepExecution struct {
	ID    uint `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID uint `gorm:"not null;index;uniqueIndex:idx_step_executions_job_order_attempt" json:"job_id"`

	StepName  string `gorm:"type:text;not null" json:"step_name"`
	StepOrder int    `gorm:"not null;uniqueIndex:idx_step_executions_job_order_attempt" json:"step_order"`
	Attempt   int    `gorm:"not null;default:1;uniqueIndex:idx_step_executions_job_order_attempt" json:"attempt"`

	InputText  []byte `gorm:"type:blob" json:"-"` // sensitive: encrypted at rest
	OutputText []byte `gorm:"type:blob" json:"-"` // sensitive: encrypted at rest

	Status       StepStatus `gorm:"type:text;not null;default:PENDING" json:"status"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`

	StartedAt  *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"type:timestamp" json:"finished_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for StepExecution
func (StepExecution) TableName() string {
	return "step_executions"
}

// CostLedgerEntry is an immutable accounting record for one LLM call.
// Inserts only: there are no update or delete operations outside retention
// cleanup. Costs are snapshotted from ModelSpec pricing at call time.
type CostLedgerEntry struct {
	ID    uint `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID uint `gorm:"not null;index" json:"job_id"`

	StepName string `gorm:"type:text;not null" json:"step_name"`

	InputTokens  int `gorm:"not null" json:"input_tokens"`
	OutputTokens int `gorm:"not null" json:"output_tokens"`
	TotalTokens  int `gorm:"not null" json:"total_tokens"`

	InputCostUSD  float64 `gorm:"not null" json:"input_cost_usd"`
	OutputCostUSD float64 `gorm:"not null" json:"output_cost_usd"`
	TotalCostUSD  float64 `gorm:"not null" json:"total_cost_usd"`

	ModelProvider string `gorm:"type:text" json:"model_provider"`
	ModelName     string `gorm:"type:text;index" json:"model_name"`

	ProcessingTimeSeconds float64 `gorm:"not null;default:0" json:"processing_time_seconds"`
	DocumentType          string  `gorm:"type:text" json:"document_type,omitempty"`

	Metadata JSONMap `gorm:"type:text" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName returns the table name for CostLedgerEntry
func (CostLedgerEntry) TableName() string {
	return "cost_ledger_entries"
}
