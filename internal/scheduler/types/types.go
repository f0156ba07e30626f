// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package types holds the workflow and activity payload types. Payloads
// transit the Temporal server, so they carry identifiers and counters only,
// never document text, decrypted or otherwise.
package types

// ProcessDocumentInput starts one document processing workflow.
type ProcessDocumentInput struct {
	ProcessingID string `json:"processing_id"`
	// PipelineTaskQueue routes the long-running pipeline activity to the
	// bounded worker pool queue.
	PipelineTaskQueue string `json:"pipeline_task_queue"`
	// JobTimeoutSeconds is the wall-clock budget for the pipeline activity.
	JobTimeoutSeconds int `json:"job_timeout_seconds"`
	// HeartbeatTimeoutSeconds is how long the pipeline activity may go
	// silent before the scheduler considers its worker dead.
	HeartbeatTimeoutSeconds int `json:"heartbeat_timeout_seconds"`
}

// ProcessDocumentOutput summarizes the workflow result.
type ProcessDocumentOutput struct {
	ProcessingID string `json:"processing_id"`
	Status       string `json:"status"` // terminal job status
	ErrorMessage string `json:"error_message,omitempty"`
}

// ClaimJobInput marks a job as picked up by a worker.
type ClaimJobInput struct {
	ProcessingID string `json:"processing_id"`
}

// ClaimJobOutput reports the claim result.
type ClaimJobOutput struct {
	JobID uint `json:"job_id"`
	// AlreadyTerminal is set when a redelivered task finds the job already
	// finished; the workflow exits without reprocessing.
	AlreadyTerminal bool   `json:"already_terminal"`
	Status          string `json:"status"`
}

// ValidateDocumentInput checks that a job's upload yields usable text.
type ValidateDocumentInput struct {
	ProcessingID string `json:"processing_id"`
}

// ValidateDocumentOutput carries extraction metadata only; the text itself
// never leaves the activity.
type ValidateDocumentOutput struct {
	TextChars  int     `json:"text_chars"`
	Confidence float64 `json:"confidence"`
}

// RunPipelineInput runs the full pipeline for one claimed job.
type RunPipelineInput struct {
	ProcessingID string `json:"processing_id"`
}

// RunPipelineOutput reports the pipeline verdict. The result payload is
// written to the job row inside the activity.
type RunPipelineOutput struct {
	Status            string `json:"status"` // COMPLETED, FAILED, TERMINATED
	FailedStep        string `json:"failed_step,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	TerminationReason string `json:"termination_reason,omitempty"`
}

// FailJobInput transitions a job to FAILED with a message.
type FailJobInput struct {
	ProcessingID string `json:"processing_id"`
	ErrorMessage string `json:"error_message"`
}

// PipelineHeartbeat is the detail recorded with each activity heartbeat.
type PipelineHeartbeat struct {
	CompletedSteps int `json:"completed_steps"`
	TotalSteps     int `json:"total_steps"`
}

// CleanupOutput reports how many rows a maintenance pass touched.
type CleanupOutput struct {
	Affected int64 `json:"affected"`
}
