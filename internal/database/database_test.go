// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"testing"
	"time"

	"github.com/Dropicx/docworker-sub003/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T, db *GormDB, content []byte) *models.Job {
	t.Helper()
	job := &models.Job{
		ProcessingID: uuid.NewString(),
		Filename:     "arztbrief.pdf",
		FileContent:  content,
		MimeType:     "application/pdf",
		Status:       models.JobStatusPending,
		ProcessingOptions: models.JSONMap{
			models.OptionTargetLanguage: "de",
		},
	}
	require.NoError(t, db.CreateJob(context.Background(), job))
	return job
}

func TestCreateJob_EncryptsFileContentAtRest(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	plaintext := []byte("Sehr geehrte Kollegin, wir berichten ueber...")
	job := newTestJob(t, fixture.DB, append([]byte(nil), plaintext...))

	// The stored column must be ciphertext, not the document.
	raw, err := fixture.DB.RawFileCiphertext(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, raw)
	assert.NotContains(t, string(raw), "Kollegin")

	// And it must decrypt back with the fixture codec.
	decrypted, err := fixture.Codec.DecryptBytes(raw, "jobs.file_content")
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestGetJob_DecryptsFileContent(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	plaintext := []byte("laboratory results follow")
	created := newTestJob(t, fixture.DB, append([]byte(nil), plaintext...))

	loaded, err := fixture.DB.GetJobByProcessingID(ctx, created.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, loaded.FileContent)
	assert.Equal(t, created.ID, loaded.ID)

	_, err = fixture.DB.GetJobByProcessingID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetJobMetadata_SkipsFileContent(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	created := newTestJob(t, fixture.DB, []byte("document body"))

	meta, err := fixture.DB.GetJobMetadata(ctx, created.ProcessingID)
	require.NoError(t, err)
	assert.Empty(t, meta.FileContent)
	assert.Equal(t, models.JobStatusPending, meta.Status)
}

func TestUpdateJobFields_IsSurgical(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	job := newTestJob(t, fixture.DB, []byte("original document"))

	before, err := fixture.DB.RawFileCiphertext(ctx, job.ID)
	require.NoError(t, err)

	// Updating an unrelated column must not touch the ciphertext bytes:
	// no decrypt/re-encrypt cycle for columns the update does not name.
	err = fixture.DB.UpdateJobFields(ctx, job.ID, map[string]any{
		"error_message": "transient provider error",
	})
	require.NoError(t, err)

	after, err := fixture.DB.RawFileCiphertext(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "file_content ciphertext must be byte-for-byte unchanged")

	loaded, err := fixture.DB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "transient provider error", loaded.ErrorMessage)
}

func TestUpdateJobFields_ReencryptsFileContent(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	job := newTestJob(t, fixture.DB, []byte("v1"))

	err := fixture.DB.UpdateJobFields(ctx, job.ID, map[string]any{
		"file_content": []byte("v2 replacement"),
	})
	require.NoError(t, err)

	loaded, err := fixture.DB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2 replacement"), loaded.FileContent)

	err = fixture.DB.UpdateJobFields(ctx, 99999, map[string]any{"error_message": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobProgress_IsMonotone(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	job := newTestJob(t, fixture.DB, []byte("doc"))

	require.NoError(t, fixture.DB.UpdateJobProgress(ctx, job.ID, 40))
	require.NoError(t, fixture.DB.UpdateJobProgress(ctx, job.ID, 20)) // late duplicate, silent no-op
	require.NoError(t, fixture.DB.UpdateJobProgress(ctx, job.ID, 60))

	loaded, err := fixture.DB.GetJobMetadata(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, 60, loaded.ProgressPercent)
}

func TestTransitionJobStatus_EnforcesStateMachine(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	job := newTestJob(t, fixture.DB, []byte("doc"))

	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, job.ID, models.JobStatusQueued, ""))
	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, job.ID, models.JobStatusRunning, ""))
	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, job.ID, models.JobStatusCompleted, ""))

	// Terminal states are absorbing.
	err := fixture.DB.TransitionJobStatus(ctx, job.ID, models.JobStatusFailed, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	loaded, err := fixture.DB.GetJobMetadata(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, loaded.Status)
	assert.Equal(t, 100, loaded.ProgressPercent)
	assert.Empty(t, loaded.ErrorMessage)

	err = fixture.DB.TransitionJobStatus(ctx, 99999, models.JobStatusQueued, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionJobStatus_FailedReachableFromAnyNonTerminal(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	job := newTestJob(t, fixture.DB, []byte("doc"))

	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, job.ID, models.JobStatusFailed, "upload validation"))

	loaded, err := fixture.DB.GetJobMetadata(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, loaded.Status)
	assert.Equal(t, "upload validation", loaded.ErrorMessage)
}

func TestSetJobResult_WritesResultWithTerminalStatus(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	job := newTestJob(t, fixture.DB, []byte("doc"))
	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, job.ID, models.JobStatusQueued, ""))
	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, job.ID, models.JobStatusRunning, ""))

	err := fixture.DB.SetJobResult(ctx, job.ID, models.JobStatusCompleted, models.JSONMap{
		"final_text":    "Vereinfachter Befund",
		"document_type": "ARZTBRIEF",
	}, "")
	require.NoError(t, err)

	loaded, err := fixture.DB.GetJobMetadata(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, loaded.Status)
	text, ok := loaded.ResultData.GetString("final_text")
	require.True(t, ok)
	assert.Equal(t, "Vereinfachter Befund", text)
}

func TestRecordStepExecution_UpsertsAndEncrypts(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	job := newTestJob(t, fixture.DB, []byte("doc"))

	now := time.Now()
	exec := &models.StepExecution{
		JobID:     job.ID,
		StepName:  "translate",
		StepOrder: 2,
		Attempt:   1,
		Status:    models.StepStatusRunning,
		StartedAt: &now,
	}
	require.NoError(t, fixture.DB.RecordStepExecution(ctx, exec, "patient input", ""))

	// Redelivered completion for the same attempt must update in place.
	done := time.Now()
	final := &models.StepExecution{
		JobID:      job.ID,
		StepName:   "translate",
		StepOrder:  2,
		Attempt:    1,
		Status:     models.StepStatusCompleted,
		StartedAt:  &now,
		FinishedAt: &done,
	}
	require.NoError(t, fixture.DB.RecordStepExecution(ctx, final, "patient input", "translated output"))

	execs, err := fixture.DB.GetStepExecutions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, models.StepStatusCompleted, execs[0].Status)

	// Text columns are ciphertext on the row and decrypt via the db layer.
	assert.NotEqual(t, []byte("patient input"), execs[0].InputText)
	input, output, err := fixture.DB.DecryptStepTexts(&execs[0])
	require.NoError(t, err)
	assert.Equal(t, "patient input", input)
	assert.Equal(t, "translated output", output)
}

func TestRecordStepExecution_RetriesAreSeparateRows(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	job := newTestJob(t, fixture.DB, []byte("doc"))

	first := &models.StepExecution{
		JobID: job.ID, StepName: "simplify", StepOrder: 3, Attempt: 1,
		Status: models.StepStatusFailed, ErrorMessage: "provider timeout",
	}
	require.NoError(t, fixture.DB.RecordStepExecution(ctx, first, "in", ""))

	second := &models.StepExecution{
		JobID: job.ID, StepName: "simplify", StepOrder: 3, Attempt: 2,
		Status: models.StepStatusCompleted,
	}
	require.NoError(t, fixture.DB.RecordStepExecution(ctx, second, "in", "out"))

	execs, err := fixture.DB.GetStepExecutions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, 1, execs[0].Attempt)
	assert.Equal(t, models.StepStatusFailed, execs[0].Status)
	assert.Equal(t, 2, execs[1].Attempt)
	assert.Equal(t, models.StepStatusCompleted, execs[1].Status)
}

func TestLedger_TotalsAndGrouping(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	job := newTestJob(t, fixture.DB, []byte("doc"))

	entries := []models.CostLedgerEntry{
		{JobID: job.ID, StepName: "translate", InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500, InputCostUSD: 0.003, OutputCostUSD: 0.0075, TotalCostUSD: 0.0105, ModelName: "claude-sonnet"},
		{JobID: job.ID, StepName: "simplify", InputTokens: 800, OutputTokens: 400, TotalTokens: 1200, InputCostUSD: 0.0024, OutputCostUSD: 0.006, TotalCostUSD: 0.0084, ModelName: "claude-sonnet"},
		{JobID: job.ID, StepName: "classify", InputTokens: 200, OutputTokens: 10, TotalTokens: 210, InputCostUSD: 0.0002, OutputCostUSD: 0.0000375, TotalCostUSD: 0.0002375, ModelName: "claude-haiku"},
	}
	for i := range entries {
		require.NoError(t, fixture.DB.InsertLedgerEntry(ctx, &entries[i]))
	}

	since := time.Now().Add(-time.Hour)
	until := time.Now().Add(time.Hour)

	totals, err := fixture.DB.SumLedger(ctx, since, until)
	require.NoError(t, err)
	assert.Equal(t, int64(3), totals.Entries)
	assert.Equal(t, int64(2000), totals.InputTokens)
	assert.Equal(t, int64(910), totals.OutputTokens)
	// total_tokens is always the sum of input and output tokens.
	assert.Equal(t, totals.InputTokens+totals.OutputTokens, totals.TotalTokens)
	assert.InDelta(t, 0.0191375, totals.TotalCostUSD, 1e-9)

	byModel, err := fixture.DB.LedgerByModel(ctx, since, until)
	require.NoError(t, err)
	require.Len(t, byModel, 2)
	assert.Equal(t, "claude-sonnet", byModel[0].Key)
	assert.Equal(t, int64(2), byModel[0].Entries)
	assert.InDelta(t, 0.0189, byModel[0].TotalCostUSD, 1e-9)

	byStep, err := fixture.DB.LedgerByStep(ctx, since, until)
	require.NoError(t, err)
	assert.Len(t, byStep, 3)

	perJob, err := fixture.DB.LedgerEntriesForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, perJob, 3)
}

func TestMarkOrphanedJobs(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	stale := newTestJob(t, fixture.DB, []byte("doc"))
	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, stale.ID, models.JobStatusRunning, ""))
	// Backdate the heartbeat timestamp past the stale threshold.
	require.NoError(t, fixture.DB.db.Model(&models.Job{}).
		Where("id = ?", stale.ID).
		UpdateColumn("updated_at", time.Now().Add(-2*time.Hour)).Error)

	fresh := newTestJob(t, fixture.DB, []byte("doc"))
	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, fresh.ID, models.JobStatusRunning, ""))

	marked, err := fixture.DB.MarkOrphanedJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	staleLoaded, err := fixture.DB.GetJobMetadata(ctx, stale.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, staleLoaded.Status)
	assert.Equal(t, OrphanedJobError, staleLoaded.ErrorMessage)

	freshLoaded, err := fixture.DB.GetJobMetadata(ctx, fresh.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, freshLoaded.Status)
}

func TestDeleteJobsBefore_TerminalOnlyWithChildren(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	old := newTestJob(t, fixture.DB, []byte("doc"))
	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, old.ID, models.JobStatusFailed, "x"))
	require.NoError(t, fixture.DB.RecordStepExecution(ctx, &models.StepExecution{
		JobID: old.ID, StepName: "sanitize", StepOrder: 1, Attempt: 1, Status: models.StepStatusCompleted,
	}, "in", "out"))
	require.NoError(t, fixture.DB.InsertLedgerEntry(ctx, &models.CostLedgerEntry{
		JobID: old.ID, StepName: "sanitize", TotalTokens: 10,
	}))
	// Backdate past the retention cutoff.
	require.NoError(t, fixture.DB.db.Model(&models.Job{}).
		Where("id = ?", old.ID).
		UpdateColumn("created_at", time.Now().AddDate(0, 0, -30)).Error)

	// A RUNNING job past the cutoff is never reaped by retention.
	running := newTestJob(t, fixture.DB, []byte("doc"))
	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, running.ID, models.JobStatusRunning, ""))
	require.NoError(t, fixture.DB.db.Model(&models.Job{}).
		Where("id = ?", running.ID).
		UpdateColumn("created_at", time.Now().AddDate(0, 0, -30)).Error)

	deleted, err := fixture.DB.DeleteJobsBefore(ctx, time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = fixture.DB.GetJobMetadata(ctx, old.ProcessingID)
	assert.ErrorIs(t, err, ErrNotFound)

	execs, err := fixture.DB.GetStepExecutions(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, execs)

	// Ledger entries outlive their job until ledger retention expires them.
	entries, err := fixture.DB.LedgerEntriesForJob(ctx, old.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	expired, err := fixture.DB.DeleteLedgerEntriesBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	_, err = fixture.DB.GetJobMetadata(ctx, running.ProcessingID)
	require.NoError(t, err)
}

func TestDocumentClass_SystemClassCannotBeDeleted(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	system := &models.DocumentClass{ClassKey: "ARZTBRIEF", DisplayName: "Arztbrief", IsEnabled: true, IsSystemClass: true}
	require.NoError(t, fixture.DB.SaveDocumentClass(ctx, system))

	custom := &models.DocumentClass{ClassKey: "IMPFPASS", DisplayName: "Impfpass", IsEnabled: true}
	require.NoError(t, fixture.DB.SaveDocumentClass(ctx, custom))

	err := fixture.DB.DeleteDocumentClass(ctx, system.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system class")

	require.NoError(t, fixture.DB.DeleteDocumentClass(ctx, custom.ID))
	_, err = fixture.DB.GetDocumentClassByKey(ctx, "IMPFPASS")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavePipelineStep_Validates(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	defer fixture.Cleanup()
	ctx := context.Background()

	model := &models.ModelSpec{Provider: "anthropic", Name: "claude-sonnet", MaxTokens: 8192, PriceInputPer1MTokens: 3, PriceOutputPer1MTokens: 15}
	require.NoError(t, fixture.DB.SaveModelSpec(ctx, model))

	bad := &models.PipelineStep{
		Order: 1, Name: "translate", ModelID: model.ID,
		PromptTemplate: "no placeholder here", OutputFormat: models.OutputFormatText,
	}
	err := fixture.DB.SavePipelineStep(ctx, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{input_text}")

	good := &models.PipelineStep{
		Order: 1, Name: "translate", ModelID: model.ID, Enabled: true,
		PromptTemplate: "Translate to {target_language}:\n\n{input_text}",
		OutputFormat:   models.OutputFormatText,
	}
	require.NoError(t, fixture.DB.SavePipelineStep(ctx, good))

	steps, err := fixture.DB.GetEnabledPipelineSteps(ctx)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].Model)
	assert.Equal(t, "claude-sonnet", steps[0].Model.Name)
}
