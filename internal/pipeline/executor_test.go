// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/ledger"
	"github.com/Dropicx/docworker-sub003/internal/llm"
	"github.com/Dropicx/docworker-sub003/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcProvider lets a test script stateful provider behavior.
type funcProvider func(ctx context.Context, req llm.Request) (*llm.Response, error)

func (f funcProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}

type executorFixture struct {
	db       *database.GormDB
	executor *Executor
	job      *models.Job
}

func setupExecutor(t *testing.T, provider llm.Provider, options models.JSONMap) *executorFixture {
	t.Helper()
	fixture := database.UseFreshInMemoryDatabase(t)
	t.Cleanup(fixture.Cleanup)

	job := &models.Job{
		ProcessingID:      uuid.NewString(),
		Filename:          "befund.txt",
		FileContent:       []byte("raw document"),
		Status:            models.JobStatusPending,
		ProcessingOptions: options,
	}
	ctx := context.Background()
	require.NoError(t, fixture.DB.CreateJob(ctx, job))
	require.NoError(t, fixture.DB.TransitionJobStatus(ctx, job.ID, models.JobStatusRunning, ""))

	cfg := &config.PipelineConfig{
		StepTimeout:      time.Minute,
		RetryBackoffBase: time.Millisecond,
	}
	executor := NewExecutor(fixture.DB, provider, ledger.New(fixture.DB, zerolog.Nop()), cfg, zerolog.Nop())
	executor.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	return &executorFixture{db: fixture.DB, executor: executor, job: job}
}

// classifierPipeline builds classify(branch) -> translate(ARZTBRIEF) -> format(post).
func classifierPipeline(t *testing.T) (*Plan, models.DocumentClass) {
	t.Helper()
	arztbrief := models.DocumentClass{ID: 10, ClassKey: "ARZTBRIEF", IsEnabled: true}

	steps := []models.PipelineStep{
		step(1, 10, "classify", func(s *models.PipelineStep) {
			s.IsBranchingStep = true
			s.BranchingField = "document_type"
			s.OutputFormat = models.OutputFormatJSON
			s.RetryOnFailure = true
			s.MaxRetries = 2
		}),
		step(2, 20, "translate", func(s *models.PipelineStep) { s.DocumentClassID = &arztbrief.ID }),
		step(3, 30, "format", func(s *models.PipelineStep) { s.PostBranching = true }),
	}

	plan, err := ResolvePlan(steps, []models.DocumentClass{arztbrief})
	require.NoError(t, err)
	return plan, arztbrief
}

func stepStatuses(t *testing.T, db *database.GormDB, jobID uint) map[string][]models.StepStatus {
	t.Helper()
	execs, err := db.GetStepExecutions(context.Background(), jobID)
	require.NoError(t, err)
	out := map[string][]models.StepStatus{}
	for _, e := range execs {
		out[e.StepName] = append(out[e.StepName], e.Status)
	}
	return out
}

func TestRun_ClassifiedDocumentCompletesAllSteps(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.ScriptedRule{MatchPrompt: "classify", Response: llm.Response{Text: `{"document_type":"arztbrief"}`}},
		llm.ScriptedRule{MatchPrompt: "translate", Response: llm.Response{Text: "übersetzter Text"}},
		llm.ScriptedRule{MatchPrompt: "format", Response: llm.Response{Text: "# Befund\nübersetzter Text"}},
	)
	f := setupExecutor(t, provider, models.JSONMap{})
	plan, _ := classifierPipeline(t)
	ctx := context.Background()

	outcome, err := f.executor.Run(ctx, f.job, "scrubbed input", plan)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)

	dt, _ := outcome.ResultData.GetString("document_type")
	assert.Equal(t, "ARZTBRIEF", dt)
	final, _ := outcome.ResultData.GetString("final_text")
	assert.Equal(t, "# Befund\nübersetzter Text", final)

	statuses := stepStatuses(t, f.db, f.job.ID)
	assert.Equal(t, []models.StepStatus{models.StepStatusCompleted}, statuses["classify"])
	assert.Equal(t, []models.StepStatus{models.StepStatusCompleted}, statuses["translate"])
	assert.Equal(t, []models.StepStatus{models.StepStatusCompleted}, statuses["format"])

	// One ledger entry per LLM call.
	entries, err := f.db.LedgerEntriesForJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	meta, err := f.db.GetJobMetadata(ctx, f.job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, 100, meta.ProgressPercent)
}

func TestRun_UnknownClassSkipsClassSegment(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.ScriptedRule{MatchPrompt: "classify", Response: llm.Response{Text: `{"document_type":"UNKNOWN"}`}},
		llm.ScriptedRule{MatchPrompt: "format", Response: llm.Response{Text: "formatted"}},
	)
	f := setupExecutor(t, provider, models.JSONMap{})
	plan, _ := classifierPipeline(t)

	outcome, err := f.executor.Run(context.Background(), f.job, "scrubbed", plan)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)

	statuses := stepStatuses(t, f.db, f.job.ID)
	assert.Equal(t, []models.StepStatus{models.StepStatusCompleted}, statuses["classify"])
	assert.Equal(t, []models.StepStatus{models.StepStatusSkipped}, statuses["translate"])
	assert.Equal(t, []models.StepStatus{models.StepStatusCompleted}, statuses["format"])
}

func TestRun_StopConditionFirstTokenTerminates(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.ScriptedRule{Response: llm.Response{Text: "NON_MEDICAL - invoice"}},
	)
	f := setupExecutor(t, provider, models.JSONMap{})

	steps := []models.PipelineStep{
		step(1, 10, "gatekeeper", func(s *models.PipelineStep) {
			s.StopConditions = &models.StopConditions{
				StopOnValues:       models.StringList{"NON_MEDICAL"},
				TerminationReason:  "non_medical_document",
				TerminationMessage: "Das Dokument ist kein medizinisches Dokument.",
			}
		}),
		step(2, 20, "simplify", nil),
	}
	plan, err := ResolvePlan(steps, nil)
	require.NoError(t, err)

	outcome, err := f.executor.Run(context.Background(), f.job, "an invoice", plan)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusTerminated, outcome.Status)

	reason, _ := outcome.ResultData.GetString("termination_reason")
	assert.Equal(t, "non_medical_document", reason)
	message, _ := outcome.ResultData.GetString("termination_message")
	assert.Equal(t, "Das Dokument ist kein medizinisches Dokument.", message)

	statuses := stepStatuses(t, f.db, f.job.ID)
	assert.Equal(t, []models.StepStatus{models.StepStatusTerminated}, statuses["gatekeeper"])
	// No further step runs after termination.
	assert.NotContains(t, statuses, "simplify")
}

func TestRun_StopValueElsewhereDoesNotTerminate(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.ScriptedRule{Response: llm.Response{Text: "this is NON_MEDICAL content"}},
	)
	f := setupExecutor(t, provider, models.JSONMap{})

	steps := []models.PipelineStep{
		step(1, 10, "gatekeeper", func(s *models.PipelineStep) {
			s.StopConditions = &models.StopConditions{
				StopOnValues:      models.StringList{"NON_MEDICAL"},
				TerminationReason: "non_medical_document",
			}
		}),
	}
	plan, err := ResolvePlan(steps, nil)
	require.NoError(t, err)

	outcome, err := f.executor.Run(context.Background(), f.job, "text", plan)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)
}

func TestRun_GatingSkipsStepWithoutAdvancingInput(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.ScriptedRule{MatchPrompt: "translate", Response: llm.Response{Text: "should never run"}},
		llm.ScriptedRule{Response: llm.Response{Text: "simplified"}},
	)
	f := setupExecutor(t, provider, models.JSONMap{}) // no target_language option

	steps := []models.PipelineStep{
		step(1, 10, "translate", func(s *models.PipelineStep) {
			s.PromptTemplate = "translate to {target_language}: {input_text}"
			s.RequiredContextVariables = models.StringList{VarTargetLanguage}
		}),
		step(2, 20, "simplify", func(s *models.PipelineStep) {
			s.PromptTemplate = "simplify: {input_text}"
		}),
	}
	plan, err := ResolvePlan(steps, nil)
	require.NoError(t, err)

	outcome, err := f.executor.Run(context.Background(), f.job, "original input", plan)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)

	statuses := stepStatuses(t, f.db, f.job.ID)
	assert.Equal(t, []models.StepStatus{models.StepStatusSkipped}, statuses["translate"])
	assert.Equal(t, []models.StepStatus{models.StepStatusCompleted}, statuses["simplify"])

	// The skipped step made no LLM call, and simplify saw the pre-translate text.
	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "simplify: original input")
}

func TestRun_TransientErrorsExhaustRetries(t *testing.T) {
	attempts := 0
	provider := funcProvider(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		attempts++
		return nil, &llm.ProviderError{Provider: "anthropic", StatusCode: 503, Transient: true, Err: assert.AnError}
	})
	f := setupExecutor(t, provider, models.JSONMap{})

	steps := []models.PipelineStep{
		step(1, 10, "simplify", func(s *models.PipelineStep) {
			s.RetryOnFailure = true
			s.MaxRetries = 3
		}),
	}
	plan, err := ResolvePlan(steps, nil)
	require.NoError(t, err)

	outcome, err := f.executor.Run(context.Background(), f.job, "text", plan)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, outcome.Status)
	assert.Equal(t, "simplify", outcome.FailedStep)
	require.Error(t, outcome.Err)

	// 1 initial attempt + 3 retries, each its own row.
	assert.Equal(t, 4, attempts)
	statuses := stepStatuses(t, f.db, f.job.ID)
	assert.Equal(t, []models.StepStatus{
		models.StepStatusFailed, models.StepStatusFailed,
		models.StepStatusFailed, models.StepStatusFailed,
	}, statuses["simplify"])
}

func TestRun_PermanentErrorFailsImmediately(t *testing.T) {
	attempts := 0
	provider := funcProvider(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		attempts++
		return nil, &llm.ProviderError{Provider: "anthropic", StatusCode: 401, Transient: false, Err: assert.AnError}
	})
	f := setupExecutor(t, provider, models.JSONMap{})

	steps := []models.PipelineStep{
		step(1, 10, "simplify", func(s *models.PipelineStep) {
			s.RetryOnFailure = true
			s.MaxRetries = 5
		}),
	}
	plan, err := ResolvePlan(steps, nil)
	require.NoError(t, err)

	outcome, err := f.executor.Run(context.Background(), f.job, "text", plan)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, outcome.Status)
	assert.Equal(t, 1, attempts)
}

func TestRun_InvalidJSONRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	provider := funcProvider(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		attempts++
		if attempts == 1 {
			return &llm.Response{Text: "not json at all", InputTokens: 10, OutputTokens: 4}, nil
		}
		return &llm.Response{Text: "```json\n{\"document_type\":\"ARZTBRIEF\"}\n```", InputTokens: 10, OutputTokens: 8}, nil
	})
	f := setupExecutor(t, provider, models.JSONMap{})
	plan, _ := classifierPipeline(t)

	// Only exercise the branching step; translate/format need their own rules.
	plan.ByClass = map[string][]models.PipelineStep{}
	plan.Post = nil

	outcome, err := f.executor.Run(context.Background(), f.job, "text", plan)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)

	dt, _ := outcome.ResultData.GetString("document_type")
	assert.Equal(t, "ARZTBRIEF", dt)

	statuses := stepStatuses(t, f.db, f.job.ID)
	assert.Equal(t, []models.StepStatus{models.StepStatusFailed, models.StepStatusCompleted}, statuses["classify"])

	// Both attempts consumed tokens and both are billed.
	entries, err := f.db.LedgerEntriesForJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRun_BranchingFailureSkipsClassButRunsPost(t *testing.T) {
	provider := funcProvider(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if strings.Contains(req.Prompt, "classify") {
			return nil, &llm.ProviderError{Provider: "anthropic", StatusCode: 400, Transient: false, Err: assert.AnError}
		}
		return &llm.Response{Text: "formatted anyway", InputTokens: 5, OutputTokens: 2}, nil
	})
	f := setupExecutor(t, provider, models.JSONMap{})
	plan, _ := classifierPipeline(t)

	outcome, err := f.executor.Run(context.Background(), f.job, "text", plan)
	require.NoError(t, err)
	// Branching failure is not job-fatal.
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)

	statuses := stepStatuses(t, f.db, f.job.ID)
	assert.Equal(t, []models.StepStatus{models.StepStatusFailed}, statuses["classify"])
	assert.Equal(t, []models.StepStatus{models.StepStatusSkipped}, statuses["translate"])
	assert.Equal(t, []models.StepStatus{models.StepStatusCompleted}, statuses["format"])

	_, hasType := outcome.ResultData.GetString("document_type")
	assert.False(t, hasType)
}

func TestRun_DocumentTypeHintSkipsBranchingCall(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.ScriptedRule{MatchPrompt: "translate", Response: llm.Response{Text: "übersetzt"}},
		llm.ScriptedRule{MatchPrompt: "format", Response: llm.Response{Text: "formatiert"}},
	)
	f := setupExecutor(t, provider, models.JSONMap{
		models.OptionDocumentTypeHint: "arztbrief",
	})
	plan, _ := classifierPipeline(t)

	outcome, err := f.executor.Run(context.Background(), f.job, "text", plan)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)

	dt, _ := outcome.ResultData.GetString("document_type")
	assert.Equal(t, "ARZTBRIEF", dt)

	statuses := stepStatuses(t, f.db, f.job.ID)
	assert.Equal(t, []models.StepStatus{models.StepStatusSkipped}, statuses["classify"])
	assert.Equal(t, []models.StepStatus{models.StepStatusCompleted}, statuses["translate"])

	// No classify LLM call was made.
	for _, call := range provider.Calls() {
		assert.NotContains(t, call.Prompt, "classify")
	}
}

func TestRun_CancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	provider := funcProvider(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		// Cancel after the first step completes; the executor must stop
		// before invoking the second step.
		cancel()
		return &llm.Response{Text: "out", InputTokens: 1, OutputTokens: 1}, nil
	})
	f := setupExecutor(t, provider, models.JSONMap{})

	steps := []models.PipelineStep{
		step(1, 10, "first", nil),
		step(2, 20, "second", nil),
	}
	plan, err := ResolvePlan(steps, nil)
	require.NoError(t, err)

	_, err = f.executor.Run(ctx, f.job, "text", plan)
	assert.ErrorIs(t, err, context.Canceled)

	statuses := stepStatuses(t, f.db, f.job.ID)
	assert.NotContains(t, statuses, "second")
}

func TestRun_EmptyPlanCompletes(t *testing.T) {
	provider := llm.NewScriptedProvider()
	f := setupExecutor(t, provider, models.JSONMap{})

	plan, err := ResolvePlan(nil, nil)
	require.NoError(t, err)

	outcome, err := f.executor.Run(context.Background(), f.job, "text", plan)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)
	final, _ := outcome.ResultData.GetString("final_text")
	assert.Equal(t, "text", final)
}

func TestRun_HeartbeatObservesProgress(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.ScriptedRule{Response: llm.Response{Text: "out"}})
	f := setupExecutor(t, provider, models.JSONMap{})

	var beats [][2]int
	f.executor.Heartbeat = func(completed, total int) {
		beats = append(beats, [2]int{completed, total})
	}

	steps := []models.PipelineStep{
		step(1, 10, "a", nil),
		step(2, 20, "b", nil),
	}
	plan, err := ResolvePlan(steps, nil)
	require.NoError(t, err)

	_, err = f.executor.Run(context.Background(), f.job, "text", plan)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 2}, {2, 2}}, beats)
}
