// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Dropicx/docworker-sub003/internal/config"
	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/ledger"
	"github.com/Dropicx/docworker-sub003/internal/llm"
	"github.com/Dropicx/docworker-sub003/internal/models"

	"github.com/rs/zerolog"
)

// Outcome is the executor's verdict for one job. The caller (the worker's
// finalize path) translates it into the job's terminal state; the executor
// itself only writes step executions, ledger entries, and progress.
type Outcome struct {
	Status     models.JobStatus
	ResultData models.JSONMap
	FailedStep string
	Err        error
}

// Executor runs a resolved plan for one job, strictly sequentially.
type Executor struct {
	db       *database.GormDB
	provider llm.Provider
	ledger   *ledger.Ledger
	log      zerolog.Logger

	stepTimeout time.Duration
	backoffBase time.Duration

	// Heartbeat, when set, is called after every processed step with
	// (completed, total). The pipeline activity wires Temporal heartbeats
	// through it.
	Heartbeat func(completed, total int)

	// sleep is swapped out by tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor wires an executor from its collaborators and the pipeline
// limits in config.
func NewExecutor(db *database.GormDB, provider llm.Provider, costs *ledger.Ledger, cfg *config.PipelineConfig, log zerolog.Logger) *Executor {
	return &Executor{
		db:          db,
		provider:    provider,
		ledger:      costs,
		log:         log,
		stepTimeout: cfg.StepTimeout,
		backoffBase: cfg.RetryBackoffBase,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run bookkeeping for one job execution.
type run struct {
	job       *models.Job
	rc        *RunContext
	plan      *Plan
	total     int
	completed int
}

// Run executes the plan for one job. scrubbedText is the PII-scrubbed OCR
// output that seeds the run context. The returned error is reserved for
// infrastructure failures (storage errors, cancellation); pipeline-level
// failures come back as an Outcome.
func (e *Executor) Run(ctx context.Context, job *models.Job, scrubbedText string, plan *Plan) (*Outcome, error) {
	r := &run{
		job:  job,
		rc:   NewRunContext(scrubbedText, job.ProcessingOptions),
		plan: plan,
		total: plan.BaseStepCount(),
	}
	if dt, ok := r.rc.DocumentType(); ok {
		// A document_type_hint fixes the class segment up front.
		r.total += len(plan.ClassSegment(dt))
	}

	e.log.Info().
		Uint("job_id", job.ID).
		Str("processing_id", job.ProcessingID).
		Int("base_steps", plan.BaseStepCount()).
		Msg("pipeline run starting")

	// Generic steps ordered before the branching step.
	if outcome, err := e.runSegment(ctx, r, plan.PreBranch, true); outcome != nil || err != nil {
		return outcome, err
	}

	if plan.Branching != nil {
		if outcome, err := e.runBranching(ctx, r); outcome != nil || err != nil {
			return outcome, err
		}
	}

	// Generic steps ordered after the branching step: classification known.
	if outcome, err := e.runSegment(ctx, r, plan.PostBranchPre, true); outcome != nil || err != nil {
		return outcome, err
	}

	dt, classified := r.rc.DocumentType()
	if segment := plan.ClassSegment(dt); classified && len(segment) > 0 {
		if outcome, err := e.runSegment(ctx, r, segment, true); outcome != nil || err != nil {
			return outcome, err
		}
	} else if len(plan.ByClass) > 0 {
		reason := "no classification obtained"
		if classified {
			reason = fmt.Sprintf("no pipeline configured for document class %s", dt)
		}
		if err := e.skipClassSteps(ctx, r, reason); err != nil {
			return nil, err
		}
	}

	if outcome, err := e.runSegment(ctx, r, plan.Post, true); outcome != nil || err != nil {
		return outcome, err
	}

	result := models.JSONMap{
		"final_text":      r.rc.InputText(),
		"steps_total":     r.total,
		"steps_completed": r.completed,
	}
	if dt, ok := r.rc.DocumentType(); ok {
		result["document_type"] = dt
	}

	e.log.Info().
		Uint("job_id", job.ID).
		Int("steps", r.completed).
		Msg("pipeline run completed")

	return &Outcome{Status: models.JobStatusCompleted, ResultData: result}, nil
}

// runSegment executes steps in order. fatal marks whether a step failure
// fails the whole job (true for every segment except the branching step).
// A non-nil Outcome short-circuits the run.
func (e *Executor) runSegment(ctx context.Context, r *run, steps []models.PipelineStep, fatal bool) (*Outcome, error) {
	for i := range steps {
		step := &steps[i]
		result, err := e.runStep(ctx, r, step)
		if err != nil {
			return nil, err
		}
		e.advance(ctx, r)

		switch result.kind {
		case stepCompleted:
			r.rc.AdvanceInput(result.output)
		case stepSkipped:
			// input_text unchanged, next step runs on the same text.
		case stepTerminated:
			return &Outcome{
				Status: models.JobStatusTerminated,
				ResultData: models.JSONMap{
					"termination_reason":  result.termReason,
					"termination_message": result.termMessage,
				},
			}, nil
		case stepFailed:
			if fatal {
				return &Outcome{
					Status:     models.JobStatusFailed,
					FailedStep: step.Name,
					Err:        result.err,
				}, nil
			}
		}
	}
	return nil, nil
}

// runBranching executes the branching step. A hint skips the LLM call; a
// failure skips the class segment but never fails the job.
func (e *Executor) runBranching(ctx context.Context, r *run) (*Outcome, error) {
	step := r.plan.Branching

	if dt, ok := r.rc.DocumentType(); ok {
		// document_type_hint provided: classification already known.
		exec := &models.StepExecution{
			JobID:        r.job.ID,
			StepName:     step.Name,
			StepOrder:    step.Order,
			Attempt:      1,
			Status:       models.StepStatusSkipped,
			ErrorMessage: fmt.Sprintf("skipped: document_type_hint=%s", dt),
		}
		if err := e.db.RecordStepExecution(ctx, exec, r.rc.InputText(), ""); err != nil {
			return nil, err
		}
		e.advance(ctx, r)
		return nil, nil
	}

	result, err := e.runStep(ctx, r, step)
	if err != nil {
		return nil, err
	}
	e.advance(ctx, r)

	switch result.kind {
	case stepTerminated:
		return &Outcome{
			Status: models.JobStatusTerminated,
			ResultData: models.JSONMap{
				"termination_reason":  result.termReason,
				"termination_message": result.termMessage,
			},
		}, nil
	case stepCompleted:
		if dt, ok := captureClassification(result.output, step.BranchingField); ok {
			r.rc.SetDocumentType(dt)
			r.total += len(r.plan.ClassSegment(dt))
			e.log.Info().Uint("job_id", r.job.ID).Str("document_type", dt).Msg("document classified")
		} else {
			e.log.Warn().Uint("job_id", r.job.ID).Msg("no classification captured, skipping class segment")
		}
		r.rc.AdvanceInput(result.output)
	case stepFailed:
		// Branching failure is non-fatal: class segment unreachable, post
		// steps still run.
		e.log.Warn().Err(result.err).Uint("job_id", r.job.ID).Msg("branching step failed, skipping class segment")
	case stepSkipped:
	}
	return nil, nil
}

// advance counts one processed step and pushes monotone progress.
func (e *Executor) advance(ctx context.Context, r *run) {
	r.completed++
	percent := 0
	if r.total > 0 {
		percent = 100 * r.completed / r.total
	}
	if err := e.db.UpdateJobProgress(ctx, r.job.ID, percent); err != nil {
		e.log.Error().Err(err).Uint("job_id", r.job.ID).Msg("failed to update job progress")
	}
	if e.Heartbeat != nil {
		e.Heartbeat(r.completed, r.total)
	}
}

// skipClassSteps records every class-specific step as SKIPPED when the
// by-class portion of the plan is unreachable (no classification, or no
// segment for the captured class).
func (e *Executor) skipClassSteps(ctx context.Context, r *run, reason string) error {
	var all []models.PipelineStep
	for _, segment := range r.plan.ByClass {
		all = append(all, segment...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Order != all[j].Order {
			return all[i].Order < all[j].Order
		}
		return all[i].ID < all[j].ID
	})

	r.total += len(all)
	for i := range all {
		step := &all[i]
		exec := &models.StepExecution{
			JobID:        r.job.ID,
			StepName:     step.Name,
			StepOrder:    step.Order,
			Attempt:      1,
			Status:       models.StepStatusSkipped,
			ErrorMessage: "skipped: " + reason,
		}
		if err := e.db.RecordStepExecution(ctx, exec, r.rc.InputText(), ""); err != nil {
			return err
		}
		e.advance(ctx, r)
	}
	return nil
}

type stepResultKind int

const (
	stepCompleted stepResultKind = iota
	stepSkipped
	stepTerminated
	stepFailed
)

type stepResult struct {
	kind        stepResultKind
	output      string
	termReason  string
	termMessage string
	err         error
}

// runStep applies the per-step protocol: gating, render, invoke, parse, stop
// condition, persist, retry with exponential backoff. Every attempt is its
// own StepExecution row.
func (e *Executor) runStep(ctx context.Context, r *run, step *models.PipelineStep) (*stepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputText := r.rc.InputText()

	// Gating: a required context variable missing skips the step without an
	// LLM call and without advancing input_text.
	if missing := r.rc.MissingVariables(step.RequiredContextVariables); len(missing) > 0 {
		exec := &models.StepExecution{
			JobID:        r.job.ID,
			StepName:     step.Name,
			StepOrder:    step.Order,
			Attempt:      1,
			Status:       models.StepStatusSkipped,
			ErrorMessage: "missing context variables: " + strings.Join(missing, ", "),
		}
		if err := e.db.RecordStepExecution(ctx, exec, inputText, ""); err != nil {
			return nil, err
		}
		e.log.Debug().
			Uint("job_id", r.job.ID).
			Str("step", step.Name).
			Strs("missing", missing).
			Msg("step skipped by gating")
		return &stepResult{kind: stepSkipped}, nil
	}

	prompt := RenderPrompt(step.PromptTemplate, r.rc)

	maxAttempts := 1
	if step.RetryOnFailure {
		maxAttempts = 1 + step.MaxRetries
	}

	documentType, _ := r.rc.DocumentType()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := e.backoffBase << (attempt - 2)
			if err := e.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		started := time.Now()
		resp, err := e.invoke(ctx, step, prompt)
		finished := time.Now()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			exec := &models.StepExecution{
				JobID:        r.job.ID,
				StepName:     step.Name,
				StepOrder:    step.Order,
				Attempt:      attempt,
				Status:       models.StepStatusFailed,
				ErrorMessage: err.Error(),
				StartedAt:    &started,
				FinishedAt:   &finished,
			}
			if recErr := e.db.RecordStepExecution(ctx, exec, inputText, ""); recErr != nil {
				return nil, recErr
			}
			if !llm.IsTransient(err) {
				e.log.Warn().Err(err).Str("step", step.Name).Int("attempt", attempt).Msg("permanent provider error")
				break
			}
			e.log.Warn().Err(err).Str("step", step.Name).Int("attempt", attempt).Msg("transient provider error")
			continue
		}

		output := resp.Text
		e.ledger.Record(ctx, ledger.Usage{
			JobID:        r.job.ID,
			StepName:     step.Name,
			Model:        step.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			Duration:     finished.Sub(started),
			DocumentType: documentType,
			Metadata:     models.JSONMap{"attempt": attempt},
		})

		// JSON parse failure is retryable like a transient provider error.
		if step.OutputFormat == models.OutputFormatJSON && !json.Valid([]byte(stripCodeFences(output))) {
			lastErr = fmt.Errorf("step %q produced invalid JSON output", step.Name)
			exec := &models.StepExecution{
				JobID:        r.job.ID,
				StepName:     step.Name,
				StepOrder:    step.Order,
				Attempt:      attempt,
				Status:       models.StepStatusFailed,
				ErrorMessage: lastErr.Error(),
				StartedAt:    &started,
				FinishedAt:   &finished,
			}
			if recErr := e.db.RecordStepExecution(ctx, exec, inputText, output); recErr != nil {
				return nil, recErr
			}
			continue
		}

		// First-token stop condition: a sentinel anywhere else in the output
		// does not terminate.
		if step.StopConditions != nil && step.StopConditions.Matches(output) {
			exec := &models.StepExecution{
				JobID:      r.job.ID,
				StepName:   step.Name,
				StepOrder:  step.Order,
				Attempt:    attempt,
				Status:     models.StepStatusTerminated,
				StartedAt:  &started,
				FinishedAt: &finished,
			}
			if recErr := e.db.RecordStepExecution(ctx, exec, inputText, output); recErr != nil {
				return nil, recErr
			}
			e.log.Info().
				Uint("job_id", r.job.ID).
				Str("step", step.Name).
				Str("reason", step.StopConditions.TerminationReason).
				Msg("stop condition hit, terminating job")
			return &stepResult{
				kind:        stepTerminated,
				termReason:  step.StopConditions.TerminationReason,
				termMessage: step.StopConditions.TerminationMessage,
			}, nil
		}

		exec := &models.StepExecution{
			JobID:      r.job.ID,
			StepName:   step.Name,
			StepOrder:  step.Order,
			Attempt:    attempt,
			Status:     models.StepStatusCompleted,
			StartedAt:  &started,
			FinishedAt: &finished,
		}
		if recErr := e.db.RecordStepExecution(ctx, exec, inputText, output); recErr != nil {
			return nil, recErr
		}
		return &stepResult{kind: stepCompleted, output: output}, nil
	}

	return &stepResult{kind: stepFailed, err: lastErr}, nil
}

// invoke calls the provider with the per-step timeout applied on top of the
// caller's deadline.
func (e *Executor) invoke(ctx context.Context, step *models.PipelineStep, prompt string) (*llm.Response, error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	maxTokens := 0
	if step.MaxTokens != nil {
		maxTokens = *step.MaxTokens
	} else if step.Model != nil {
		maxTokens = step.Model.MaxTokens
	}

	return e.provider.Complete(ctx, llm.Request{
		Model:       step.Model.Name,
		System:      step.SystemPrompt,
		Prompt:      prompt,
		Temperature: step.Temperature,
		MaxTokens:   maxTokens,
	})
}

// captureClassification parses the branching step's output as JSON (best
// effort, tolerating markdown code fences) and reads the configured field.
func captureClassification(output, field string) (string, bool) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(stripCodeFences(output)), &parsed); err != nil {
		return "", false
	}
	value, ok := parsed[field].(string)
	if !ok || value == "" {
		return "", false
	}
	return strings.ToUpper(value), true
}

// stripCodeFences removes a surrounding markdown fence so model output like
// "```json\n{...}\n```" still parses.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 && len(s[:idx]) <= len("markdown") {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
