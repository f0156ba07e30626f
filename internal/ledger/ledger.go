// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger records token usage and dollar cost for every LLM call.
// Accounting is strictly log-and-continue: a ledger write failure is logged
// and dropped, it never fails or retries the step that produced it.
package ledger

import (
	"context"
	"time"

	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/models"

	"github.com/rs/zerolog"
)

// Usage describes one completed LLM call to be billed.
type Usage struct {
	JobID        uint
	StepName     string
	Model        *models.ModelSpec
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	DocumentType string
	Metadata     models.JSONMap
}

// Ledger appends immutable cost records.
type Ledger struct {
	db  *database.GormDB
	log zerolog.Logger
}

// New creates a ledger writing through the given database.
func New(db *database.GormDB, log zerolog.Logger) *Ledger {
	return &Ledger{db: db, log: log}
}

// Record computes the cost of one call from the model's pricing snapshot and
// appends it. Pricing is read at call time: later price changes never rewrite
// history. Missing pricing records zero cost with a warning. All errors are
// swallowed after logging.
func (l *Ledger) Record(ctx context.Context, usage Usage) {
	entry := models.CostLedgerEntry{
		JobID:                 usage.JobID,
		StepName:              usage.StepName,
		InputTokens:           usage.InputTokens,
		OutputTokens:          usage.OutputTokens,
		TotalTokens:           usage.InputTokens + usage.OutputTokens,
		ProcessingTimeSeconds: usage.Duration.Seconds(),
		DocumentType:          usage.DocumentType,
		Metadata:              usage.Metadata,
	}

	if usage.Model != nil {
		entry.ModelProvider = usage.Model.Provider
		entry.ModelName = usage.Model.Name
		if usage.Model.HasPricing() {
			entry.InputCostUSD = float64(usage.InputTokens) * usage.Model.PriceInputPer1MTokens / 1e6
			entry.OutputCostUSD = float64(usage.OutputTokens) * usage.Model.PriceOutputPer1MTokens / 1e6
			entry.TotalCostUSD = entry.InputCostUSD + entry.OutputCostUSD
		} else {
			l.log.Warn().
				Uint("job_id", usage.JobID).
				Str("step", usage.StepName).
				Str("model", usage.Model.Name).
				Msg("model has no pricing configured, recording zero cost")
		}
	} else {
		l.log.Warn().
			Uint("job_id", usage.JobID).
			Str("step", usage.StepName).
			Msg("no model attached to usage, recording zero cost")
	}

	if err := l.db.InsertLedgerEntry(ctx, &entry); err != nil {
		l.log.Error().Err(err).
			Uint("job_id", usage.JobID).
			Str("step", usage.StepName).
			Int("total_tokens", entry.TotalTokens).
			Msg("failed to write cost ledger entry, continuing")
	}
}

// Summary is the aggregated cost report served by the API.
type Summary struct {
	Since   time.Time             `json:"since"`
	Until   time.Time             `json:"until"`
	Totals  database.CostTotals   `json:"totals"`
	ByModel []database.CostBucket `json:"by_model"`
	ByStep  []database.CostBucket `json:"by_step"`
}

// Summarize aggregates all ledger entries in [since, until).
func (l *Ledger) Summarize(ctx context.Context, since, until time.Time) (*Summary, error) {
	totals, err := l.db.SumLedger(ctx, since, until)
	if err != nil {
		return nil, err
	}
	byModel, err := l.db.LedgerByModel(ctx, since, until)
	if err != nil {
		return nil, err
	}
	byStep, err := l.db.LedgerByStep(ctx, since, until)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Since:   since,
		Until:   until,
		Totals:  *totals,
		ByModel: byModel,
		ByStep:  byStep,
	}, nil
}

// EntriesForJob returns the per-call records of one job.
func (l *Ledger) EntriesForJob(ctx context.Context, jobID uint) ([]models.CostLedgerEntry, error) {
	return l.db.LedgerEntriesForJob(ctx, jobID)
}
