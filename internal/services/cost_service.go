// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"time"

	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/ledger"
	"github.com/Dropicx/docworker-sub003/internal/models"
)

// CostService exposes the cost ledger to the API.
type CostService struct {
	db    *database.GormDB
	costs *ledger.Ledger
}

// NewCostService creates a new cost service
func NewCostService(db *database.GormDB, costs *ledger.Ledger) *CostService {
	return &CostService{db: db, costs: costs}
}

// Summary aggregates ledger spend over a window with per-model and per-step
// breakdowns. A zero since defaults to the last 30 days.
func (s *CostService) Summary(ctx context.Context, since, until time.Time) (*ledger.Summary, error) {
	if until.IsZero() {
		until = time.Now()
	}
	if since.IsZero() {
		since = until.AddDate(0, 0, -30)
	}
	return s.costs.Summarize(ctx, since, until)
}

// ForJob returns the per-attempt ledger entries of one job.
func (s *CostService) ForJob(ctx context.Context, processingID string) ([]models.CostLedgerEntry, error) {
	job, err := s.db.GetJobMetadata(ctx, processingID)
	if err != nil {
		return nil, err
	}
	return s.costs.EntriesForJob(ctx, job.ID)
}
