// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"time"

	"github.com/Dropicx/docworker-sub003/internal/models"
)

// InsertLedgerEntry appends one immutable cost record. There is no update
// path for ledger rows.
func (db *GormDB) InsertLedgerEntry(ctx context.Context, entry *models.CostLedgerEntry) error {
	return storageErr("insert ledger entry", db.db.WithContext(ctx).Create(entry).Error)
}

// LedgerEntriesForJob returns all cost records for a job in call order.
func (db *GormDB) LedgerEntriesForJob(ctx context.Context, jobID uint) ([]models.CostLedgerEntry, error) {
	var entries []models.CostLedgerEntry
	err := db.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, storageErr("ledger entries for job", err)
	}
	return entries, nil
}

// CostTotals aggregates token counts and dollar costs over a set of ledger
// rows.
type CostTotals struct {
	Entries      int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	TotalCostUSD float64
}

// SumLedger aggregates all ledger entries created in [since, until).
func (db *GormDB) SumLedger(ctx context.Context, since, until time.Time) (*CostTotals, error) {
	var totals CostTotals
	err := db.db.WithContext(ctx).
		Model(&models.CostLedgerEntry{}).
		Where("created_at >= ? AND created_at < ?", since, until).
		Select("COUNT(*) as entries, COALESCE(SUM(input_tokens), 0) as input_tokens, COALESCE(SUM(output_tokens), 0) as output_tokens, COALESCE(SUM(total_tokens), 0) as total_tokens, COALESCE(SUM(total_cost_usd), 0) as total_cost_usd").
		Scan(&totals).Error
	if err != nil {
		return nil, storageErr("sum ledger", err)
	}
	return &totals, nil
}

// CostBucket is one row of a grouped cost aggregation.
type CostBucket struct {
	Key          string
	Entries      int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	TotalCostUSD float64
}

// LedgerByModel aggregates costs in [since, until) grouped by model name.
func (db *GormDB) LedgerByModel(ctx context.Context, since, until time.Time) ([]CostBucket, error) {
	return db.ledgerGroupedBy(ctx, "model_name", since, until)
}

// LedgerByStep aggregates costs in [since, until) grouped by step name.
func (db *GormDB) LedgerByStep(ctx context.Context, since, until time.Time) ([]CostBucket, error) {
	return db.ledgerGroupedBy(ctx, "step_name", since, until)
}

func (db *GormDB) ledgerGroupedBy(ctx context.Context, column string, since, until time.Time) ([]CostBucket, error) {
	var buckets []CostBucket
	err := db.db.WithContext(ctx).
		Model(&models.CostLedgerEntry{}).
		Where("created_at >= ? AND created_at < ?", since, until).
		Select(column+" as key, COUNT(*) as entries, COALESCE(SUM(input_tokens), 0) as input_tokens, COALESCE(SUM(output_tokens), 0) as output_tokens, COALESCE(SUM(total_tokens), 0) as total_tokens, COALESCE(SUM(total_cost_usd), 0) as total_cost_usd").
		Group(column).
		Order("total_cost_usd DESC").
		Scan(&buckets).Error
	if err != nil {
		return nil, storageErr("ledger grouped by "+column, err)
	}
	return buckets, nil
}
