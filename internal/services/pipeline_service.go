// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"

	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/models"
	"github.com/Dropicx/docworker-sub003/internal/pipeline"
)

// PipelineService covers pipeline configuration administration. Edits apply
// to future runs only; running jobs keep their resolved snapshot.
type PipelineService struct {
	db *database.GormDB
}

// NewPipelineService creates a new pipeline service
func NewPipelineService(db *database.GormDB) *PipelineService {
	return &PipelineService{db: db}
}

// ListSteps returns all configured steps, enabled or not.
func (s *PipelineService) ListSteps(ctx context.Context) ([]models.PipelineStep, error) {
	return s.db.ListPipelineSteps(ctx)
}

// SaveStep validates and persists a step.
func (s *PipelineService) SaveStep(ctx context.Context, step *models.PipelineStep) error {
	return s.db.SavePipelineStep(ctx, step)
}

// DeleteStep removes a step.
func (s *PipelineService) DeleteStep(ctx context.Context, stepID uint) error {
	return s.db.DeletePipelineStep(ctx, stepID)
}

// ListClasses returns all document classes.
func (s *PipelineService) ListClasses(ctx context.Context) ([]models.DocumentClass, error) {
	return s.db.ListDocumentClasses(ctx)
}

// SaveClass persists a document class.
func (s *PipelineService) SaveClass(ctx context.Context, class *models.DocumentClass) error {
	return s.db.SaveDocumentClass(ctx, class)
}

// DeleteClass removes a non-system class and its class-specific steps.
func (s *PipelineService) DeleteClass(ctx context.Context, classID uint) error {
	return s.db.DeleteDocumentClass(ctx, classID)
}

// ListModels returns all model specs.
func (s *PipelineService) ListModels(ctx context.Context) ([]models.ModelSpec, error) {
	return s.db.ListModelSpecs(ctx)
}

// SaveModel persists a model spec.
func (s *PipelineService) SaveModel(ctx context.Context, spec *models.ModelSpec) error {
	return s.db.SaveModelSpec(ctx, spec)
}

// ValidateConfiguration resolves the currently enabled configuration and
// returns the resolver's verdict, so admins can catch a broken setup before
// the next job fails on it.
func (s *PipelineService) ValidateConfiguration(ctx context.Context) error {
	steps, err := s.db.GetEnabledPipelineSteps(ctx)
	if err != nil {
		return err
	}
	classes, err := s.db.GetEnabledDocumentClasses(ctx)
	if err != nil {
		return err
	}
	_, err = pipeline.ResolvePlan(steps, classes)
	return err
}
