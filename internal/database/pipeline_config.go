// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dropicx/docworker-sub003/internal/models"

	"gorm.io/gorm"
)

// ============================================================================
// PipelineStep Operations
// ============================================================================

// GetEnabledPipelineSteps returns the enabled steps with their model and
// document class preloaded, in executor order (step_order, then ID for equal
// orders). This is the snapshot the resolver works from; the executor never
// re-reads step configuration mid-job.
func (db *GormDB) GetEnabledPipelineSteps(ctx context.Context) ([]models.PipelineStep, error) {
	var steps []models.PipelineStep
	err := db.db.WithContext(ctx).
		Preload("Model").
		Preload("DocumentClass").
		Where("enabled = ?", true).
		Order("step_order ASC, id ASC").
		Find(&steps).Error
	if err != nil {
		return nil, storageErr("get enabled pipeline steps", err)
	}
	return steps, nil
}

// ListPipelineSteps returns all steps, enabled or not, in executor order.
func (db *GormDB) ListPipelineSteps(ctx context.Context) ([]models.PipelineStep, error) {
	var steps []models.PipelineStep
	err := db.db.WithContext(ctx).
		Preload("Model").
		Preload("DocumentClass").
		Order("step_order ASC, id ASC").
		Find(&steps).Error
	if err != nil {
		return nil, storageErr("list pipeline steps", err)
	}
	return steps, nil
}

// GetPipelineStep retrieves a single step by ID.
func (db *GormDB) GetPipelineStep(ctx context.Context, stepID uint) (*models.PipelineStep, error) {
	var step models.PipelineStep
	err := db.db.WithContext(ctx).
		Preload("Model").
		Preload("DocumentClass").
		First(&step, "id = ?", stepID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get pipeline step", err)
	}
	return &step, nil
}

// SavePipelineStep validates and creates or updates a step definition.
func (db *GormDB) SavePipelineStep(ctx context.Context, step *models.PipelineStep) error {
	if err := step.Validate(); err != nil {
		return err
	}
	if err := db.db.WithContext(ctx).Save(step).Error; err != nil {
		return storageErr("save pipeline step", err)
	}
	return nil
}

// DeletePipelineStep removes a step definition. Past executions keep their
// recorded step name and order; nothing references the row itself.
func (db *GormDB) DeletePipelineStep(ctx context.Context, stepID uint) error {
	result := db.db.WithContext(ctx).Delete(&models.PipelineStep{}, "id = ?", stepID)
	if result.Error != nil {
		return storageErr("delete pipeline step", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// DocumentClass Operations
// ============================================================================

// GetEnabledDocumentClasses returns the classes the branching step may route
// to.
func (db *GormDB) GetEnabledDocumentClasses(ctx context.Context) ([]models.DocumentClass, error) {
	var classes []models.DocumentClass
	err := db.db.WithContext(ctx).
		Where("is_enabled = ?", true).
		Order("class_key ASC").
		Find(&classes).Error
	if err != nil {
		return nil, storageErr("get enabled document classes", err)
	}
	return classes, nil
}

// ListDocumentClasses returns all classes including disabled ones.
func (db *GormDB) ListDocumentClasses(ctx context.Context) ([]models.DocumentClass, error) {
	var classes []models.DocumentClass
	err := db.db.WithContext(ctx).
		Order("class_key ASC").
		Find(&classes).Error
	if err != nil {
		return nil, storageErr("list document classes", err)
	}
	return classes, nil
}

// GetDocumentClassByKey looks up a class by its uppercase key.
func (db *GormDB) GetDocumentClassByKey(ctx context.Context, classKey string) (*models.DocumentClass, error) {
	var class models.DocumentClass
	err := db.db.WithContext(ctx).First(&class, "class_key = ?", classKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get document class by key", err)
	}
	return &class, nil
}

// SaveDocumentClass creates or updates a class.
func (db *GormDB) SaveDocumentClass(ctx context.Context, class *models.DocumentClass) error {
	if class.ClassKey == "" {
		return fmt.Errorf("document class key is required")
	}
	if err := db.db.WithContext(ctx).Save(class).Error; err != nil {
		return storageErr("save document class", err)
	}
	return nil
}

// DeleteDocumentClass removes a class. System classes can be disabled but
// never deleted; class-specific steps referencing the class are deleted with
// it.
func (db *GormDB) DeleteDocumentClass(ctx context.Context, classID uint) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var class models.DocumentClass
		if err := tx.First(&class, "id = ?", classID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return storageErr("delete document class", err)
		}
		if class.IsSystemClass {
			return fmt.Errorf("document class %q is a system class and cannot be deleted", class.ClassKey)
		}
		if err := tx.Delete(&models.PipelineStep{}, "document_class_id = ?", classID).Error; err != nil {
			return storageErr("delete document class steps", err)
		}
		if err := tx.Delete(&models.DocumentClass{}, "id = ?", classID).Error; err != nil {
			return storageErr("delete document class", err)
		}
		return nil
	})
}

// ============================================================================
// ModelSpec Operations
// ============================================================================

// ListModelSpecs returns all configured LLM models.
func (db *GormDB) ListModelSpecs(ctx context.Context) ([]models.ModelSpec, error) {
	var specs []models.ModelSpec
	err := db.db.WithContext(ctx).
		Order("provider ASC, name ASC").
		Find(&specs).Error
	if err != nil {
		return nil, storageErr("list model specs", err)
	}
	return specs, nil
}

// GetModelSpecByName looks up a model by its provider-specific identifier.
func (db *GormDB) GetModelSpecByName(ctx context.Context, name string) (*models.ModelSpec, error) {
	var spec models.ModelSpec
	err := db.db.WithContext(ctx).First(&spec, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get model spec by name", err)
	}
	return &spec, nil
}

// SaveModelSpec creates or updates a model definition.
func (db *GormDB) SaveModelSpec(ctx context.Context, spec *models.ModelSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if err := db.db.WithContext(ctx).Save(spec).Error; err != nil {
		return storageErr("save model spec", err)
	}
	return nil
}
