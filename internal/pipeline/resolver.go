// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline resolves the configured step graph into an execution plan
// and runs it against an LLM provider for one job at a time.
package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Dropicx/docworker-sub003/internal/models"

	"github.com/samber/lo"
)

// ConfigError means the pipeline configuration is structurally invalid. It
// surfaces at job start with an operator-facing message; no steps run.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "pipeline: invalid configuration: " + e.Msg
}

// Plan is the resolved execution order for one job, snapshotted from the
// configuration at job start. Configuration changes made while the job runs
// do not apply.
//
// Execution order: PreBranch, then Branching (if any), then PostBranchPre
// (generic steps ordered after the branching step), then the ByClass segment
// selected by the captured document type, then Post.
type Plan struct {
	PreBranch     []models.PipelineStep
	Branching     *models.PipelineStep
	PostBranchPre []models.PipelineStep
	ByClass       map[string][]models.PipelineStep
	Post          []models.PipelineStep
}

// ResolvePlan partitions enabled steps into the plan segments. classes is the
// set of enabled document classes; class-specific steps for other classes are
// left out of the plan.
func ResolvePlan(steps []models.PipelineStep, classes []models.DocumentClass) (*Plan, error) {
	enabled := lo.Filter(steps, func(s models.PipelineStep, _ int) bool {
		return s.Enabled
	})

	for i := range enabled {
		step := &enabled[i]
		if err := step.Validate(); err != nil {
			return nil, &ConfigError{Msg: err.Error()}
		}
		if step.Model == nil {
			return nil, &ConfigError{Msg: fmt.Sprintf("step %q references model %d which was not loaded", step.Name, step.ModelID)}
		}
		if !step.Model.IsEnabled {
			return nil, &ConfigError{Msg: fmt.Sprintf("step %q references disabled model %q", step.Name, step.Model.Name)}
		}
	}

	branching := lo.Filter(enabled, func(s models.PipelineStep, _ int) bool {
		return s.IsBranchingStep
	})
	if len(branching) > 1 {
		names := lo.Map(branching, func(s models.PipelineStep, _ int) string { return s.Name })
		return nil, &ConfigError{Msg: "multiple branching steps: " + strings.Join(names, ", ")}
	}

	classByID := lo.KeyBy(classes, func(c models.DocumentClass) uint { return c.ID })

	plan := &Plan{ByClass: map[string][]models.PipelineStep{}}

	var pre []models.PipelineStep
	for _, step := range enabled {
		switch {
		case step.IsBranchingStep:
			s := step
			plan.Branching = &s
		case step.DocumentClassID != nil:
			class, ok := classByID[*step.DocumentClassID]
			if !ok {
				// Class disabled or deleted after the step was configured:
				// the segment is unreachable, not an error.
				continue
			}
			key := strings.ToUpper(class.ClassKey)
			plan.ByClass[key] = append(plan.ByClass[key], step)
		case step.PostBranching:
			plan.Post = append(plan.Post, step)
		default:
			pre = append(pre, step)
		}
	}

	sortSteps(pre)
	sortSteps(plan.Post)
	for _, segment := range plan.ByClass {
		sortSteps(segment)
	}

	// Generic pre steps ordered after the branching step still run, with the
	// classification already known.
	if plan.Branching != nil {
		split := sort.Search(len(pre), func(i int) bool {
			return pre[i].Order > plan.Branching.Order
		})
		plan.PreBranch = pre[:split]
		plan.PostBranchPre = pre[split:]
	} else {
		plan.PreBranch = pre
	}

	return plan, nil
}

func sortSteps(steps []models.PipelineStep) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].ID < steps[j].ID
	})
}

// BaseStepCount is the number of steps that run regardless of
// classification.
func (p *Plan) BaseStepCount() int {
	count := len(p.PreBranch) + len(p.PostBranchPre) + len(p.Post)
	if p.Branching != nil {
		count++
	}
	return count
}

// ClassSegment returns the class-specific steps for an uppercase document
// type key, or nil when no segment matches.
func (p *Plan) ClassSegment(documentType string) []models.PipelineStep {
	return p.ByClass[strings.ToUpper(documentType)]
}
