// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutputFormat constrains how a step's LLM response is interpreted.
type OutputFormat string

const (
	OutputFormatText     OutputFormat = "text"
	OutputFormatJSON     OutputFormat = "json"
	OutputFormatMarkdown OutputFormat = "markdown"
)

// InputTextPlaceholder must appear in every prompt template; the executor
// substitutes the running text for it on each step.
const InputTextPlaceholder = "{input_text}"

// StopConditions declares early-termination sentinels for a step. If the
// first whitespace-separated token of the step's output, uppercased, is in
// StopOnValues, the whole job terminates with the configured reason and
// user-facing message. A sentinel appearing anywhere else in the output does
// not terminate; prompts must be shaped to emit it as the first token.
type StopConditions struct {
	StopOnValues       StringList `json:"stop_on_values"`
	TerminationReason  string     `json:"termination_reason"`
	TerminationMessage string     `json:"termination_message"`
}

// Scan implements the sql.Scanner interface
func (sc *StopConditions) Scan(value any) error {
	if value == nil {
		*sc = StopConditions{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, sc)
	case string:
		return json.Unmarshal([]byte(v), sc)
	default:
		return errors.New("cannot scan StopConditions from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (sc StopConditions) Value() (driver.Value, error) {
	return json.Marshal(sc)
}

// Matches applies the first-token rule to an LLM output.
func (sc *StopConditions) Matches(output string) bool {
	if sc == nil || len(sc.StopOnValues) == 0 {
		return false
	}
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return false
	}
	// Sentinels may arrive with trailing punctuation ("NON_MEDICAL," etc.)
	first := strings.ToUpper(strings.Trim(fields[0], ".,:;!?"))
	return sc.StopOnValues.Contains(first)
}

// PipelineStep is the declarative configuration of one AI stage. Steps are
// shared global configuration; the executor works on a per-job snapshot and
// never mutates them.
type PipelineStep struct {
	ID    uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Order int    `gorm:"column:step_order;not null;index" json:"order"`
	Name  string `gorm:"type:text;not null" json:"name"`

	Enabled bool `gorm:"not null;default:true" json:"enabled"`

	PromptTemplate string  `gorm:"type:text;not null" json:"prompt_template"`
	SystemPrompt   string  `gorm:"type:text" json:"system_prompt,omitempty"`
	Temperature    float64 `gorm:"not null;default:0.2" json:"temperature"`
	MaxTokens      *int    `gorm:"type:integer" json:"max_tokens,omitempty"`
	OutputFormat   OutputFormat `gorm:"type:text;not null;default:text" json:"output_format"`

	ModelID uint       `gorm:"not null;index" json:"model_id"`
	Model   *ModelSpec `gorm:"foreignKey:ModelID" json:"model,omitempty"`

	RetryOnFailure bool `gorm:"not null;default:true" json:"retry_on_failure"`
	MaxRetries     int  `gorm:"not null;default:3" json:"max_retries"`

	// Placement in the dynamic plan: exactly one of the three shapes.
	// class-specific (DocumentClassID set), branching (IsBranchingStep), or
	// generic pre/post (PostBranching selects the post segment).
	DocumentClassID *uint          `gorm:"index" json:"document_class_id,omitempty"`
	DocumentClass   *DocumentClass `gorm:"foreignKey:DocumentClassID" json:"document_class,omitempty"`
	IsBranchingStep bool           `gorm:"not null;default:false" json:"is_branching_step"`
	BranchingField  string         `gorm:"type:text" json:"branching_field,omitempty"`
	PostBranching   bool           `gorm:"not null;default:false" json:"post_branching"`

	SourceLanguage           string          `gorm:"type:text" json:"source_language,omitempty"`
	RequiredContextVariables StringList      `gorm:"type:text" json:"required_context_variables"`
	StopConditions           *StopConditions `gorm:"type:text" json:"stop_conditions,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for PipelineStep
func (PipelineStep) TableName() string {
	return "pipeline_steps"
}

// Validate checks the step's own structural invariants. Cross-step invariants
// (single branching step) are checked by the resolver.
func (s *PipelineStep) Validate() error {
	if s.Name == "" {
		return errors.New("step name is required")
	}
	if !strings.Contains(s.PromptTemplate, InputTextPlaceholder) {
		return fmt.Errorf("step %q: prompt template must contain %s", s.Name, InputTextPlaceholder)
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("step %q: temperature %v out of range [0,2]", s.Name, s.Temperature)
	}
	if s.MaxTokens != nil && *s.MaxTokens <= 0 {
		return fmt.Errorf("step %q: max_tokens must be positive", s.Name)
	}
	if s.MaxRetries < 0 || s.MaxRetries > 10 {
		return fmt.Errorf("step %q: max_retries %d out of range [0,10]", s.Name, s.MaxRetries)
	}
	switch s.OutputFormat {
	case OutputFormatText, OutputFormatJSON, OutputFormatMarkdown:
	default:
		return fmt.Errorf("step %q: unknown output format %q", s.Name, s.OutputFormat)
	}
	if s.DocumentClassID != nil && (s.PostBranching || s.IsBranchingStep) {
		return fmt.Errorf("step %q: a class-specific step cannot be branching or post-branching", s.Name)
	}
	if s.IsBranchingStep && s.BranchingField == "" {
		return fmt.Errorf("step %q: branching step requires branching_field", s.Name)
	}
	return nil
}

// DocumentClass is a classification bucket selected by the branching step.
type DocumentClass struct {
	ID            uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ClassKey      string `gorm:"type:text;not null;uniqueIndex" json:"class_key"` // uppercase identifier
	DisplayName   string `gorm:"type:text;not null" json:"display_name"`
	IsEnabled     bool   `gorm:"not null;default:true" json:"is_enabled"`
	IsSystemClass bool   `gorm:"not null;default:false" json:"is_system_class"` // system classes cannot be deleted

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for DocumentClass
func (DocumentClass) TableName() string {
	return "document_classes"
}

// ModelSpec describes an LLM endpoint and its pricing.
type ModelSpec struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider    string `gorm:"type:text;not null" json:"provider"`
	Name        string `gorm:"type:text;not null;uniqueIndex" json:"name"` // provider-specific model identifier
	DisplayName string `gorm:"type:text" json:"display_name"`

	MaxTokens      int  `gorm:"not null;default:4096" json:"max_tokens"`
	SupportsVision bool `gorm:"not null;default:false" json:"supports_vision"`
	IsEnabled      bool `gorm:"not null;default:true" json:"is_enabled"`

	PriceInputPer1MTokens  float64 `gorm:"not null;default:0" json:"price_input_per_1m_tokens"`
	PriceOutputPer1MTokens float64 `gorm:"not null;default:0" json:"price_output_per_1m_tokens"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for ModelSpec
func (ModelSpec) TableName() string {
	return "model_specs"
}

// HasPricing reports whether the spec carries non-zero pricing for cost
// computation. Missing pricing logs zero cost rather than failing a job.
func (m *ModelSpec) HasPricing() bool {
	return m.PriceInputPer1MTokens > 0 || m.PriceOutputPer1MTokens > 0
}
