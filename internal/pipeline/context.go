// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"strings"

	"github.com/Dropicx/docworker-sub003/internal/models"
)

// Well-known run context variable names.
const (
	VarInputText      = "input_text"
	VarOriginalText   = "original_text"
	VarOCRText        = "ocr_text"
	VarTargetLanguage = "target_language"
	VarDocumentType   = "document_type"
)

// RunContext is the mutable variable mapping threaded through the steps of
// one job. input_text advances with each completed step; original_text and
// ocr_text keep their seeded values for the whole run.
type RunContext struct {
	values map[string]string
}

// NewRunContext seeds the context for one job from the scrubbed OCR text and
// the job's processing options. A document_type_hint option pre-seeds the
// classification so the executor can skip the branching call.
func NewRunContext(scrubbedText string, options models.JSONMap) *RunContext {
	rc := &RunContext{values: map[string]string{
		VarInputText:    scrubbedText,
		VarOriginalText: scrubbedText,
		VarOCRText:      scrubbedText,
	}}
	if lang, ok := options.GetString(models.OptionTargetLanguage); ok {
		rc.values[VarTargetLanguage] = lang
	}
	if hint, ok := options.GetString(models.OptionDocumentTypeHint); ok {
		rc.values[VarDocumentType] = strings.ToUpper(hint)
	}
	return rc
}

// Get returns the value of a context variable.
func (rc *RunContext) Get(name string) (string, bool) {
	v, ok := rc.values[name]
	return v, ok
}

// InputText returns the current running text.
func (rc *RunContext) InputText() string {
	return rc.values[VarInputText]
}

// AdvanceInput overwrites input_text with a completed step's output.
func (rc *RunContext) AdvanceInput(output string) {
	rc.values[VarInputText] = output
}

// SetDocumentType records the captured classification, uppercased.
func (rc *RunContext) SetDocumentType(documentType string) {
	rc.values[VarDocumentType] = strings.ToUpper(documentType)
}

// DocumentType returns the captured classification, if any.
func (rc *RunContext) DocumentType() (string, bool) {
	return rc.Get(VarDocumentType)
}

// MissingVariables returns the required names absent from the context, in
// input order.
func (rc *RunContext) MissingVariables(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := rc.values[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
