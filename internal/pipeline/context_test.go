// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"testing"

	"github.com/Dropicx/docworker-sub003/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestNewRunContext_Seeding(t *testing.T) {
	rc := NewRunContext("scrubbed text", models.JSONMap{
		models.OptionTargetLanguage:   "de",
		models.OptionDocumentTypeHint: "arztbrief",
	})

	assert.Equal(t, "scrubbed text", rc.InputText())

	original, ok := rc.Get(VarOriginalText)
	assert.True(t, ok)
	assert.Equal(t, "scrubbed text", original)

	lang, ok := rc.Get(VarTargetLanguage)
	assert.True(t, ok)
	assert.Equal(t, "de", lang)

	// The hint is uppercased into document_type.
	dt, ok := rc.DocumentType()
	assert.True(t, ok)
	assert.Equal(t, "ARZTBRIEF", dt)
}

func TestRunContext_AdvanceKeepsOriginals(t *testing.T) {
	rc := NewRunContext("seed", models.JSONMap{})

	rc.AdvanceInput("step one output")
	rc.AdvanceInput("step two output")

	assert.Equal(t, "step two output", rc.InputText())
	original, _ := rc.Get(VarOriginalText)
	assert.Equal(t, "seed", original)
	ocr, _ := rc.Get(VarOCRText)
	assert.Equal(t, "seed", ocr)
}

func TestRunContext_MissingVariables(t *testing.T) {
	rc := NewRunContext("seed", models.JSONMap{})

	missing := rc.MissingVariables([]string{VarTargetLanguage, VarInputText, VarDocumentType})
	assert.Equal(t, []string{VarTargetLanguage, VarDocumentType}, missing)

	assert.Empty(t, rc.MissingVariables(nil))
}

func TestRenderPrompt(t *testing.T) {
	rc := NewRunContext("the document", models.JSONMap{
		models.OptionTargetLanguage: "en",
	})

	rendered := RenderPrompt("Translate to {target_language}:\n{input_text}\n(was: {original_text})", rc)
	assert.Equal(t, "Translate to en:\nthe document\n(was: the document)", rendered)

	// Unknown placeholders render as empty string.
	rendered = RenderPrompt("Class: {document_type}. Text: {input_text}", rc)
	assert.Equal(t, "Class: . Text: the document", rendered)

	// Braces that are not identifiers stay untouched.
	rendered = RenderPrompt(`Emit {"key": "value"} with {input_text}`, rc)
	assert.Equal(t, `Emit {"key": "value"} with the document`, rendered)
}
