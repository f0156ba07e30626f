// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ocr turns uploaded document bytes into pipeline input text and
// strips direct identifiers before any text reaches an LLM provider.
package ocr

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Result is the extraction output handed to the pipeline.
type Result struct {
	Text       string
	Confidence float64 // 0..1; 1.0 for native text extraction
}

// Extractor converts raw document bytes into text.
type Extractor interface {
	Extract(ctx context.Context, content []byte, mimeType string) (*Result, error)
}

// Scrubber removes direct personal identifiers from extracted text before it
// leaves the process.
type Scrubber interface {
	Scrub(text string) string
}

// PassthroughExtractor treats the upload as UTF-8 text. It covers plain-text
// and markdown uploads; binary formats need an external OCR engine.
type PassthroughExtractor struct{}

// NewPassthroughExtractor creates the default extractor.
func NewPassthroughExtractor() *PassthroughExtractor {
	return &PassthroughExtractor{}
}

// Extract converts raw document bytes into text.
func (e *PassthroughExtractor) Extract(_ context.Context, content []byte, mimeType string) (*Result, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("ocr: %s upload is not valid UTF-8 text; an OCR engine is required for binary formats", mimeType)
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return nil, fmt.Errorf("ocr: document contains no extractable text")
	}
	return &Result{Text: text, Confidence: 1.0}, nil
}

// Baseline scrub patterns. These catch the formats German medical documents
// actually carry; they are a floor, not a guarantee.
var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// German phone numbers: +49/0049 prefixes or 0-leading with common separators.
	phonePattern = regexp.MustCompile(`(\+49|0049|0)[\s\-/]?[1-9][0-9]{1,4}[\s\-/]?[0-9]{3,10}`)
	// Insurance numbers (Versichertennummer): letter + 9 digits.
	insurancePattern = regexp.MustCompile(`\b[A-Z][0-9]{9}\b`)
	// Dates of birth introduced by geb./geboren am.
	dobPattern = regexp.MustCompile(`(?i)(geb\.?|geboren am)[\s:]*[0-3]?[0-9]\.[0-1]?[0-9]\.[0-9]{2,4}`)
)

// BaselineScrubber replaces identifier patterns with bracketed tags so the
// downstream text stays readable.
type BaselineScrubber struct{}

// NewBaselineScrubber creates the default scrubber.
func NewBaselineScrubber() *BaselineScrubber {
	return &BaselineScrubber{}
}

// Scrub removes direct personal identifiers from extracted text.
func (s *BaselineScrubber) Scrub(text string) string {
	text = emailPattern.ReplaceAllString(text, "[EMAIL]")
	text = insurancePattern.ReplaceAllString(text, "[VERSICHERTENNR]")
	text = dobPattern.ReplaceAllString(text, "[GEBURTSDATUM]")
	text = phonePattern.ReplaceAllString(text, "[TELEFON]")
	return text
}
