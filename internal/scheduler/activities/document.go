// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package activities

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/Dropicx/docworker-sub003/internal/database"
	"github.com/Dropicx/docworker-sub003/internal/ocr"
	"github.com/Dropicx/docworker-sub003/internal/scheduler/types"
)

// DocumentActivities covers document content handling. Decrypted bytes and
// extracted text never leave an activity; only metadata crosses the workflow
// boundary.
type DocumentActivities struct {
	db        *database.GormDB
	extractor ocr.Extractor
	scrubber  ocr.Scrubber
}

// NewDocumentActivities creates a new instance of DocumentActivities
func NewDocumentActivities(db *database.GormDB, extractor ocr.Extractor, scrubber ocr.Scrubber) *DocumentActivities {
	return &DocumentActivities{db: db, extractor: extractor, scrubber: scrubber}
}

// ValidateDocumentActivity decrypts the upload, runs text extraction and the
// PII scrubber, and reports only size and confidence. An upload that yields no
// text fails the workflow early, before any LLM spend.
func (a *DocumentActivities) ValidateDocumentActivity(ctx context.Context, input types.ValidateDocumentInput) (*types.ValidateDocumentOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Validating document", "processingID", input.ProcessingID)

	job, err := a.db.GetJobByProcessingID(ctx, input.ProcessingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	result, err := a.extractor.Extract(ctx, job.FileContent, job.MimeType)
	if err != nil {
		// Garbage in stays garbage regardless of how often we retry.
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("text extraction failed: %v", err), "ExtractionFailed", err)
	}

	scrubbed := a.scrubber.Scrub(result.Text)

	logger.Info("Document validated",
		"processingID", input.ProcessingID,
		"chars", utf8.RuneCountInString(scrubbed),
		"confidence", result.Confidence)

	return &types.ValidateDocumentOutput{
		TextChars:  utf8.RuneCountInString(scrubbed),
		Confidence: result.Confidence,
	}, nil
}
