// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm abstracts the model providers the pipeline executor calls.
// Providers are synchronous: one request, one completed response with token
// usage. Streaming is not part of the execution model.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Request is a single completion call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response carries the completion text and the token usage the ledger bills.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider executes completion requests against one backend.
type Provider interface {
	// Complete runs one request. Errors are *ProviderError where the backend
	// gave enough information to classify them.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ProviderError classifies a failed call. Transient errors (rate limits,
// server errors, timeouts) are worth retrying with backoff; permanent errors
// (invalid request, authentication) fail the step immediately.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm: %s provider error (%s, status %d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: %s provider error (%s): %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider error worth retrying.
// Unclassified errors (network failures, context deadline) count as transient:
// the safe default for an idempotent completion call.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// classifyStatus maps an HTTP status to retryability: 408/429 and all 5xx are
// transient, every other 4xx is permanent.
func classifyStatus(status int) bool {
	switch {
	case status == 408 || status == 429:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
