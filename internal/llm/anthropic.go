// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

const defaultMaxTokens = 4096

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client  anthropic.Client
	timeout time.Duration
	log     zerolog.Logger
}

// NewAnthropicProvider creates a provider with the given API key. timeout
// bounds each request in addition to whatever deadline the caller's context
// carries.
func NewAnthropicProvider(apiKey string, timeout time.Duration, log zerolog.Logger) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llm: anthropic api key is empty")
	}
	return &AnthropicProvider{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		timeout: timeout,
		log:     log,
	}, nil
}

// Complete runs one request. Errors are *ProviderError where the backend
// gave enough information to classify them.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	started := time.Now()
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	p.log.Debug().
		Str("model", req.Model).
		Int64("input_tokens", msg.Usage.InputTokens).
		Int64("output_tokens", msg.Usage.OutputTokens).
		Dur("duration", time.Since(started)).
		Msg("anthropic completion finished")

	return &Response{
		Text:         sb.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func (p *AnthropicProvider) wrapError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Provider:   "anthropic",
			StatusCode: apierr.StatusCode,
			Transient:  classifyStatus(apierr.StatusCode),
			Err:        err,
		}
	}
	// No HTTP status: network failure or deadline. Treated as transient by
	// IsTransient unless the caller's context was canceled.
	return &ProviderError{
		Provider:  "anthropic",
		Transient: !errors.Is(err, context.Canceled),
		Err:       err,
	}
}
