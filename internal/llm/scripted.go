// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ScriptedRule maps a prompt substring to a canned response or error. The
// first matching rule wins.
type ScriptedRule struct {
	// MatchPrompt is a substring looked for in the rendered prompt.
	// Empty matches everything.
	MatchPrompt string
	Response    Response
	Err         error
}

// ScriptedProvider replays canned responses. It backs local development
// without an API key and every executor test. Calls are recorded for
// assertion.
type ScriptedProvider struct {
	mu    sync.Mutex
	rules []ScriptedRule
	calls []Request
}

// NewScriptedProvider creates a provider that answers from the given rules.
func NewScriptedProvider(rules ...ScriptedRule) *ScriptedProvider {
	return &ScriptedProvider{rules: rules}
}

// AddRule appends a rule. Later rules only fire when no earlier rule matches.
func (p *ScriptedProvider) AddRule(rule ScriptedRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, rule)
}

// Calls returns a copy of all requests seen so far.
func (p *ScriptedProvider) Calls() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// Complete matches the request against the rule list.
func (p *ScriptedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)

	for _, rule := range p.rules {
		if rule.MatchPrompt != "" && !strings.Contains(req.Prompt, rule.MatchPrompt) {
			continue
		}
		if rule.Err != nil {
			return nil, rule.Err
		}
		resp := rule.Response
		if resp.InputTokens == 0 {
			// Rough accounting so ledger paths see non-zero usage.
			resp.InputTokens = len(strings.Fields(req.Prompt))
		}
		if resp.OutputTokens == 0 {
			resp.OutputTokens = len(strings.Fields(resp.Text))
		}
		return &resp, nil
	}

	return nil, &ProviderError{
		Provider:  "scripted",
		Transient: false,
		Err:       errors.New("no scripted rule matched prompt"),
	}
}
