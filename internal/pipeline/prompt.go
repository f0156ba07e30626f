// Copyright (C) 2026 Dropicx
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// RenderPrompt substitutes every {name} placeholder in the template with the
// context variable of the same name. Placeholders without a context value
// render as the empty string; required variables were already enforced by
// gating before rendering.
func RenderPrompt(template string, rc *RunContext) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, _ := rc.Get(name)
		return value
	})
}
