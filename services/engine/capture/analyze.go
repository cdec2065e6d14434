// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capture

import (
	"regexp"
	"strings"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

// Pure capture-time analysis. Everything in this file is a function of its
// inputs only, so the same text always yields the same kind, tags, score,
// and redaction.

var (
	linkPattern      = regexp.MustCompile(`https?://`)
	inlineTagPattern = regexp.MustCompile(`#([A-Za-z0-9_-]{1,50})\b`)

	// Well-known API key shapes. Order matters only for readability;
	// replacements are independent.
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),       // OpenAI
		regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),  // GitHub
		regexp.MustCompile(`npm_[A-Za-z0-9]{36}`),         // npm
		regexp.MustCompile(`AKIA[0-9A-Z]{16}`),            // AWS access key id
	}
)

const redactedMarker = "[REDACTED]"

// decisionKeywords each add 0.1 per occurrence to the decision score.
var decisionKeywords = []string{
	"decided", "chose", "selected", "picked", "because", "rationale",
	"reason", "tradeoff", "pros", "cons", "alternative", "option",
	"instead of", "rather than", "over",
}

// DetectKind auto-detects the thought kind by priority rules.
func DetectKind(text string) datatypes.ThoughtKind {
	switch {
	case strings.Contains(text, "```"):
		return datatypes.KindCode
	case linkPattern.MatchString(text):
		return datatypes.KindLink
	case strings.Contains(text, "!todo"):
		return datatypes.KindTodo
	case strings.Contains(text, "!decision"):
		return datatypes.KindDecision
	case strings.Contains(text, "!rationale"), strings.Contains(strings.ToLower(text), "because"):
		return datatypes.KindRationale
	default:
		return datatypes.KindNote
	}
}

// ExtractTags pulls inline #word tags and merges them with the user's tags,
// deduped, first-seen order, user tags first.
func ExtractTags(text string, userTags []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(userTags))
	add := func(tag string) {
		tag = strings.ToLower(tag)
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	for _, tag := range userTags {
		add(tag)
	}
	for _, m := range inlineTagPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return out
}

// Redact replaces well-known API key shapes with a marker. Idempotent:
// redacting an already-redacted text changes nothing.
func Redact(text string) (redacted string, changed bool) {
	redacted = text
	for _, p := range secretPatterns {
		redacted = p.ReplaceAllString(redacted, redactedMarker)
	}
	return redacted, redacted != text
}

// DecisionScore computes the capture-time decision heuristic: 0.1 per
// keyword occurrence, 0.3 for !decision, 0.2 for !rationale, clamped to 1.
func DecisionScore(text string) float64 {
	lower := strings.ToLower(text)
	var score float64
	for _, kw := range decisionKeywords {
		score += 0.1 * float64(strings.Count(lower, kw))
	}
	if strings.Contains(lower, "!decision") {
		score += 0.3
	}
	if strings.Contains(lower, "!rationale") {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}
