// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/llm"
)

// LLM enrichment with deterministic fallbacks. Every helper here must return
// something usable even when the model is down; only embeddings are allowed
// to fail a job.

const (
	summaryMaxWords   = 15
	summarySkipUnder  = 100
	smartTagsMin      = 3
	smartTagsMax      = 5
	smartEntitiesMax  = 3
	conversationWords = 20
)

const summaryPrompt = `Summarize the note in one sentence of at most %d words. Output only the sentence.`

const smartTagsPrompt = `Analyze the note and output STRICT JSON, no prose, no code fences:
{"tags": [3-5 lower-kebab-case topic tags], "category": one of ["engineering","design","product","personal","learning","decision","other"], "intent": one of ["note","question","decision","todo","idea","bug-report","feature-request","rationale"], "entities": [up to 3 named tools/products/people]}`

// smartTags is the strict-JSON enrichment payload.
type smartTags struct {
	Tags     []string `json:"tags"`
	Category string   `json:"category"`
	Intent   string   `json:"intent"`
	Entities []string `json:"entities"`
}

// summarize produces a one-sentence summary. Short texts are truncated
// instead of burning a model call.
func (ix *Indexer) summarize(ctx context.Context, text string) string {
	if len(text) < summarySkipUnder {
		return strings.TrimSpace(text)
	}
	out, err := ix.client.Complete(ctx,
		fmt.Sprintf(summaryPrompt, summaryMaxWords),
		text,
		llm.GenerationParams{Temperature: llm.Float32Ptr(0.2), MaxTokens: llm.IntPtr(60)})
	if err != nil {
		slog.Warn("summary generation failed, truncating", "error", err)
		return clampWords(text, summaryMaxWords)
	}
	return clampWords(strings.TrimSpace(out), summaryMaxWords)
}

func clampWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}

// analyzeSmart asks the model for tags/category/intent/entities and falls
// back to heuristics on any failure, including malformed JSON.
func (ix *Indexer) analyzeSmart(ctx context.Context, text string, kind datatypes.ThoughtKind) smartTags {
	out, err := ix.client.Complete(ctx, smartTagsPrompt, text,
		llm.GenerationParams{Temperature: llm.Float32Ptr(0.1), MaxTokens: llm.IntPtr(200)})
	if err == nil {
		if st, perr := parseSmartTags(out); perr == nil {
			return st
		} else {
			slog.Warn("smart tag payload unparseable, using heuristics", "error", perr)
		}
	} else {
		slog.Warn("smart tag generation failed, using heuristics", "error", err)
	}
	return heuristicTags(text, kind)
}

var fencePattern = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// parseSmartTags strips an optional code fence and validates the enums.
func parseSmartTags(raw string) (smartTags, error) {
	raw = strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	var st smartTags
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return smartTags{}, err
	}
	st.Tags = cleanTags(st.Tags, smartTagsMax)
	if len(st.Tags) == 0 {
		return smartTags{}, fmt.Errorf("no usable tags in payload")
	}
	if !datatypes.ValidCategory(datatypes.Category(st.Category)) {
		st.Category = string(datatypes.CategoryOther)
	}
	if !datatypes.ValidIntent(datatypes.Intent(st.Intent)) {
		st.Intent = string(datatypes.IntentNote)
	}
	if len(st.Entities) > smartEntitiesMax {
		st.Entities = st.Entities[:smartEntitiesMax]
	}
	return st, nil
}

func cleanTags(tags []string, max int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		tag = strings.ReplaceAll(tag, " ", "-")
		if tag == "" || tag == datatypes.NoneSentinel || !datatypes.ValidTag(tag) {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == max {
			break
		}
	}
	return out
}

// stackPatterns maps technology tags to the regexes that detect them.
var stackPatterns = []struct {
	tag     string
	pattern *regexp.Regexp
}{
	{"go", regexp.MustCompile(`(?i)\b(golang|goroutine|go\.mod)\b`)},
	{"python", regexp.MustCompile(`(?i)\b(python|pip|django|flask)\b`)},
	{"javascript", regexp.MustCompile(`(?i)\b(javascript|typescript|node\.?js|npm)\b`)},
	{"react", regexp.MustCompile(`(?i)\breact\b`)},
	{"docker", regexp.MustCompile(`(?i)\b(docker|container|dockerfile)\b`)},
	{"kubernetes", regexp.MustCompile(`(?i)\b(kubernetes|k8s|kubectl)\b`)},
	{"sql", regexp.MustCompile(`(?i)\b(sql|postgres|postgresql|mysql|sqlite)\b`)},
	{"aws", regexp.MustCompile(`(?i)\b(aws|s3|dynamodb|lambda)\b`)},
	{"gcp", regexp.MustCompile(`(?i)\b(gcp|gcs|bigquery|cloud run)\b`)},
}

// heuristicTags is the deterministic fallback enrichment.
func heuristicTags(text string, kind datatypes.ThoughtKind) smartTags {
	st := smartTags{Category: string(datatypes.CategoryOther), Intent: string(datatypes.IntentNote)}
	for _, sp := range stackPatterns {
		if sp.pattern.MatchString(text) {
			st.Tags = append(st.Tags, sp.tag)
			if len(st.Tags) == smartTagsMax {
				break
			}
		}
	}
	if len(st.Tags) > 0 {
		st.Category = string(datatypes.CategoryEngineering)
	}

	lower := strings.ToLower(text)
	switch {
	case kind == datatypes.KindTodo:
		st.Intent = string(datatypes.IntentTodo)
	case kind == datatypes.KindDecision:
		st.Intent = string(datatypes.IntentDecision)
		st.Category = string(datatypes.CategoryDecision)
	case kind == datatypes.KindRationale:
		st.Intent = string(datatypes.IntentRationale)
		st.Category = string(datatypes.CategoryDecision)
	case strings.Contains(lower, "?"):
		st.Intent = string(datatypes.IntentQuestion)
	case strings.Contains(lower, "bug") || strings.Contains(lower, "broken") || strings.Contains(lower, "crash"):
		st.Intent = string(datatypes.IntentBugReport)
	case strings.Contains(lower, "idea") || strings.Contains(lower, "what if"):
		st.Intent = string(datatypes.IntentIdea)
	}
	return st
}

// mergeTags unions user tags with smart tags, preserving user-first order
// and dropping the storage sentinel.
func mergeTags(userTags, smart []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(userTags)+len(smart))
	add := func(tags []string) {
		for _, tag := range tags {
			tag = strings.ToLower(tag)
			if tag == "" || tag == datatypes.NoneSentinel {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	add(userTags)
	add(smart)
	return out
}
