// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package synthesis turns retrieval results into a short cited answer, or
// abstains when the retrieved notes cannot support one. Answers are
// constrained to the provided context; citations only reference entries the
// model actually used.
package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/retrieval"
	"github.com/recollect-labs/recollect/services/llm"
)

var tracer = otel.Tracer("recollect.synthesis")

const (
	// MaxContextSnippets bounds the numbered notes fed to the model.
	MaxContextSnippets = 6

	// citationThreshold gates which referenced entries become citations.
	citationThreshold = 0.3

	snippetPreviewLen  = 150
	citationPreviewLen = 200

	answerTemperature = 0.3
	answerMaxTokens   = 300

	// AbstentionAnswer is the fixed response for an empty context.
	AbstentionAnswer = "I don't have any notes that answer this. Try rephrasing, or capture some thoughts on the topic first."

	confidenceCap         = 0.95
	confidenceNoCitations = 0.3
	confidenceNoContext   = 0.1
	confidenceExtractive  = 0.5
)

var citationRefPattern = regexp.MustCompile(`\[(\d+)\]`)

const answerSystemPrompt = `You answer questions from a person's own captured notes.
Rules:
- Use ONLY the numbered notes provided. Do not add outside knowledge.
- Cite every claim with the note number in square brackets, like [1] or [3].
- If the notes do not answer the question, say you don't have notes on it.
- Keep the answer to 2-3 sentences.`

// Answer is the synthesizer output.
type Answer struct {
	Text               string
	Citations          []datatypes.Citation
	Confidence         float64
	SearchedThoughtIDs []string

	// Extractive is true when the LLM failed and the answer quotes the
	// top hit directly.
	Extractive bool
}

// Synthesizer builds answers with an LLM client.
type Synthesizer struct {
	client llm.Client
}

// New creates a synthesizer.
func New(client llm.Client) *Synthesizer {
	return &Synthesizer{client: client}
}

// Synthesize answers the query from the given thought results. history, when
// non-empty, is prior dialog appended to the system prompt for conversational
// use; message content stays out of logs and errors.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, thoughts []retrieval.Result, history []datatypes.PlainMessage) Answer {
	ctx, span := tracer.Start(ctx, "Synthesis.Synthesize")
	defer span.End()

	if len(thoughts) > MaxContextSnippets {
		thoughts = thoughts[:MaxContextSnippets]
	}
	span.SetAttributes(attribute.Int("synthesis.context_size", len(thoughts)))

	if len(thoughts) == 0 {
		return Answer{
			Text:       AbstentionAnswer,
			Citations:  []datatypes.Citation{},
			Confidence: confidenceNoContext,
		}
	}

	searched := make([]string, 0, len(thoughts))
	for _, t := range thoughts {
		searched = append(searched, t.DocID)
	}

	system := answerSystemPrompt
	if len(history) > 0 {
		system += "\n\nConversation so far:\n" + renderHistory(history)
	}
	user := buildPrompt(query, thoughts)

	raw, err := s.client.Complete(ctx, system, user, llm.GenerationParams{
		Temperature: llm.Float32Ptr(answerTemperature),
		MaxTokens:   llm.IntPtr(answerMaxTokens),
	})
	if err != nil {
		slog.Warn("answer generation failed, serving extractive fallback", "error", err)
		span.RecordError(err)
		return extractive(query, thoughts, searched)
	}

	answer := Answer{
		Text:               strings.TrimSpace(raw),
		SearchedThoughtIDs: searched,
	}
	answer.Citations = citationsFor(answer.Text, thoughts)
	answer.Confidence = confidence(answer.Citations, true)
	normalizeCitationScores(answer.Citations)
	return answer
}

// buildPrompt renders the numbered snippet block and the question.
func buildPrompt(query string, thoughts []retrieval.Result) string {
	var b strings.Builder
	b.WriteString("Notes:\n")
	for i, t := range thoughts {
		date := time.UnixMilli(t.CreatedAtEpoch).UTC().Format("2006-01-02")
		fmt.Fprintf(&b, "[%d] %s - %s\n", i+1, date, snippet(t))
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

func snippet(t retrieval.Result) string {
	if t.Summary != "" {
		return t.Summary
	}
	return truncate(t.Text, snippetPreviewLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// citationsFor extracts [i] references, dedupes them, and maps qualifying
// entries back to citations. Out-of-range references are dropped.
func citationsFor(answer string, thoughts []retrieval.Result) []datatypes.Citation {
	seen := make(map[int]struct{})
	out := []datatypes.Citation{}
	for _, m := range citationRefPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(thoughts) {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		t := thoughts[n-1]
		if t.Final < citationThreshold {
			continue
		}
		out = append(out, toCitation(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func toCitation(t retrieval.Result) datatypes.Citation {
	preview := t.Summary
	if preview == "" {
		preview = truncate(t.Text, citationPreviewLen)
	}
	return datatypes.Citation{
		ID:        t.DocID,
		CreatedAt: t.CreatedAtEpoch,
		Preview:   preview,
		Score:     t.Final,
		Kind:      datatypes.ThoughtKind(t.Kind),
		Tags:      t.Tags,
	}
}

// confidence is the mean citation score capped at 0.95; without citations it
// reports the fixed low-confidence constant.
func confidence(citations []datatypes.Citation, hadContext bool) float64 {
	if len(citations) == 0 {
		if hadContext {
			return confidenceNoCitations
		}
		return confidenceNoContext
	}
	var sum float64
	for _, c := range citations {
		sum += c.Score
	}
	mean := sum / float64(len(citations))
	return math.Min(mean, confidenceCap)
}

// normalizeCitationScores min-max rescales Score to [0,1] across the set and
// rounds to three decimals. A single citation reports 1.
func normalizeCitationScores(citations []datatypes.Citation) {
	if len(citations) == 0 {
		return
	}
	lo, hi := citations[0].Score, citations[0].Score
	for _, c := range citations[1:] {
		lo = math.Min(lo, c.Score)
		hi = math.Max(hi, c.Score)
	}
	for i := range citations {
		var v float64 = 1
		if hi > lo {
			v = (citations[i].Score - lo) / (hi - lo)
		}
		citations[i].Score = math.Round(v*1000) / 1000
	}
}

// NormalizeConversationScores applies the same min-max treatment to the
// conversation hits returned alongside an answer.
func NormalizeConversationScores(hits []datatypes.ConversationHit) {
	if len(hits) == 0 {
		return
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		lo = math.Min(lo, h.Score)
		hi = math.Max(hi, h.Score)
	}
	for i := range hits {
		var v float64 = 1
		if hi > lo {
			v = (hits[i].Score - lo) / (hi - lo)
		}
		hits[i].Score = math.Round(v*1000) / 1000
	}
}

// extractive quotes the top hit when generation is unavailable.
func extractive(query string, thoughts []retrieval.Result, searched []string) Answer {
	top := thoughts[0]
	cite := toCitation(top)
	cite.Score = 1
	return Answer{
		Text:               "From your notes: " + snippet(top) + " [1]",
		Citations:          []datatypes.Citation{cite},
		Confidence:         confidenceExtractive,
		SearchedThoughtIDs: searched,
		Extractive:         true,
	}
}

func renderHistory(history []datatypes.PlainMessage) string {
	var b strings.Builder
	for _, m := range history {
		role := "User"
		if m.Role == datatypes.RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Content)
	}
	return b.String()
}
