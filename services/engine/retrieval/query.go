// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

// Query preparation: inline-tag extraction, time-hint detection, and synonym
// expansion. All pure; the embedding happens later against the ORIGINAL text,
// never the expanded string.

var queryTagPattern = regexp.MustCompile(`#([A-Za-z0-9_-]{1,50})\b`)

// synonyms is the fixed lexical expansion table. Keys and values are
// lowercase single tokens except the multi-word phrases, which are matched
// as substrings.
var synonyms = map[string][]string{
	"why":      {"reason", "rationale", "because", "decision", "chose"},
	"bug":      {"error", "issue", "problem", "broken", "fix"},
	"decide":   {"decision", "chose", "selected", "tradeoff"},
	"decided":  {"decision", "chose", "selected", "tradeoff"},
	"fast":     {"performance", "latency", "speed", "optimize"},
	"slow":     {"performance", "latency", "bottleneck"},
	"auth":     {"authentication", "login", "token", "session"},
	"deploy":   {"deployment", "release", "ship", "rollout"},
	"db":       {"database", "storage", "schema"},
	"database": {"db", "storage", "schema"},
	"test":     {"testing", "spec", "coverage"},
	"config":   {"configuration", "settings", "env"},
}

// timeHints maps a detected phrase to the lookback it implies when the
// caller supplied no explicit window.
var timeHints = []struct {
	phrase   string
	lookback time.Duration
}{
	{"yesterday", 2 * 24 * time.Hour},
	{"today", 24 * time.Hour},
	{"this week", 7 * 24 * time.Hour},
	{"last week", 14 * 24 * time.Hour},
	{"last month", 60 * 24 * time.Hour},
}

// PreparedQuery is the outcome of query preparation.
type PreparedQuery struct {
	// Original is the caller's query verbatim. Embeddings use this.
	Original string

	// Expanded is Original plus synonym keywords, for the lexical leg.
	Expanded string

	// Tags are inline #tags pulled from the query, merged with the
	// caller's filter tags.
	Tags []string

	// TimeHint is the detected phrase, empty when none matched. Recorded
	// for diagnostics.
	TimeHint string

	// Window is the effective time filter.
	Window datatypes.TimeWindow
}

// PrepareQuery runs tag extraction, time-hint detection, and synonym
// expansion. An explicit callerWindow always wins over a detected hint.
func PrepareQuery(query string, callerTags []string, callerWindow datatypes.TimeWindow, now time.Time) PreparedQuery {
	p := PreparedQuery{Original: query, Window: callerWindow}

	seen := make(map[string]struct{})
	for _, tag := range callerTags {
		tag = strings.ToLower(tag)
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		p.Tags = append(p.Tags, tag)
	}
	for _, m := range queryTagPattern.FindAllStringSubmatch(query, -1) {
		tag := strings.ToLower(m[1])
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		p.Tags = append(p.Tags, tag)
	}

	lower := strings.ToLower(query)
	for _, h := range timeHints {
		if strings.Contains(lower, h.phrase) {
			p.TimeHint = h.phrase
			if callerWindow.From == 0 && callerWindow.To == 0 {
				p.Window = datatypes.TimeWindow{From: now.Add(-h.lookback).UnixMilli(), To: now.UnixMilli()}
			}
			break
		}
	}

	p.Expanded = expand(query)
	return p
}

// expand appends synonym keywords for every matched table key, deduped and
// in deterministic order. The original text stays in front.
func expand(query string) string {
	lower := strings.ToLower(query)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '-' || r == '_')
	})
	present := make(map[string]struct{}, len(words))
	for _, w := range words {
		present[w] = struct{}{}
	}

	added := make(map[string]struct{})
	var extra []string
	for _, w := range words {
		for _, syn := range synonyms[w] {
			if _, ok := present[syn]; ok {
				continue
			}
			if _, ok := added[syn]; ok {
				continue
			}
			added[syn] = struct{}{}
			extra = append(extra, syn)
		}
	}
	if len(extra) == 0 {
		return query
	}
	sort.Strings(extra)
	return query + " " + strings.Join(extra, " ")
}
