// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/middleware"
	"github.com/recollect-labs/recollect/services/engine/retrieval"
	"github.com/recollect-labs/recollect/services/engine/synthesis"
)

// Ask handles POST /ask: one-shot question answering over the user's corpus
// without conversation state.
func Ask(engine *retrieval.Engine, synth *synthesis.Synthesizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		started := time.Now()

		var req datatypes.AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, "ask", datatypes.NewError(datatypes.KindValidation,
				"handlers.Ask", "malformed request body"))
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			writeError(c, "ask", err)
			return
		}

		var window datatypes.TimeWindow
		if req.TimeWindow != "" {
			w, err := datatypes.ParseTimeWindow(req.TimeWindow, time.Now())
			if err != nil {
				writeError(c, "ask", err)
				return
			}
			window = w
		}

		results := engine.Search(c.Request.Context(), user, retrieval.Params{
			Query:  req.Query,
			Tags:   req.Tags,
			Window: window,
		})
		answer := synth.Synthesize(c.Request.Context(), req.Query, results.Thoughts, nil)

		citations := answer.Citations
		if len(citations) > req.Limit {
			citations = citations[:req.Limit]
		}

		c.JSON(http.StatusOK, datatypes.AskResponse{
			Answer:           answer.Text,
			Citations:        citations,
			ConversationHits: conversationHits(results.Conversations),
			Confidence:       answer.Confidence,
			ProcessingTime:   time.Since(started).Milliseconds(),
		})
	}
}

func conversationHits(results []retrieval.Result) []datatypes.ConversationHit {
	if len(results) == 0 {
		return nil
	}
	hits := make([]datatypes.ConversationHit, len(results))
	for i, r := range results {
		hits[i] = datatypes.ConversationHit{
			ID:           r.DocID,
			Title:        r.Title,
			Summary:      r.Summary,
			Score:        r.Final,
			MessageCount: r.MessageCount,
			UpdatedAt:    r.UpdatedAtEpoch,
		}
	}
	synthesis.NormalizeConversationScores(hits)
	return hits
}
