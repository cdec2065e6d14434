// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recollect-labs/recollect/services/engine/capture"
	"github.com/recollect-labs/recollect/services/engine/convo"
	"github.com/recollect-labs/recollect/services/engine/handlers"
	"github.com/recollect-labs/recollect/services/engine/middleware"
	"github.com/recollect-labs/recollect/services/engine/observability"
	"github.com/recollect-labs/recollect/services/engine/retrieval"
	"github.com/recollect-labs/recollect/services/engine/synthesis"
	"github.com/recollect-labs/recollect/services/engine/themegraph"
	"github.com/recollect-labs/recollect/services/engine/vectorindex"
)

// Deps carries the wired services the routes dispatch to.
type Deps struct {
	Capture       *capture.Service
	Convo         *convo.Service
	Retrieval     *retrieval.Engine
	Synth         *synthesis.Synthesizer
	Graph         *themegraph.Builder
	Index         vectorindex.Index
	Authenticator middleware.Authenticator
}

// SetupRoutes registers the full HTTP surface. /health and /metrics are
// unauthenticated; everything under /v1 requires a resolved user.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(deps.Authenticator))
	v1.Use(requestMetrics())
	{
		v1.POST("/thoughts", handlers.CaptureThought(deps.Capture))
		v1.GET("/thoughts", handlers.ListThoughts(deps.Capture))
		v1.GET("/thoughts/:id/related", handlers.RelatedThoughts(deps.Capture))
		v1.DELETE("/thoughts/:id", handlers.DeleteThought(deps.Capture, deps.Index))

		v1.POST("/ask", handlers.Ask(deps.Retrieval, deps.Synth))

		conversations := v1.Group("/conversations")
		{
			conversations.POST("", handlers.CreateConversation(deps.Convo))
			conversations.GET("", handlers.ListConversations(deps.Convo))
			conversations.GET("/:id", handlers.GetConversation(deps.Convo))
			conversations.PUT("/:id", handlers.UpdateConversation(deps.Convo))
			conversations.DELETE("/:id", handlers.DeleteConversation(deps.Convo))
			conversations.POST("/:id/messages", handlers.SendMessage(deps.Convo))
		}

		v1.GET("/graph", handlers.Graph(deps.Graph))
		v1.GET("/export", handlers.Export(deps.Capture, deps.Convo))
	}
}

// requestMetrics observes request counts and latency per route pattern.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		m := observability.DefaultMetrics
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordRequest(route, c.Writer.Status(), time.Since(started).Seconds())
	}
}
