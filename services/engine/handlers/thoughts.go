// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/recollect-labs/recollect/services/engine/capture"
	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/middleware"
	"github.com/recollect-labs/recollect/services/engine/vectorindex"
)

// CaptureThought handles POST /thoughts.
func CaptureThought(svc *capture.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		var req datatypes.CaptureThoughtRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, "capture", datatypes.NewError(datatypes.KindValidation,
				"handlers.CaptureThought", "malformed request body"))
			return
		}
		resp, err := svc.Capture(c.Request.Context(), user, req)
		if err != nil {
			writeError(c, "capture", err)
			return
		}
		c.JSON(http.StatusCreated, resp)
	}
}

// ListThoughts handles GET /thoughts.
func ListThoughts(svc *capture.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		req := datatypes.ListThoughtsRequest{
			From:         queryInt64(c, "from"),
			To:           queryInt64(c, "to"),
			Tag:          c.Query("tag"),
			Kind:         datatypes.ThoughtKind(c.Query("type")),
			Limit:        queryInt(c, "limit"),
			Cursor:       c.Query("cursor"),
			IncludeCount: c.Query("includeCount") == "true",
		}
		resp, err := svc.List(c.Request.Context(), user, req)
		if err != nil {
			writeError(c, "thoughts", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// RelatedThoughts handles GET /thoughts/:id/related.
func RelatedThoughts(svc *capture.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		resp, err := svc.Related(c.Request.Context(), user, c.Param("id"))
		if err != nil {
			writeError(c, "related", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// DeleteThought handles DELETE /thoughts/:id. The metadata tombstone is the
// authoritative delete; removing the vector document is best effort and the
// next index rebuild repairs any miss.
func DeleteThought(svc *capture.Service, index vectorindex.Index) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		id := c.Param("id")
		if err := svc.Delete(c.Request.Context(), user, id); err != nil {
			writeError(c, "delete_thought", err)
			return
		}
		if err := index.Delete(c.Request.Context(), id); err != nil {
			slog.Warn("vector delete failed after tombstone", "thought_id", id, "error", err)
		}
		c.JSON(http.StatusOK, datatypes.MessageResponse{Message: "thought deleted"})
	}
}

func queryInt(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return n
}

func queryInt64(c *gin.Context, name string) int64 {
	n, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
