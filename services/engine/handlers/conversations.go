// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recollect-labs/recollect/services/engine/convo"
	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/middleware"
)

// CreateConversation handles POST /conversations.
func CreateConversation(svc *convo.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		var req datatypes.CreateConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, "conversations", datatypes.NewError(datatypes.KindValidation,
				"handlers.CreateConversation", "malformed request body"))
			return
		}
		resp, err := svc.Create(c.Request.Context(), user, req)
		if err != nil {
			writeError(c, "conversations", err)
			return
		}
		c.JSON(http.StatusCreated, resp)
	}
}

// ListConversations handles GET /conversations.
func ListConversations(svc *convo.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		req := datatypes.ListConversationsRequest{
			Status: datatypes.ConversationStatus(c.Query("status")),
			Limit:  queryInt(c, "limit"),
			Cursor: c.Query("cursor"),
		}
		resp, err := svc.List(c.Request.Context(), user, req)
		if err != nil {
			writeError(c, "conversations", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetConversation handles GET /conversations/:id.
func GetConversation(svc *convo.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		resp, err := svc.Get(c.Request.Context(), user, c.Param("id"),
			c.Query("cursor"), queryInt(c, "limit"))
		if err != nil {
			writeError(c, "conversations", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// UpdateConversation handles PUT /conversations/:id.
func UpdateConversation(svc *convo.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		var req datatypes.UpdateConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, "conversations", datatypes.NewError(datatypes.KindValidation,
				"handlers.UpdateConversation", "malformed request body"))
			return
		}
		summary, err := svc.Update(c.Request.Context(), user, c.Param("id"), req)
		if err != nil {
			writeError(c, "conversations", err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// DeleteConversation handles DELETE /conversations/:id. Idempotent.
func DeleteConversation(svc *convo.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		if err := svc.Delete(c.Request.Context(), user, c.Param("id")); err != nil {
			writeError(c, "conversations", err)
			return
		}
		c.JSON(http.StatusOK, datatypes.MessageResponse{Message: "conversation deleted"})
	}
}

// SendMessage handles POST /conversations/:id/messages.
func SendMessage(svc *convo.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		var req datatypes.SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, "messages", datatypes.NewError(datatypes.KindValidation,
				"handlers.SendMessage", "malformed request body"))
			return
		}
		resp, err := svc.SendMessage(c.Request.Context(), user, c.Param("id"), req)
		if err != nil {
			writeError(c, "messages", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
