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

	"github.com/recollect-labs/recollect/services/engine/capture"
	"github.com/recollect-labs/recollect/services/engine/convo"
	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/middleware"
)

// Export handles GET /export: the full sync payload for one user. The
// syncTimestamp is taken before the scans start, so a client passing it back
// as the next since never misses a write that lands mid-export.
func Export(capSvc *capture.Service, convSvc *convo.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		since := queryInt64(c, "since")
		syncTimestamp := time.Now().UnixMilli()

		thoughts, deletedThoughts, err := capSvc.Export(c.Request.Context(), user, since)
		if err != nil {
			writeError(c, "export", err)
			return
		}
		conversations, deletedConversations, err := convSvc.Export(c.Request.Context(), user, since)
		if err != nil {
			writeError(c, "export", err)
			return
		}

		deleted := append(deletedThoughts, deletedConversations...)
		c.JSON(http.StatusOK, datatypes.ExportResponse{
			Thoughts:      thoughts,
			Conversations: conversations,
			Deleted:       deleted,
			SyncTimestamp: syncTimestamp,
		})
	}
}
