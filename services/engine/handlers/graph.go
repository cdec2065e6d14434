// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/middleware"
	"github.com/recollect-labs/recollect/services/engine/themegraph"
)

// Graph handles GET /graph.
func Graph(builder *themegraph.Builder) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.UserFrom(c)
		req := datatypes.GraphRequest{Month: c.Query("month")}
		if raw := c.Query("minSimilarity"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				writeError(c, "graph", datatypes.NewError(datatypes.KindValidation,
					"handlers.Graph", "minSimilarity must be a number"))
				return
			}
			req.MinSimilarity = v
		}
		graph, err := builder.Build(c.Request.Context(), user, req)
		if err != nil {
			writeError(c, "graph", err)
			return
		}
		c.JSON(http.StatusOK, graph)
	}
}
