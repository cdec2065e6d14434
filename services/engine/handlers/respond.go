// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP surface of the knowledge engine.
// Handlers are thin: parse, call the service, translate the error taxonomy
// to a status code. Business rules live in the service packages.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/observability"
)

// writeError renders the uniform error body. The response carries the
// sanitized client message, never the wrapped internal error.
func writeError(c *gin.Context, route string, err error) {
	kind := datatypes.KindOf(err)
	status := datatypes.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "route", route, "kind", kind, "error", err)
	} else {
		slog.Info("request rejected", "route", route, "kind", kind)
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(route, string(kind))
	}
	c.JSON(status, datatypes.ErrorResponse{
		Error: datatypes.ClientMessage(err),
		Kind:  string(kind),
	})
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
